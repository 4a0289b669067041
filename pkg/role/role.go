/*
Package role implements the Role Detector (spec.md §4.1): at process start,
before any user main, it reads PARALLEL_ROLE to classify the process as
Master or Worker{id}. The classification is immutable for the lifetime of
the process — Detect is a pure function of the environment at the instant
it is called, and pkg/parallel calls it exactly once during StartApp.
*/
package role

import (
	"os"
	"strings"

	"github.com/cuemby/parallel/pkg/envvars"
	"github.com/cuemby/parallel/pkg/perr"
	"github.com/cuemby/parallel/pkg/types"
)

// Detect classifies the current process by reading PARALLEL_ROLE from the
// given environment lookup function (os.LookupEnv in production; tests
// inject a fake so role detection never touches real process environment).
func Detect(lookup func(string) (string, bool)) (types.Role, error) {
	v, present := lookup(envvars.Role)
	if !present {
		return types.Role{IsWorker: false}, nil
	}

	id := strings.TrimSpace(v)
	if id == "" {
		return types.Role{}, perr.New(perr.KindEnvInvalid, "PARALLEL_ROLE present but empty")
	}
	if strings.ContainsAny(id, "\x00\n") {
		return types.Role{}, perr.New(perr.KindEnvInvalid, "PARALLEL_ROLE contains invalid characters")
	}

	return types.Role{IsWorker: true, WorkerID: types.WorkerId(id)}, nil
}

// DetectFromOS is the production entry point: Detect against the real
// process environment via os.LookupEnv.
func DetectFromOS() (types.Role, error) {
	return Detect(os.LookupEnv)
}
