package role

import (
	"testing"

	"github.com/cuemby/parallel/pkg/envvars"
	"github.com/cuemby/parallel/pkg/perr"
)

func fakeEnv(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDetectMaster(t *testing.T) {
	r, err := Detect(fakeEnv(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.IsWorker {
		t.Fatalf("expected master, got %s", r)
	}
}

func TestDetectWorker(t *testing.T) {
	r, err := Detect(fakeEnv(map[string]string{envvars.Role: "w-1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.IsWorker || r.WorkerID != "w-1" {
		t.Fatalf("got %s, want worker{w-1}", r)
	}
}

func TestDetectEmptyRoleIsInvalid(t *testing.T) {
	_, err := Detect(fakeEnv(map[string]string{envvars.Role: ""}))
	if kind, _ := perr.KindOf(err); kind != perr.KindEnvInvalid {
		t.Fatalf("got %v, want EnvInvalid", err)
	}
}

func TestDetectMalformedRoleIsInvalid(t *testing.T) {
	_, err := Detect(fakeEnv(map[string]string{envvars.Role: "bad\x00id"}))
	if kind, _ := perr.KindOf(err); kind != perr.KindEnvInvalid {
		t.Fatalf("got %v, want EnvInvalid", err)
	}
}
