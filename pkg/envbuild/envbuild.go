/*
Package envbuild implements the Environment Builder (spec.md §4.2): a pure
function from (extra variables, worker id, parent contact info) to the
environment block a spawned child inherits. It has no side effects and
reads no environment itself: Merge works on the base environment its
caller (pkg/spawn) passes in.
*/
package envbuild

import (
	"fmt"

	"github.com/cuemby/parallel/pkg/envvars"
	"github.com/cuemby/parallel/pkg/perr"
)

// Var is one environment variable assignment.
type Var struct {
	Key   string
	Value string
}

// Params describes the child environment to build.
type Params struct {
	WorkerID     string
	ParentAddr   string
	ParentCookie string
	Extra        []Var
}

// Build produces the environment pairs a spawned child inherits:
// the role marker set to WorkerID, the parent-contact variables, and Extra
// merged in. Extra may not override a reserved key — doing so fails with
// ReservedEnvKey (spec.md §4.2).
func Build(p Params) ([]Var, error) {
	for _, kv := range p.Extra {
		if envvars.Reserved[kv.Key] {
			return nil, perr.New(perr.KindReservedEnvKey, fmt.Sprintf("extra env var %q is reserved", kv.Key))
		}
	}

	out := make([]Var, 0, len(p.Extra)+3)
	out = append(out,
		Var{envvars.Role, p.WorkerID},
		Var{envvars.ParentAddr, p.ParentAddr},
		Var{envvars.ParentCookie, p.ParentCookie},
	)
	out = append(out, p.Extra...)
	return out, nil
}

// Strings renders vars as "KEY=VALUE" pairs suitable for exec.Cmd.Env or a
// remote-shell invocation's inline environment.
func Strings(vars []Var) []string {
	out := make([]string, len(vars))
	for i, kv := range vars {
		out[i] = kv.Key + "=" + kv.Value
	}
	return out
}

// Merge overlays vars onto a base environment (typically os.Environ()),
// clearing any library-reserved key from base first (spec.md §4.2: "clears
// any library-reserved variables not needed by the child") so a master's
// own PARALLEL_* variables never leak into a child that doesn't need them.
func Merge(base []string, vars []Var) []string {
	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		key := kv
		for i, c := range kv {
			if c == '=' {
				key = kv[:i]
				break
			}
		}
		if envvars.Reserved[key] {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, Strings(vars)...)
	return out
}
