package spawn

import (
	"os"

	"github.com/cuemby/parallel/pkg/perr"
	"github.com/cuemby/parallel/pkg/types"
)

// openRedirect resolves a types.Redirect into the *os.File a child
// process's stdout/stderr should be wired to (spec.md §6, "fd redirection
// encoding"). The caller owns the returned file and must close it once the
// child has exited.
func openRedirect(r types.Redirect) (*os.File, error) {
	switch r.Kind {
	case types.DevNull:
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, perr.Wrap(perr.KindSpawnFailed, "opening /dev/null for redirect", err)
		}
		return f, nil
	case types.FileAppend:
		f, err := os.OpenFile(r.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, perr.Wrap(perr.KindSpawnFailed, "opening redirect file for append", err)
		}
		return f, nil
	case types.FileTruncate:
		f, err := os.OpenFile(r.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, perr.Wrap(perr.KindSpawnFailed, "opening redirect file for truncate", err)
		}
		return f, nil
	default:
		return nil, perr.New(perr.KindSpawnFailed, "unknown redirect kind")
	}
}
