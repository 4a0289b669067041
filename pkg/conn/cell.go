package conn

import (
	"sync"

	"github.com/cuemby/parallel/pkg/perr"
)

// Cell is a write-once slot: the connection-scoped state a worker's
// init_connection_state handler produces exactly once per connection
// (spec.md §4.6). A second Set is a programming error, not a runtime
// condition a caller can recover from, so it panics rather than returning
// an error — consistent with this module's distinction between expected
// failures (returned as *perr.Error) and invariant violations (panics).
type Cell[T any] struct {
	mu  sync.RWMutex
	set bool
	val T
}

// Set stores val, panicking if the cell has already been written.
func (c *Cell[T]) Set(val T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		panic("conn: write-once connection state set more than once")
	}
	c.val = val
	c.set = true
}

// Get returns the stored value, or InitConnStateFailed if the cell has not
// been written yet (the caller invoked run before init_connection_state
// completed).
func (c *Cell[T]) Get() (T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		var zero T
		return zero, perr.New(perr.KindInitConnStateFailed, "connection state not yet initialized")
	}
	return c.val, nil
}

// IsSet reports whether Set has been called.
func (c *Cell[T]) IsSet() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set
}
