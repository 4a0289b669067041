package registry

import (
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/cuemby/parallel/pkg/perr"
	"github.com/cuemby/parallel/pkg/types"
)

// OnFailure is invoked at most once per WorkerHandle, when the heartbeat
// tracker loses contact with the worker (spec.md §4.4/§4.7).
type OnFailure func(reason types.FailureReason, cause error)

// WorkerHandle is the master-side record of one spawned worker: its
// address for the Connection Manager to dial, the process handle for local
// spawns (nil for remote spawns, where the spec gives the master no
// process-level control), and the failure callback the Heartbeater invokes.
type WorkerHandle struct {
	ID        types.WorkerId
	Address   types.WorkerAddress
	BinaryMD5 [16]byte
	Process   *exec.Cmd // nil when spawned remotely
	OnFailure OnFailure

	// Conn is the live Connection Manager link to this worker, set once
	// the master has dialed it. The Shutdown Cascade closes it via this
	// field without needing to import pkg/conn's concrete type.
	Conn io.Closer

	mu     sync.Mutex
	failed bool
}

// MarkFailed invokes h.OnFailure exactly once, on the first call only,
// matching spec.md's "at most once" liveness-callback guarantee.
func (h *WorkerHandle) MarkFailed(reason types.FailureReason, cause error) {
	h.mu.Lock()
	already := h.failed
	h.failed = true
	h.mu.Unlock()
	if already || h.OnFailure == nil {
		return
	}
	h.OnFailure(reason, cause)
}

// Failed reports whether MarkFailed has been called on this handle.
func (h *WorkerHandle) Failed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}

// Workers is the master-side worker-id -> WorkerHandle table (spec.md
// §4.4's Worker Registry). The Spawn Engine installs handles into it; the
// Shutdown Cascade drains it.
type Workers struct {
	mu    sync.RWMutex
	table map[types.WorkerId]*WorkerHandle
}

// NewWorkers returns an empty Worker Registry.
func NewWorkers() *Workers {
	return &Workers{table: make(map[types.WorkerId]*WorkerHandle)}
}

// Install adds handle to the registry, failing if its ID is already taken.
func (w *Workers) Install(handle *WorkerHandle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.table[handle.ID]; exists {
		return perr.New(perr.KindSpawnFailed, fmt.Sprintf("worker id %q already registered", handle.ID))
	}
	w.table[handle.ID] = handle
	return nil
}

// Get returns the handle for id, if present.
func (w *Workers) Get(id types.WorkerId) (*WorkerHandle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.table[id]
	return h, ok
}

// Remove deletes id from the registry. Idempotent.
func (w *Workers) Remove(id types.WorkerId) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.table, id)
}

// All returns a snapshot of every registered handle, for the Shutdown
// Cascade to iterate without holding the registry lock.
func (w *Workers) All() []*WorkerHandle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	handles := make([]*WorkerHandle, 0, len(w.table))
	for _, h := range w.table {
		handles = append(handles, h)
	}
	return handles
}

// Len reports the number of registered workers.
func (w *Workers) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.table)
}
