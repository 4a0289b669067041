/*
Package registry holds the two lookup tables the spec's master/worker split
is built on: the TypedFunction registry (spec.md §4.5 — a method name maps
to a decode/handler/encode triple, replacing the trait-and-codegen RPC DSL
the spec explicitly puts out of scope) and the Worker Registry (spec.md
§4.4/§4.8 — the master-side worker-id → WorkerHandle table the Spawn
Engine populates and the Shutdown Cascade drains).
*/
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/parallel/pkg/perr"
	"github.com/cuemby/parallel/pkg/supervise"
	"github.com/cuemby/parallel/pkg/wire"
)

// Handler is the user-supplied business logic for one registered method.
// It receives the supervision scope background work can be launched
// against (spec.md §4.9 — scope.Go failures are redirected to the
// worker's configured late-failure sink instead of this call's own
// result), the per-worker state produced once by init_worker_state, the
// per-connection state produced by init_connection_state, and the
// already-decoded argument. It returns the value to encode back to the
// caller.
type Handler func(ctx context.Context, scope *supervise.Scope, workerState, connState, arg any) (any, error)

// TypedFunction is one registered RPC method: its wire name, how to decode
// an incoming argument, the handler that computes a result, and how to
// encode that result back onto the wire. Keeping decode/encode as plain
// funcs (rather than generic methods) lets Functions store heterogeneous
// method signatures in one map, the same shape spec.md's "id -> triple"
// wording describes.
type TypedFunction struct {
	Name    string
	Decode  func([]byte) (any, error)
	Encode  func(any) ([]byte, error)
	Handler Handler
}

// Functions is the TypedFunction registry a Worker Server dispatches
// against. It is safe for concurrent use: Register takes a write lock and
// the read path (Lookup, Names, Has) takes a read lock.
type Functions struct {
	mu    sync.RWMutex
	table map[string]TypedFunction
	built map[string]bool
}

// NewFunctions returns an empty TypedFunction registry.
func NewFunctions() *Functions {
	return &Functions{table: make(map[string]TypedFunction)}
}

// Register adds fn under fn.Name, failing if the name is already taken or
// the name is empty.
func (f *Functions) Register(fn TypedFunction) error {
	if fn.Name == "" {
		return perr.New(perr.KindRPCError, "cannot register a TypedFunction with an empty name")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.table[fn.Name]; exists {
		return perr.New(perr.KindRPCError, fmt.Sprintf("method %q already registered", fn.Name))
	}
	f.table[fn.Name] = fn
	return nil
}

// MustRegister is Register, panicking on error — intended for programs
// wiring their RPC surface at init time, where a name collision is a
// programming error rather than a runtime condition.
func (f *Functions) MustRegister(fn TypedFunction) {
	if err := f.Register(fn); err != nil {
		panic(err)
	}
}

// Lookup returns the TypedFunction registered under name, or an
// RPCUnknownMethod error.
func (f *Functions) Lookup(name string) (TypedFunction, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.table[name]
	if !ok {
		return TypedFunction{}, perr.RPC(perr.RPCUnknownMethod, fmt.Sprintf("no such method %q", name), nil)
	}
	return fn, nil
}

// Names returns the registered method names. Not part of spec.md's core
// surface, but harmless introspection a registry of this shape naturally
// supports.
func (f *Functions) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.table))
	for name := range f.table {
		names = append(names, name)
	}
	return names
}

// Has reports whether name is registered.
func (f *Functions) Has(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.table[name]
	return ok
}

// Dispatch decodes req.Arg, invokes the handler, and encodes the result
// into an RPCResponse carrying the same QueryID, translating any error into
// the RPCErrorPayload shape the wire protocol defines. late receives any
// LateTaskFailure from background work the handler launches via the
// Scope passed to it (spec.md §4.9) — pass the worker's monitor.Broker's
// LateSink here, or nil to drop late failures silently.
func (f *Functions) Dispatch(ctx context.Context, late supervise.LateSink, workerState, connState any, req wire.RPCRequest) wire.RPCResponse {
	fn, err := f.Lookup(req.Method)
	if err != nil {
		return errorResponse(req.QueryID, err)
	}

	arg, err := fn.Decode(req.Arg)
	if err != nil {
		return errorResponse(req.QueryID, perr.RPC(perr.RPCDeserialization, "decoding RPC argument", err))
	}

	// try_within (spec.md §4.9): a handler panic, or an error returned
	// before its own result is determined, propagates to this synchronous
	// caller as a normal error rather than crashing the connection's
	// dispatch goroutine. Anything the handler launches via scope.Go that
	// fails after the handler has already returned goes to late instead.
	result, err := supervise.Within(late, func(scope *supervise.Scope) (any, error) {
		return fn.Handler(ctx, scope, workerState, connState, arg)
	})
	if err != nil {
		return errorResponse(req.QueryID, perr.RPC(perr.RPCRemoteException, "handler returned an error", err))
	}

	encoded, err := fn.Encode(result)
	if err != nil {
		return errorResponse(req.QueryID, perr.RPC(perr.RPCDeserialization, "encoding RPC result", err))
	}

	return wire.RPCResponse{QueryID: req.QueryID, Result: encoded}
}

func errorResponse(queryID uint64, err error) wire.RPCResponse {
	kind, _ := perr.KindOf(err)
	rpcKind := perr.RPCRemoteException
	if pe, ok := err.(*perr.Error); ok && pe.RPCKind != "" {
		rpcKind = pe.RPCKind
	}
	return wire.RPCResponse{
		QueryID: queryID,
		Err: &wire.RPCErrorPayload{
			Kind:    string(kind),
			Reason:  string(rpcKind),
			Message: err.Error(),
		},
	}
}
