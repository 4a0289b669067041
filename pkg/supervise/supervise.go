/*
Package supervise implements try_within (spec.md §4.9), the supervision
primitive every async boundary in this module is built on. It splits
failures into two sinks exactly as spec.md describes:

  - failures raised while computing the scope's own result propagate as a
    normal Go error return to the immediate caller ("the current
    supervisor");
  - failures from background work the scope launched via Scope.Go, which
    by construction can only fail *after* the scope has already returned
    its result, are redirected to a caller-supplied LateSink instead of
    crashing the process (spec.md §8 scenario S5).

This lets an RPC handler return a clean result while a task it fired off
in the background still gets its failure surfaced somewhere durable — the
monitoring channel pkg/parallel wires to its HeartbeatLost/LateTaskFailure
reporting — rather than being silently dropped or panicking the worker's
single-threaded event loop.
*/
package supervise

import (
	"fmt"
	"sync"

	"github.com/cuemby/parallel/pkg/perr"
)

// LateSink receives LateTaskFailure errors from background work launched
// inside a Scope, after the scope's own result has already been returned.
type LateSink func(err error)

// Scope is the supervision context passed to a Within computation. Use
// Go to launch background work whose failure should not affect the
// computation's own result.
type Scope struct {
	late LateSink
	wg   sync.WaitGroup
}

// Go launches fn in a new goroutine tracked by the scope. If fn returns an
// error, or panics, the failure is wrapped as LateTaskFailure and
// delivered to the scope's LateSink — never propagated back into Within's
// own return value, which may already have been handed to the caller.
func (s *Scope) Go(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.report(fmt.Errorf("panic: %v", r))
			}
		}()
		if err := fn(); err != nil {
			s.report(err)
		}
	}()
}

func (s *Scope) report(cause error) {
	if s.late == nil {
		return
	}
	s.late(perr.Wrap(perr.KindLateTaskFailure, "background task failed", cause))
}

// Wait blocks until every goroutine launched via Go has finished. Tests
// use this to observe late-failure delivery deterministically; production
// code generally does not need it, since late failures are fire-and-forget
// by design.
func (s *Scope) Wait() {
	s.wg.Wait()
}

// Within runs fn under a fresh Scope and returns its result. A panic
// raised directly by fn (before it returns a result) is recovered and
// returned as a normal error, per spec.md's "propagated to the current
// supervisor" — it never reaches late.
func Within[T any](late LateSink, fn func(*Scope) (T, error)) (result T, err error) {
	s := &Scope{late: late}
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = fmt.Errorf("panic in try_within computation: %v", r)
		}
	}()
	return fn(s)
}
