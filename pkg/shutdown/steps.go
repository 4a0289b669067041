package shutdown

import (
	"context"

	"github.com/cuemby/parallel/pkg/registry"
)

// Closer matches both *workerserver.Server's Close/Wait pair and any other
// accept-loop shaped component the cascade needs to stop.
type Closer interface {
	Close() error
}

// Waiter is implemented by components that can report when their
// in-flight work has drained.
type Waiter interface {
	Wait()
}

// StopAccepting returns a Step that stops a listener-backed component
// (the Worker Server, on the worker side) from accepting new connections.
func StopAccepting(name string, c Closer) Step {
	return Step{Name: name, Run: func(ctx context.Context) error {
		return c.Close()
	}}
}

// QuiesceConnections returns a Step that waits for a Waiter's in-flight
// connections to finish, bounded by the context passed to the step.
func QuiesceConnections(name string, w Waiter) Step {
	return Step{Name: name, Run: func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			w.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
}

// ReleaseWorkers returns a Step that closes every live master-side
// Connection held by the Worker Registry and drains the registry. This is
// the master's side of spec.md §4.8's teardown only: the WorkerState value
// itself lives inside each worker's own process and is released there by
// workerserver.Server.ReleaseWorkerState, not here.
func ReleaseWorkers(workers *registry.Workers) Step {
	return Step{Name: "release-workers", Run: func(ctx context.Context) error {
		for _, h := range workers.All() {
			if h.Conn != nil {
				_ = h.Conn.Close()
			}
			workers.Remove(h.ID)
		}
		return nil
	}}
}

// ReleaseState returns a Step that runs an arbitrary release callback —
// the hook a worker uses to drop its WorkerState (spec.md §4.8) once no
// connection can reach it anymore.
func ReleaseState(name string, release func()) Step {
	return Step{Name: name, Run: func(ctx context.Context) error {
		if release != nil {
			release()
		}
		return nil
	}}
}

// StopHeartbeat returns a Step that stops a Heartbeater-shaped component.
func StopHeartbeat(name string, stop func()) Step {
	return Step{Name: name, Run: func(ctx context.Context) error {
		if stop != nil {
			stop()
		}
		return nil
	}}
}
