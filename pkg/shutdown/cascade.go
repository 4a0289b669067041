/*
Package shutdown implements the Shutdown Cascade (spec.md §4.8): an
ordered sequence of teardown steps — stop accepting, quiesce connections,
release connection state, release worker state, stop the heartbeat — run
exactly once regardless of how many times Run is called or which step
triggered the shutdown (clean exit, heartbeat loss, or an explicit
request).

The cascade itself is a small ordered-step runner, grounded in the
teacher's graceful-shutdown sequencing (cmd/warren/main.go in
cuemby/warren runs its own fixed stop-server / drain / close-store
sequence on SIGTERM); this module generalizes that fixed sequence into a
reusable list of named Steps so both the master and the worker side can
assemble their own cascade from the same primitive.
*/
package shutdown

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/parallel/pkg/log"
	"github.com/cuemby/parallel/pkg/metrics"
)

// Step is one stage of a cascade. A Step that fails does not stop later
// steps from running — teardown must make forward progress even when an
// individual stage errors — but its error is collected and returned from
// Run.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Cascade runs its Steps in order, exactly once.
type Cascade struct {
	steps []Step

	mu   sync.Mutex
	ran  bool
	err  error
	done chan struct{}
}

// New builds a Cascade from steps, run in the given order.
func New(steps ...Step) *Cascade {
	return &Cascade{steps: steps, done: make(chan struct{})}
}

// Run executes every step in order, logging and collecting (not stopping
// on) individual step failures. Calling Run more than once is safe: later
// calls block until the first run finishes and then return its result.
func (c *Cascade) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		<-c.done
		return c.err
	}
	c.ran = true
	c.mu.Unlock()

	var errs []error
	for _, step := range c.steps {
		logger := log.WithComponent("shutdown")
		logger.Info().Str("step", step.Name).Msg("running shutdown step")
		if err := step.Run(ctx); err != nil {
			logger.Warn().Str("step", step.Name).Err(err).Msg("shutdown step failed")
			metrics.ShutdownStepsTotal.WithLabelValues(step.Name, "failed").Inc()
			errs = append(errs, err)
			continue
		}
		metrics.ShutdownStepsTotal.WithLabelValues(step.Name, "ok").Inc()
	}
	c.err = errors.Join(errs...)
	close(c.done)
	return c.err
}

// Done returns a channel closed once Run has completed.
func (c *Cascade) Done() <-chan struct{} {
	return c.done
}

// WithTimeout wraps a step so it is aborted (and reported as failed) if it
// does not complete within d.
func WithTimeout(name string, d time.Duration, fn func(ctx context.Context) error) Step {
	return Step{
		Name: name,
		Run: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			errCh := make(chan error, 1)
			go func() { errCh <- fn(ctx) }()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}
