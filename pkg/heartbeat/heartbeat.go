/*
Package heartbeat implements the liveness protocol the worker tree relies
on to detect dead peers without waiting on a TCP-level timeout (spec.md
§4.7): a Heartbeater ticks HeartbeatFrames at Policy.Interval and considers
the peer gone if none has been received for Policy.Timeout. It is grounded
on the teacher's health-check loop (pkg/health in cuemby/warren), which
runs the same tick/timeout/callback shape against HTTP and TCP probes; this
module retargets it at the wire heartbeat frame the Connection Manager
multiplexes alongside RPC traffic.
*/
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/parallel/pkg/log"
	"github.com/cuemby/parallel/pkg/perr"
	"github.com/cuemby/parallel/pkg/types"
	"github.com/cuemby/parallel/pkg/wire"
)

// Transport is the minimal duplex a Heartbeater needs: a way to push a
// frame out and a way to learn a frame arrived. The Connection Manager
// supplies this over its yamux-multiplexed heartbeat stream; tests supply
// an in-memory fake.
type Transport interface {
	Send(wire.HeartbeatFrame) error
	// Recv blocks until a frame arrives or ctx is cancelled.
	Recv(ctx context.Context) (wire.HeartbeatFrame, error)
}

// OnLost is invoked at most once, when a Heartbeater has gone Policy.Timeout
// without receiving a frame from its peer, its transport's Recv fails, or
// the peer sends a HeartbeatShutdown frame.
type OnLost func(cause error)

// Heartbeater runs the bidirectional tick/timeout liveness loop for one
// connection. Both master and worker sides run one; the policy mode only
// changes what the worker side does when it fires OnLost.
type Heartbeater struct {
	transport Transport
	policy    types.HeartbeatPolicy
	onLost    OnLost

	seq      atomic.Uint64
	lastSeen atomic.Int64 // unix nanos

	cancel context.CancelFunc
	done   chan struct{}
	lostMu sync.Mutex
	lost   bool
}

// New constructs a Heartbeater. Call Start to begin ticking and watching.
func New(transport Transport, policy types.HeartbeatPolicy, onLost OnLost) *Heartbeater {
	return &Heartbeater{
		transport: transport,
		policy:    policy,
		onLost:    onLost,
		done:      make(chan struct{}),
	}
}

// Start launches the send loop and the timeout watchdog. It returns
// immediately; call Stop to tear both down.
func (h *Heartbeater) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.lastSeen.Store(time.Now().UnixNano())

	go h.sendLoop(ctx)
	go h.recvLoop(ctx)
	go h.watchdog(ctx)
}

// Stop halts the Heartbeater's goroutines. Idempotent.
func (h *Heartbeater) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *Heartbeater) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(h.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := h.seq.Add(1)
			if err := h.transport.Send(wire.HeartbeatFrame{Kind: wire.HeartbeatTick, Seq: seq}); err != nil {
				log.Debug("heartbeat send failed: " + err.Error())
			}
		}
	}
}

func (h *Heartbeater) recvLoop(ctx context.Context) {
	for {
		frame, err := h.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.fireLost(perr.Wrap(perr.KindHeartbeatLost, "heartbeat transport recv failed", err))
			return
		}
		if frame.Kind == wire.HeartbeatShutdown {
			h.fireLost(perr.New(perr.KindHeartbeatLost, "peer initiated shutdown"))
			return
		}
		h.lastSeen.Store(time.Now().UnixNano())
	}
}

func (h *Heartbeater) watchdog(ctx context.Context) {
	if h.policy.Timeout <= 0 {
		return
	}
	ticker := time.NewTicker(h.policy.Timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, h.lastSeen.Load())
			if time.Since(last) > h.policy.Timeout {
				h.fireLost(perr.New(perr.KindHeartbeatLost, "no heartbeat received within timeout"))
				return
			}
		}
	}
}

func (h *Heartbeater) fireLost(cause error) {
	h.lostMu.Lock()
	already := h.lost
	h.lost = true
	h.lostMu.Unlock()
	if already {
		return
	}
	if h.onLost != nil {
		h.onLost(cause)
	}
}

// NotifyShutdown sends a HeartbeatShutdown frame so the peer's recvLoop
// treats this as a clean, intentional liveness transition rather than a
// timeout (part of the Shutdown Cascade, spec.md §4.8).
func (h *Heartbeater) NotifyShutdown() error {
	return h.transport.Send(wire.HeartbeatFrame{Kind: wire.HeartbeatShutdown, Seq: h.seq.Add(1)})
}
