package conn

import (
	"context"
	"net"
	"sync"

	"github.com/cuemby/parallel/pkg/wire"
)

// streamTransport adapts a single yamux stream into heartbeat.Transport.
// Send is mutex-guarded since the heartbeat send loop and an explicit
// NotifyShutdown call could otherwise race on the same stream; Recv runs
// the blocking read in a goroutine so it can be abandoned when ctx is
// cancelled.
type streamTransport struct {
	mu     sync.Mutex
	stream net.Conn
}

func newStreamTransport(stream net.Conn) *streamTransport {
	return &streamTransport{stream: stream}
}

// NewHeartbeatTransport adapts a raw yamux stream into a heartbeat.Transport.
// Exported so pkg/workerserver can drive the same heartbeat loop on the
// accept side without duplicating the framing/cancellation logic.
func NewHeartbeatTransport(stream net.Conn) *streamTransport {
	return newStreamTransport(stream)
}

func (t *streamTransport) Send(f wire.HeartbeatFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return wire.WriteFrame(t.stream, f)
}

func (t *streamTransport) Recv(ctx context.Context) (wire.HeartbeatFrame, error) {
	type result struct {
		frame wire.HeartbeatFrame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		var f wire.HeartbeatFrame
		err := wire.ReadFrame(t.stream, &f)
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.frame, r.err
	case <-ctx.Done():
		_ = t.stream.Close()
		return wire.HeartbeatFrame{}, ctx.Err()
	}
}
