/*
Package conn implements the master-side Connection Manager (spec.md §4.6):
dialing a worker's RPC server, performing the handshake and
init_connection_state exchange, and running RPC calls against the
resulting Connection with per-connection FIFO ordering. It is grounded on
the teacher's TunnelClient (internal/mesh/tunnel.go in LiranCohen-dex),
which dials, opens a yamux client session, and runs a control-stream
handshake before the tunnel is usable — this package keeps that shape and
adds a dedicated RPC stream and a dedicated heartbeat stream alongside the
control stream, multiplexed over the same yamux session.
*/
package conn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/cuemby/parallel/pkg/heartbeat"
	"github.com/cuemby/parallel/pkg/log"
	"github.com/cuemby/parallel/pkg/metrics"
	"github.com/cuemby/parallel/pkg/perr"
	"github.com/cuemby/parallel/pkg/types"
	"github.com/cuemby/parallel/pkg/wire"
)

// Options parameterizes Dial.
type Options struct {
	Cookie          string
	BinaryMD5       [16]byte
	Policy          types.HeartbeatPolicy
	OnHeartbeatLost heartbeat.OnLost
}

// Connection is an established, handshaken link to one worker's RPC
// server: a control stream (used only during setup), a persistent RPC
// stream carrying pipelined request/response frames, and a persistent
// heartbeat stream.
type Connection struct {
	id          string
	raw         net.Conn
	session     *yamux.Session
	rpcStream   net.Conn
	heartbeater *heartbeat.Heartbeater

	writeMu     sync.Mutex
	nextQueryID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan wire.RPCResponse

	closeOnce sync.Once
	closed    chan struct{}
}

// ID returns the connection's generated identifier.
func (c *Connection) ID() string { return c.id }

// Dial connects to addr, performs the handshake and init_connection_state
// exchange, and starts the heartbeat loop. The returned Connection is
// ready for Run calls.
func Dial(ctx context.Context, addr types.WorkerAddress, opts Options) (*Connection, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, perr.Wrap(perr.KindConnectFailed, "dialing worker", err)
	}

	session, err := yamux.Client(raw, yamux.DefaultConfig())
	if err != nil {
		_ = raw.Close()
		return nil, perr.Wrap(perr.KindConnectFailed, "opening yamux client session", err)
	}

	control, err := session.Open()
	if err != nil {
		_ = session.Close()
		_ = raw.Close()
		return nil, perr.Wrap(perr.KindConnectFailed, "opening control stream", err)
	}

	connID := uuid.NewString()

	if err := wire.WriteFrame(control, wire.HandshakeFrame{
		WorkerID:  "", // the master does not assert an id of its own
		Cookie:    opts.Cookie,
		BinaryMD5: opts.BinaryMD5,
	}); err != nil {
		_ = session.Close()
		_ = raw.Close()
		return nil, perr.Wrap(perr.KindConnectFailed, "sending handshake", err)
	}

	var ack wire.HandshakeAck
	if err := wire.ReadFrame(control, &ack); err != nil {
		_ = session.Close()
		_ = raw.Close()
		return nil, perr.Wrap(perr.KindConnectFailed, "reading handshake ack", err)
	}
	if !ack.OK {
		_ = session.Close()
		_ = raw.Close()
		return nil, perr.New(perr.KindConnectFailed, fmt.Sprintf("worker rejected handshake: %s", ack.Reason))
	}

	if err := wire.WriteFrame(control, wire.ConnInitRequest{ConnID: connID}); err != nil {
		_ = session.Close()
		_ = raw.Close()
		return nil, perr.Wrap(perr.KindInitConnStateFailed, "sending connection init request", err)
	}
	var initResp wire.ConnInitResponse
	if err := wire.ReadFrame(control, &initResp); err != nil {
		_ = session.Close()
		_ = raw.Close()
		return nil, perr.Wrap(perr.KindInitConnStateFailed, "reading connection init response", err)
	}
	if !initResp.OK {
		_ = session.Close()
		_ = raw.Close()
		return nil, perr.New(perr.KindInitConnStateFailed, initResp.Err)
	}
	_ = control.Close()

	rpcStream, err := session.Open()
	if err != nil {
		_ = session.Close()
		_ = raw.Close()
		return nil, perr.Wrap(perr.KindConnectFailed, "opening rpc stream", err)
	}
	hbStream, err := session.Open()
	if err != nil {
		_ = rpcStream.Close()
		_ = session.Close()
		_ = raw.Close()
		return nil, perr.Wrap(perr.KindConnectFailed, "opening heartbeat stream", err)
	}

	c := &Connection{
		id:        connID,
		raw:       raw,
		session:   session,
		rpcStream: rpcStream,
		pending:   make(map[uint64]chan wire.RPCResponse),
		closed:    make(chan struct{}),
	}

	policy := opts.Policy
	if policy.Interval == 0 {
		policy = types.DefaultHeartbeatPolicy()
	}
	c.heartbeater = heartbeat.New(newStreamTransport(hbStream), policy, func(cause error) {
		metrics.HeartbeatMissesTotal.WithLabelValues("master").Inc()
		log.WithConnID(connID).Warn().Err(cause).Msg("heartbeat lost, closing connection")
		_ = c.Close()
		if opts.OnHeartbeatLost != nil {
			opts.OnHeartbeatLost(cause)
		}
	})
	c.heartbeater.Start(ctx)

	go c.readLoop()

	return c, nil
}

func (c *Connection) readLoop() {
	for {
		var resp wire.RPCResponse
		if err := wire.ReadFrame(c.rpcStream, &resp); err != nil {
			c.failAllPending(perr.RPC(perr.RPCConnectionClosed, "rpc stream closed", err))
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.QueryID]
		if ok {
			delete(c.pending, resp.QueryID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Connection) failAllPending(cause *perr.Error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- wire.RPCResponse{QueryID: id, Err: &wire.RPCErrorPayload{
			Kind:    string(cause.Kind),
			Reason:  string(cause.RPCKind),
			Message: cause.Error(),
		}}
		delete(c.pending, id)
	}
}

// Run sends one RPC request and waits for its matching response. Calls on
// the same Connection are pipelined on one stream but each call's result
// only becomes visible to its own caller, in the order the worker replies
// — which, since the worker dispatches one request at a time per
// connection, is the order the requests were sent in.
func (c *Connection) Run(ctx context.Context, method string, arg []byte) (wire.RPCResponse, error) {
	timer := metrics.NewTimer()
	id := c.nextQueryID.Add(1)
	respCh := make(chan wire.RPCResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	req := wire.RPCRequest{QueryID: id, Method: method, Arg: arg}
	c.writeMu.Lock()
	err := wire.WriteFrame(c.rpcStream, req)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		metrics.RPCRequestsTotal.WithLabelValues(method, "transport_error").Inc()
		return wire.RPCResponse{}, perr.RPC(perr.RPCTransport, "writing rpc request", err)
	}

	select {
	case resp := <-respCh:
		timer.ObserveDurationVec(metrics.RPCDuration, method)
		status := "ok"
		if resp.Err != nil {
			status = "error"
		}
		metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		metrics.RPCRequestsTotal.WithLabelValues(method, "canceled").Inc()
		return wire.RPCResponse{}, ctx.Err()
	case <-c.closed:
		metrics.RPCRequestsTotal.WithLabelValues(method, "connection_closed").Inc()
		return wire.RPCResponse{}, perr.New(perr.KindRPCError, "connection closed while awaiting response")
	}
}

// Close tears down the connection: it notifies the peer over the
// heartbeat stream, stops the heartbeat loop, and releases the
// transport. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.heartbeater != nil {
			_ = c.heartbeater.NotifyShutdown()
			c.heartbeater.Stop()
		}
		close(c.closed)
		_ = c.rpcStream.Close()
		_ = c.session.Close()
		err = c.raw.Close()
	})
	return err
}
