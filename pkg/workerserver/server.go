/*
Package workerserver implements the worker side of the wire protocol
(spec.md §4.6): an ephemeral TCP listener accepts one yamux session per
master connection, runs the handshake and init_connection_state exchange
on a control stream, then serves RPC requests one at a time per connection
off a dedicated stream — the single-threaded-per-connection scheduling
model spec.md calls for, so a slow handler on one connection cannot starve
another connection's heartbeat.

It is grounded on the accept-loop shape of the teacher's worker gRPC
server (pkg/worker/worker.go in cuemby/warren, which ran one goroutine per
accepted stream dispatching into registered handlers) with gRPC replaced
by this module's own CBOR/yamux wire codec.
*/
package workerserver

import (
	"context"
	"net"
	"sync"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"

	"github.com/cuemby/parallel/pkg/conn"
	"github.com/cuemby/parallel/pkg/heartbeat"
	"github.com/cuemby/parallel/pkg/log"
	"github.com/cuemby/parallel/pkg/metrics"
	"github.com/cuemby/parallel/pkg/perr"
	"github.com/cuemby/parallel/pkg/registry"
	"github.com/cuemby/parallel/pkg/supervise"
	"github.com/cuemby/parallel/pkg/types"
	"github.com/cuemby/parallel/pkg/wire"
)

// InitFunc is the user-supplied init_connection_state callback: it runs
// once per accepted connection and produces the value every TypedFunction
// handler on that connection receives as its connState argument.
type InitFunc func(ctx context.Context, connID string) (any, error)

// InitWorkerStateFunc is the user-supplied init_worker_state callback
// (spec.md §4.4 step 6): it runs exactly once per worker process, before
// the first connection is dispatched against, and produces the value
// every TypedFunction handler on every connection receives as its
// workerState argument.
type InitWorkerStateFunc func(ctx context.Context) (any, error)

// ConnectionCloseFunc is the user-supplied on_connection_close teardown
// (spec.md §4.5/§4.8 step 3): it runs once a given connection's handler
// has returned, for whatever reason, before that connection's state goes
// out of scope.
type ConnectionCloseFunc func(connID string, connState any)

// Options configures a Server.
type Options struct {
	Functions         *registry.Functions
	Init              InitFunc
	InitWorkerState   InitWorkerStateFunc
	OnConnectionClose ConnectionCloseFunc
	LateSink          supervise.LateSink
	BinaryMD5         [16]byte
	SkipBinaryCheck   bool
	Cookie            string
	Policy            types.HeartbeatPolicy
	OnHeartbeatLost   func(connID string, cause error)
}

// Server is the worker-side RPC listener.
type Server struct {
	opts Options
	ln   net.Listener

	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
	closedCh chan struct{}

	workerStateMu  sync.RWMutex
	workerStateSet bool
	workerState    any
}

// New constructs a Server. Call Listen then Serve to start accepting.
func New(opts Options) *Server {
	if opts.Policy.Interval == 0 {
		opts.Policy = types.DefaultHeartbeatPolicy()
	}
	return &Server{opts: opts, closedCh: make(chan struct{})}
}

// Listen opens the ephemeral TCP listener on host:0 and returns its
// address for the reverse handshake to report to the parent.
func (s *Server) Listen(host string) (types.WorkerAddress, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return types.WorkerAddress{}, perr.Wrap(perr.KindSpawnFailed, "opening worker listener", err)
	}
	s.ln = ln
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return types.WorkerAddress{Host: host, Port: uint16(tcpAddr.Port)}, nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closedCh:
		}
	}()
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closedCh:
				return nil
			default:
				return perr.Wrap(perr.KindSpawnFailed, "accept failed", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, raw)
		}()
	}
}

// Close stops accepting new connections. It does not close in-flight
// connections; the Shutdown Cascade's quiesce step waits for them via Wait,
// bounded by its context.
func (s *Server) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.closedCh)
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// Wait blocks until every accepted connection's handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// InitWorkerState runs the once-per-worker init_worker_state callback
// (spec.md §4.4 step 6) and stores its result. Call this after Listen and
// before Serve accepts its first connection — the reverse handshake
// completes before the master ever dials back, so there is no race
// between this call and the first dispatched request. With no callback
// configured, workerState is simply nil for every handler.
func (s *Server) InitWorkerState(ctx context.Context) error {
	var state any
	if s.opts.InitWorkerState != nil {
		var err error
		state, err = s.opts.InitWorkerState(ctx)
		if err != nil {
			return perr.Wrap(perr.KindInitWorkerStateFailed, "init_worker_state failed", err)
		}
	}
	s.workerStateMu.Lock()
	s.workerState = state
	s.workerStateSet = true
	s.workerStateMu.Unlock()
	return nil
}

// ReleaseWorkerState drops the worker's stored state (spec.md §4.8 step
// 4), run once every connection has been torn down.
func (s *Server) ReleaseWorkerState() {
	s.workerStateMu.Lock()
	s.workerState = nil
	s.workerStateSet = false
	s.workerStateMu.Unlock()
}

func (s *Server) getWorkerState() any {
	s.workerStateMu.RLock()
	defer s.workerStateMu.RUnlock()
	return s.workerState
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	logger := log.WithComponent("workerserver")

	session, err := yamux.Server(raw, yamux.DefaultConfig())
	if err != nil {
		logger.Warn().Err(err).Msg("yamux server session failed")
		_ = raw.Close()
		return
	}
	defer session.Close()

	control, err := session.Accept()
	if err != nil {
		return
	}

	connID, connState, err := s.handshakeAndInit(ctx, control)
	_ = control.Close()
	if err != nil {
		logger.Warn().Err(err).Msg("connection setup failed")
		return
	}
	logger = log.WithConnID(connID)

	// on_connection_close (spec.md §4.5, §4.8 step 3): runs exactly once,
	// however this connection ends — heartbeat loss, a dropped stream, or
	// the master calling Close — before connState goes out of scope.
	if s.opts.OnConnectionClose != nil {
		defer s.opts.OnConnectionClose(connID, connState)
	}

	rpcStream, err := session.Accept()
	if err != nil {
		return
	}
	hbStream, err := session.Accept()
	if err != nil {
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hb := heartbeat.New(conn.NewHeartbeatTransport(hbStream), s.opts.Policy, func(cause error) {
		metrics.HeartbeatMissesTotal.WithLabelValues("worker").Inc()
		logger.Warn().Err(cause).Msg("heartbeat lost, tearing down connection")
		cancel()
		_ = rpcStream.Close()
		if s.opts.OnHeartbeatLost != nil {
			s.opts.OnHeartbeatLost(connID, cause)
		}
	})
	hb.Start(connCtx)
	defer hb.Stop()

	s.dispatchLoop(connCtx, rpcStream, connState, logger)
}

func (s *Server) dispatchLoop(ctx context.Context, rpcStream net.Conn, connState any, logger zerolog.Logger) {
	workerState := s.getWorkerState()
	for {
		var req wire.RPCRequest
		if err := wire.ReadFrame(rpcStream, &req); err != nil {
			return
		}
		resp := s.opts.Functions.Dispatch(ctx, s.opts.LateSink, workerState, connState, req)
		if err := wire.WriteFrame(rpcStream, resp); err != nil {
			logger.Debug().Err(err).Msg("failed to write rpc response")
			return
		}
	}
}

func (s *Server) handshakeAndInit(ctx context.Context, control net.Conn) (string, any, error) {
	var hs wire.HandshakeFrame
	if err := wire.ReadFrame(control, &hs); err != nil {
		return "", nil, perr.Wrap(perr.KindConnectFailed, "reading handshake", err)
	}

	if s.opts.Cookie != "" && hs.Cookie != s.opts.Cookie {
		_ = wire.WriteFrame(control, wire.HandshakeAck{OK: false, Reason: "cookie mismatch"})
		return "", nil, perr.New(perr.KindConnectFailed, "cookie mismatch")
	}
	if !s.opts.SkipBinaryCheck && hs.BinaryMD5 != s.opts.BinaryMD5 {
		_ = wire.WriteFrame(control, wire.HandshakeAck{OK: false, Reason: "binary mismatch"})
		return "", nil, perr.New(perr.KindBinaryMismatch, "master binary does not match worker binary")
	}
	if err := wire.WriteFrame(control, wire.HandshakeAck{OK: true}); err != nil {
		return "", nil, perr.Wrap(perr.KindConnectFailed, "writing handshake ack", err)
	}

	var initReq wire.ConnInitRequest
	if err := wire.ReadFrame(control, &initReq); err != nil {
		return "", nil, perr.Wrap(perr.KindInitConnStateFailed, "reading conn init request", err)
	}

	var cell conn.Cell[any]
	if s.opts.Init != nil {
		state, err := s.opts.Init(ctx, initReq.ConnID)
		if err != nil {
			_ = wire.WriteFrame(control, wire.ConnInitResponse{OK: false, Err: err.Error()})
			return "", nil, perr.Wrap(perr.KindInitConnStateFailed, "init_connection_state failed", err)
		}
		cell.Set(state)
	} else {
		cell.Set(nil)
	}
	if err := wire.WriteFrame(control, wire.ConnInitResponse{OK: true}); err != nil {
		return "", nil, perr.Wrap(perr.KindInitConnStateFailed, "writing conn init response", err)
	}

	state, _ := cell.Get()
	return initReq.ConnID, state, nil
}

