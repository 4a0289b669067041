/*
Package parallel is the top-level entrypoint every program using this
module imports: StartApp inspects the process's role (spec.md §4.1) and
either returns a Runtime the master uses to spawn and call workers, or —
on the worker side — runs the worker's RPC server and heartbeat loop to
completion and exits the process, the same way the teacher's single binary
dispatches into either its manager or worker code path before main's own
logic runs (cmd/warren/main.go's role-selected cobra subcommands, here
collapsed into one role check since spec.md mandates a single reused
binary rather than separate manager/worker subcommands).
*/
package parallel

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/parallel/pkg/binid"
	"github.com/cuemby/parallel/pkg/conn"
	"github.com/cuemby/parallel/pkg/envvars"
	"github.com/cuemby/parallel/pkg/log"
	"github.com/cuemby/parallel/pkg/metrics"
	"github.com/cuemby/parallel/pkg/monitor"
	"github.com/cuemby/parallel/pkg/perr"
	"github.com/cuemby/parallel/pkg/registry"
	"github.com/cuemby/parallel/pkg/role"
	"github.com/cuemby/parallel/pkg/shutdown"
	"github.com/cuemby/parallel/pkg/spawn"
	"github.com/cuemby/parallel/pkg/types"
	"github.com/cuemby/parallel/pkg/wire"
	"github.com/cuemby/parallel/pkg/workerserver"
)

// Options configures both the master and worker side of StartApp. Workers
// and the master must be constructed with equivalent Options (same
// Functions, Cookie, Policy) since the same binary runs both roles.
type Options struct {
	Cookie            string
	SkipBinaryCheck   bool
	HeartbeatPolicy   types.HeartbeatPolicy
	Functions         *registry.Functions
	Init              workerserver.InitFunc
	InitWorkerState   workerserver.InitWorkerStateFunc
	OnConnectionClose workerserver.ConnectionCloseFunc
	OnLateTaskFailure func(cause error)
	BindHost          string // defaults to "127.0.0.1"
	HandshakeTimeout  time.Duration
	ShutdownGrace     time.Duration
}

func (o *Options) setDefaults() {
	if o.BindHost == "" {
		o.BindHost = "127.0.0.1"
	}
	if o.HeartbeatPolicy.Interval == 0 {
		o.HeartbeatPolicy = types.DefaultHeartbeatPolicy()
	}
	if o.Functions == nil {
		o.Functions = registry.NewFunctions()
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = 5 * time.Second
	}
}

// Runtime is the master-side handle returned by StartApp. It owns the
// Worker Registry, the Spawn Engine, and the live Connections to every
// spawned worker.
type Runtime struct {
	opts    Options
	workers   *registry.Workers
	engine    *spawn.Engine
	binary    *binid.Service
	monitor   *monitor.Broker
	collector *metrics.Collector

	mu    sync.Mutex
	conns map[types.WorkerId]*conn.Connection
}

// StartApp is the single entrypoint a program using this module calls
// from main. On the master, it returns a ready Runtime. On a worker, it
// never returns: it serves RPC requests until told to stop, then exits
// the process with the code spec.md §6 specifies for how it stopped.
func StartApp(opts Options) (*Runtime, error) {
	opts.setDefaults()

	r, err := role.DetectFromOS()
	if err != nil {
		log.Error("role detection failed: " + err.Error())
		os.Exit(int(types.ExitHandshakeFailure))
	}

	if r.IsWorker {
		runWorker(r.WorkerID, opts)
		panic("unreachable: runWorker exits the process")
	}

	return newMaster(opts)
}

func newMaster(opts Options) (*Runtime, error) {
	workers := registry.NewWorkers()
	binary := binid.New()
	engine := spawn.NewEngine(workers, binary, spawn.Options{
		Cookie:           opts.Cookie,
		SkipBinaryCheck:  opts.SkipBinaryCheck,
		HandshakeTimeout: opts.HandshakeTimeout,
	})
	if err := engine.Listen(opts.BindHost); err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(workers)
	collector.Start()
	metrics.RegisterComponent("spawn-engine", true, "")
	metrics.RegisterComponent("reverse-handshake-listener", true, "listening on "+engine.Addr())

	return &Runtime{
		opts:      opts,
		workers:   workers,
		engine:    engine,
		binary:    binary,
		monitor:   monitor.NewBroker(),
		collector: collector,
		conns:     make(map[types.WorkerId]*conn.Connection),
	}, nil
}

// Monitor returns the broker HeartbeatLost events are published to.
// LateTaskFailure events are published on each worker's own broker, not here.
func (rt *Runtime) Monitor() *monitor.Broker { return rt.monitor }

// Spawn launches one worker and dials its RPC server once the reverse
// handshake completes, installing the resulting Connection so Run can be
// used against the returned handle's ID immediately.
func (rt *Runtime) Spawn(ctx context.Context, spec spawn.Spec) (*registry.WorkerHandle, error) {
	handle, err := rt.engine.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}

	ownHash, err := rt.binary.Hash()
	if err != nil {
		return nil, err
	}

	c, err := conn.Dial(ctx, handle.Address, conn.Options{
		Cookie:    rt.opts.Cookie,
		BinaryMD5: ownHash,
		Policy:    rt.opts.HeartbeatPolicy,
		OnHeartbeatLost: func(cause error) {
			handle.MarkFailed(types.FailureHeartbeatLost, cause)
			rt.monitor.Publish(monitor.Event{Type: monitor.EventHeartbeatLost, WorkerID: string(handle.ID), Err: cause})
		},
	})
	if err != nil {
		rt.workers.Remove(handle.ID)
		return nil, err
	}
	handle.Conn = c

	rt.mu.Lock()
	rt.conns[handle.ID] = c
	rt.mu.Unlock()

	return handle, nil
}

// Run calls method on the worker identified by id, sending the already
// CBOR-encoded arg and returning the already CBOR-encoded result.
func (rt *Runtime) Run(ctx context.Context, id types.WorkerId, method string, arg []byte) ([]byte, error) {
	rt.mu.Lock()
	c, ok := rt.conns[id]
	rt.mu.Unlock()
	if !ok {
		return nil, perr.New(perr.KindConnectFailed, "no connection for worker "+string(id))
	}

	resp, err := c.Run(ctx, method, arg)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, perr.RPC(perr.RPCErrorKind(resp.Err.Reason), resp.Err.Message, nil)
	}
	return resp.Result, nil
}

// Workers exposes the Worker Registry for introspection.
func (rt *Runtime) Workers() *registry.Workers { return rt.workers }

// Shutdown runs the master's Shutdown Cascade: stop accepting new spawns,
// close every live worker connection, and drain the Worker Registry.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	metrics.RegisterComponent("reverse-handshake-listener", false, "shutting down")
	cascade := shutdown.New(
		shutdown.StopAccepting("stop-reverse-handshake-listener", rt.engine),
		shutdown.ReleaseWorkers(rt.workers),
		shutdown.ReleaseState("stop-monitor", rt.monitor.Stop),
		shutdown.ReleaseState("stop-metrics-collector", rt.collector.Stop),
	)
	return cascade.Run(ctx)
}

// runWorker runs the worker side of StartApp to completion and exits the
// process; it is never expected to return.
func runWorker(workerID types.WorkerId, opts Options) {
	logger := log.WithWorkerID(string(workerID))

	parentAddr, _ := os.LookupEnv(envvars.ParentAddr)
	parentCookie, _ := os.LookupEnv(envvars.ParentCookie)

	binary := binid.New()
	ownHash, err := binary.Hash()
	if err != nil {
		logger.Error().Err(err).Msg("failed to hash own binary")
		os.Exit(int(types.ExitUncaughtException))
	}

	// workerMonitor is this worker process's own event bus for late task
	// failures (spec.md §4.9): Dispatch hands every LateTaskFailure to its
	// LateSink, and a forwarding goroutine relays them to the caller's
	// OnLateTaskFailure if one was configured.
	workerMonitor := monitor.NewBroker()
	if opts.OnLateTaskFailure != nil {
		sub := workerMonitor.Subscribe()
		go func() {
			for ev := range sub {
				if ev.Type == monitor.EventLateTaskFailure {
					opts.OnLateTaskFailure(ev.Err)
				}
			}
		}()
	}

	var failureCh = make(chan error, 1)
	server := workerserver.New(workerserver.Options{
		Functions:         opts.Functions,
		Init:              opts.Init,
		InitWorkerState:   opts.InitWorkerState,
		OnConnectionClose: opts.OnConnectionClose,
		LateSink:          workerMonitor.LateSink,
		BinaryMD5:         ownHash,
		SkipBinaryCheck:   opts.SkipBinaryCheck,
		Cookie:            opts.Cookie,
		Policy:            opts.HeartbeatPolicy,
		OnHeartbeatLost: func(connID string, cause error) {
			if opts.HeartbeatPolicy.Mode == types.ConnectAndShutdownOnDisconnect {
				select {
				case failureCh <- cause:
				default:
				}
			}
		},
	})

	addr, err := server.Listen(opts.BindHost)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open worker listener")
		os.Exit(int(types.ExitHandshakeFailure))
	}

	// init_worker_state (spec.md §4.4 step 6) runs once, before Serve
	// accepts its first connection, so every connection's handlers observe
	// the same already-initialized workerState.
	if err := server.InitWorkerState(context.Background()); err != nil {
		logger.Error().Err(err).Msg("init_worker_state failed")
		os.Exit(int(types.ExitUncaughtException))
	}

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	go func() {
		if err := server.Serve(serveCtx); err != nil {
			logger.Warn().Err(err).Msg("worker server stopped")
		}
	}()

	if err := reverseHandshake(workerID, parentAddr, parentCookie, addr, ownHash); err != nil {
		logger.Error().Err(err).Msg("reverse handshake with parent failed")
		os.Exit(int(types.ExitHandshakeFailure))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := types.ExitClean
	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal")
	case cause := <-failureCh:
		logger.Warn().Err(cause).Msg("heartbeat lost, shutting down")
		exitCode = types.ExitHeartbeatLost
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), opts.ShutdownGrace)
	defer cancelShutdown()
	cascade := shutdown.New(
		shutdown.StopAccepting("stop-accepting-connections", server),
		shutdown.QuiesceConnections("quiesce-connections", server),
		shutdown.ReleaseState("release-worker-state", server.ReleaseWorkerState),
		shutdown.ReleaseState("stop-worker-monitor", workerMonitor.Stop),
	)
	_ = cascade.Run(shutdownCtx)

	os.Exit(int(exitCode))
}

func reverseHandshake(workerID types.WorkerId, parentAddr, cookie string, ownAddr types.WorkerAddress, ownHash [16]byte) error {
	if parentAddr == "" {
		return perr.New(perr.KindHandshakeFailed, "PARALLEL_PARENT_ADDR not set")
	}

	raw, err := net.DialTimeout("tcp", parentAddr, 10*time.Second)
	if err != nil {
		return perr.Wrap(perr.KindHandshakeFailed, "dialing parent", err)
	}
	defer raw.Close()

	host, _, _ := net.SplitHostPort(raw.LocalAddr().String())
	if err := wire.WriteFrame(raw, wire.HandshakeFrame{
		WorkerID:  string(workerID),
		Host:      host,
		Port:      ownAddr.Port,
		BinaryMD5: ownHash,
		Cookie:    cookie,
	}); err != nil {
		return perr.Wrap(perr.KindHandshakeFailed, "sending reverse handshake", err)
	}

	var ack wire.HandshakeAck
	if err := wire.ReadFrame(raw, &ack); err != nil {
		return perr.Wrap(perr.KindHandshakeFailed, "reading handshake ack", err)
	}
	if !ack.OK {
		return perr.New(perr.KindHandshakeFailed, "parent rejected handshake: "+ack.Reason)
	}
	return nil
}

// ExitCode maps an error returned by this package into the process exit
// code spec.md §6 mandates, for a caller that wants to os.Exit on a
// master-side failure with the same taxonomy workers use.
func ExitCode(err error) int {
	if err == nil {
		return int(types.ExitClean)
	}
	kind, ok := perr.KindOf(err)
	if !ok {
		return int(types.ExitUncaughtException)
	}
	switch kind {
	case perr.KindHandshakeFailed:
		return int(types.ExitHandshakeFailure)
	case perr.KindHeartbeatLost:
		return int(types.ExitHeartbeatLost)
	case perr.KindBinaryMismatch:
		return int(types.ExitBinaryMismatch)
	default:
		return int(types.ExitUncaughtException)
	}
}
