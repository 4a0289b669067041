/*
Package spawn implements the Spawn Engine (spec.md §4.4): launching a
worker process (locally via exec, or remotely via an operator-supplied
shell command), waiting for its reverse handshake on a parent-owned
listener, verifying its binary hash, and installing the resulting
WorkerHandle into the Worker Registry.

It is grounded on the teacher's containerd-backed launch path
(pkg/runtime/containerd.go in cuemby/warren), generalized from "start a
container and wait for it to report ready" to "start a process (local or
remote) and wait for it to dial back" — the process equivalent the spec
calls for once containerd is out of scope. Concurrent multi-worker spawn
fan-out uses golang.org/x/sync/errgroup, the idiomatic replacement for a
hand-rolled sync.WaitGroup plus error channel when every fanned-out call
shares one cancelable context. A remote target with a ProbeAddress set is
checked for TCP reachability via pkg/probe before the remote command even
runs.
*/
package spawn

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/parallel/pkg/binid"
	"github.com/cuemby/parallel/pkg/envbuild"
	"github.com/cuemby/parallel/pkg/log"
	"github.com/cuemby/parallel/pkg/metrics"
	"github.com/cuemby/parallel/pkg/perr"
	"github.com/cuemby/parallel/pkg/probe"
	"github.com/cuemby/parallel/pkg/registry"
	"github.com/cuemby/parallel/pkg/types"
	"github.com/cuemby/parallel/pkg/wire"
)

// Spec describes one worker to spawn.
type Spec struct {
	Target    types.SpawnTarget
	Stdout    types.Redirect
	Stderr    types.Redirect
	ExtraEnv  []envbuild.Var
	OnFailure registry.OnFailure
}

// Engine owns the parent-side reverse-handshake listener and drives
// process launches against it.
type Engine struct {
	workers         *registry.Workers
	binary          *binid.Service
	cookie          string
	skipBinaryCheck bool
	handshakeTO     time.Duration

	ln       net.Listener
	addr     string
	pendingM sync.Mutex
	pending  map[types.WorkerId]chan handshakeResult
}

type handshakeResult struct {
	addr types.WorkerAddress
	md5  [16]byte
	err  error
}

// Options configures an Engine.
type Options struct {
	Cookie           string
	SkipBinaryCheck  bool
	HandshakeTimeout time.Duration
}

// NewEngine constructs an Engine bound to workers, using binary to verify
// its own content hash against every reported child hash.
func NewEngine(workers *registry.Workers, binary *binid.Service, opts Options) *Engine {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Engine{
		workers:         workers,
		binary:          binary,
		cookie:          opts.Cookie,
		skipBinaryCheck: opts.SkipBinaryCheck,
		handshakeTO:     opts.HandshakeTimeout,
		pending:         make(map[types.WorkerId]chan handshakeResult),
	}
}

// Listen opens the reverse-handshake listener on host:0 and starts
// accepting handshakes. Call this once before any Spawn.
func (e *Engine) Listen(host string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return perr.Wrap(perr.KindSpawnFailed, "opening reverse-handshake listener", err)
	}
	e.ln = ln
	tcpAddr := ln.Addr().(*net.TCPAddr)
	e.addr = net.JoinHostPort(host, strconv.Itoa(tcpAddr.Port))
	go e.acceptLoop()
	return nil
}

// Addr returns the address children should dial, for PARALLEL_PARENT_ADDR.
func (e *Engine) Addr() string { return e.addr }

// Close stops accepting reverse handshakes.
func (e *Engine) Close() error {
	if e.ln == nil {
		return nil
	}
	return e.ln.Close()
}

func (e *Engine) acceptLoop() {
	for {
		raw, err := e.ln.Accept()
		if err != nil {
			return
		}
		go e.handleHandshake(raw)
	}
}

func (e *Engine) handleHandshake(raw net.Conn) {
	defer raw.Close()
	_ = raw.SetDeadline(time.Now().Add(e.handshakeTO))

	var hs wire.HandshakeFrame
	if err := wire.ReadFrame(raw, &hs); err != nil {
		log.WithComponent("spawn").Warn().Err(err).Msg("malformed reverse handshake")
		return
	}

	e.pendingM.Lock()
	ch, ok := e.pending[types.WorkerId(hs.WorkerID)]
	e.pendingM.Unlock()
	if !ok {
		_ = wire.WriteFrame(raw, wire.HandshakeAck{OK: false, Reason: "unknown worker id"})
		return
	}

	if e.cookie != "" && hs.Cookie != e.cookie {
		_ = wire.WriteFrame(raw, wire.HandshakeAck{OK: false, Reason: "cookie mismatch"})
		ch <- handshakeResult{err: perr.New(perr.KindHandshakeFailed, "cookie mismatch")}
		return
	}

	ownHash, err := e.binary.Hash()
	if err != nil {
		_ = wire.WriteFrame(raw, wire.HandshakeAck{OK: false, Reason: "master could not hash its own binary"})
		ch <- handshakeResult{err: perr.Wrap(perr.KindBinaryReadFailed, "hashing master binary", err)}
		return
	}
	if err := binid.Verify(ownHash, hs.BinaryMD5, e.skipBinaryCheck); err != nil {
		_ = wire.WriteFrame(raw, wire.HandshakeAck{OK: false, Reason: "binary mismatch"})
		ch <- handshakeResult{err: err}
		return
	}

	if err := wire.WriteFrame(raw, wire.HandshakeAck{OK: true}); err != nil {
		ch <- handshakeResult{err: perr.Wrap(perr.KindHandshakeFailed, "writing handshake ack", err)}
		return
	}

	host, _, _ := net.SplitHostPort(raw.RemoteAddr().String())
	ch <- handshakeResult{
		addr: types.WorkerAddress{Host: host, Port: hs.Port},
		md5:  hs.BinaryMD5,
	}
}

// Spawn launches one worker per spec and blocks until it has either
// completed its reverse handshake or the handshake timeout elapses.
func (e *Engine) Spawn(ctx context.Context, spec Spec) (*registry.WorkerHandle, error) {
	timer := metrics.NewTimer()
	workerID := types.WorkerId(uuid.NewString())

	resultCh := make(chan handshakeResult, 1)
	e.pendingM.Lock()
	e.pending[workerID] = resultCh
	e.pendingM.Unlock()
	defer func() {
		e.pendingM.Lock()
		delete(e.pending, workerID)
		e.pendingM.Unlock()
	}()

	if !spec.Target.Local && spec.Target.ProbeAddress != "" {
		if err := e.probeReachable(ctx, spec.Target.ProbeAddress); err != nil {
			metrics.SpawnFailuresTotal.WithLabelValues("probe_unreachable").Inc()
			return nil, err
		}
	}

	cmd, err := e.buildCommand(ctx, workerID, spec)
	if err != nil {
		metrics.SpawnFailuresTotal.WithLabelValues("build_command_failed").Inc()
		return nil, err
	}

	if cmd != nil {
		if err := cmd.Start(); err != nil {
			metrics.SpawnFailuresTotal.WithLabelValues("process_start_failed").Inc()
			return nil, perr.Wrap(perr.KindSpawnFailed, "starting worker process", err)
		}
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			if cmd != nil {
				_ = cmd.Process.Kill()
			}
			metrics.SpawnFailuresTotal.WithLabelValues("handshake_rejected").Inc()
			return nil, res.err
		}
		handle := &registry.WorkerHandle{
			ID:        workerID,
			Address:   res.addr,
			BinaryMD5: res.md5,
			OnFailure: spec.OnFailure,
		}
		if cmd != nil && spec.Target.Local {
			handle.Process = cmd
		}
		if err := e.workers.Install(handle); err != nil {
			metrics.SpawnFailuresTotal.WithLabelValues("registry_install_failed").Inc()
			return nil, err
		}
		timer.ObserveDuration(metrics.SpawnDuration)
		return handle, nil
	case <-time.After(e.handshakeTO):
		if cmd != nil {
			_ = cmd.Process.Kill()
		}
		metrics.SpawnFailuresTotal.WithLabelValues("handshake_timeout").Inc()
		return nil, perr.New(perr.KindHandshakeFailed, fmt.Sprintf("worker %s did not complete reverse handshake within %s", workerID, e.handshakeTO))
	case <-ctx.Done():
		if cmd != nil {
			_ = cmd.Process.Kill()
		}
		metrics.SpawnFailuresTotal.WithLabelValues("context_canceled").Inc()
		return nil, ctx.Err()
	}
}

// probeReachable fails fast with KindSpawnFailed when a remote spawn
// target's host is not accepting TCP connections, rather than leaving the
// caller to discover that only once the handshake timeout elapses.
func (e *Engine) probeReachable(ctx context.Context, address string) error {
	result := probe.NewTCPChecker(address).Check(ctx)
	if !result.Reachable {
		return perr.New(perr.KindSpawnFailed, fmt.Sprintf("probe: %s unreachable: %s", address, result.Message))
	}
	return nil
}

// SpawnMany launches every spec concurrently via errgroup, returning
// handles in the same order as specs. A failure in one spawn does not
// cancel the others; all results (nil for failed spawns) and the first
// error are returned.
func (e *Engine) SpawnMany(ctx context.Context, specs []Spec) ([]*registry.WorkerHandle, error) {
	handles := make([]*registry.WorkerHandle, len(specs))
	var g errgroup.Group
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			h, err := e.Spawn(ctx, spec)
			if err != nil {
				return err
			}
			handles[i] = h
			return nil
		})
	}
	err := g.Wait()
	return handles, err
}

func (e *Engine) buildCommand(ctx context.Context, workerID types.WorkerId, spec Spec) (*exec.Cmd, error) {
	vars, err := envbuild.Build(envbuild.Params{
		WorkerID:     string(workerID),
		ParentAddr:   e.addr,
		ParentCookie: e.cookie,
		Extra:        spec.ExtraEnv,
	})
	if err != nil {
		return nil, err
	}
	env := envbuild.Merge(os.Environ(), vars)

	var cmd *exec.Cmd
	if spec.Target.Local {
		self, err := binid.Locate()
		if err != nil {
			return nil, err
		}
		cmd = exec.CommandContext(ctx, self)
	} else {
		if len(spec.Target.RemoteCommand) == 0 {
			return nil, perr.New(perr.KindSpawnFailed, "remote spawn target requires a non-empty RemoteCommand")
		}
		cmd = exec.CommandContext(ctx, spec.Target.RemoteCommand[0], spec.Target.RemoteCommand[1:]...)
	}
	cmd.Env = env

	if stdout, err := openRedirect(spec.Stdout); err == nil {
		cmd.Stdout = stdout
	} else {
		cmd.Stdout = os.Stdout
	}
	if stderr, err := openRedirect(spec.Stderr); err == nil {
		cmd.Stderr = stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	return cmd, nil
}

