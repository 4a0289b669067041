package spawn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/parallel/pkg/binid"
	"github.com/cuemby/parallel/pkg/perr"
	"github.com/cuemby/parallel/pkg/registry"
	"github.com/cuemby/parallel/pkg/types"
	"github.com/cuemby/parallel/pkg/wire"
)

func newTestEngine(t *testing.T, cookie string, skip bool) *Engine {
	t.Helper()
	e := NewEngine(registry.NewWorkers(), binid.New(), Options{
		Cookie:           cookie,
		SkipBinaryCheck:  skip,
		HandshakeTimeout: 300 * time.Millisecond,
	})
	if err := e.Listen("127.0.0.1"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func dialHandshake(t *testing.T, addr string, hs wire.HandshakeFrame) wire.HandshakeAck {
	t.Helper()
	raw, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	if err := wire.WriteFrame(raw, hs); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	var ack wire.HandshakeAck
	if err := wire.ReadFrame(raw, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return ack
}

func TestListenAndAddr(t *testing.T) {
	e := newTestEngine(t, "secret", true)
	if e.Addr() == "" {
		t.Fatal("expected non-empty listener address")
	}
}

func TestHandshakeAcceptsKnownWorkerWithSkippedBinaryCheck(t *testing.T) {
	e := newTestEngine(t, "secret", true)

	resultCh := make(chan handshakeResult, 1)
	e.pendingM.Lock()
	e.pending["w-1"] = resultCh
	e.pendingM.Unlock()

	ack := dialHandshake(t, e.Addr(), wire.HandshakeFrame{WorkerID: "w-1", Cookie: "secret", Port: 4242})
	if !ack.OK {
		t.Fatalf("expected OK ack, got reason %q", ack.Reason)
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("unexpected handshake error: %v", res.err)
		}
		if res.addr.Port != 4242 {
			t.Fatalf("got port %d, want 4242", res.addr.Port)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handshake result")
	}
}

func TestHandshakeRejectsBadCookie(t *testing.T) {
	e := newTestEngine(t, "secret", true)

	resultCh := make(chan handshakeResult, 1)
	e.pendingM.Lock()
	e.pending["w-1"] = resultCh
	e.pendingM.Unlock()

	ack := dialHandshake(t, e.Addr(), wire.HandshakeFrame{WorkerID: "w-1", Cookie: "wrong", Port: 1})
	if ack.OK {
		t.Fatal("expected handshake to be rejected")
	}

	select {
	case res := <-resultCh:
		if kind, _ := perr.KindOf(res.err); kind != perr.KindHandshakeFailed {
			t.Fatalf("got kind %v, want HandshakeFailed", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handshake result")
	}
}

func TestHandshakeRejectsUnknownWorkerID(t *testing.T) {
	e := newTestEngine(t, "secret", true)

	ack := dialHandshake(t, e.Addr(), wire.HandshakeFrame{WorkerID: "never-registered", Cookie: "secret"})
	if ack.OK {
		t.Fatal("expected handshake to be rejected for unknown worker id")
	}
}

func TestSpawnFailsFastOnUnreachableProbeAddress(t *testing.T) {
	e := newTestEngine(t, "secret", true)

	// Port 1 on loopback is not accepting connections: the probe should
	// reject this well before the 300ms handshake timeout would.
	start := time.Now()
	_, err := e.Spawn(context.Background(), Spec{
		Target: types.SpawnTarget{
			Local:         false,
			RemoteCommand: []string{"true"},
			ProbeAddress:  "127.0.0.1:1",
		},
	})
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected probe failure")
	}
	if kind, _ := perr.KindOf(err); kind != perr.KindSpawnFailed {
		t.Fatalf("got kind %v, want SpawnFailed", kind)
	}
	if elapsed >= 300*time.Millisecond {
		t.Fatalf("probe took %s, expected fast failure well under handshake timeout", elapsed)
	}
}

func TestSpawnTimesOutWithoutHandshake(t *testing.T) {
	e := newTestEngine(t, "secret", true)

	_, err := e.Spawn(context.Background(), Spec{
		Target: types.SpawnTarget{Local: false, RemoteCommand: []string{"true"}},
	})
	if err == nil {
		t.Fatal("expected handshake timeout error")
	}
	if kind, _ := perr.KindOf(err); kind != perr.KindHandshakeFailed {
		t.Fatalf("got kind %v, want HandshakeFailed", kind)
	}
}
