package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/parallel/pkg/types"
	"github.com/cuemby/parallel/pkg/wire"
)

// fakeWorker runs just enough of the worker-side protocol (accept, yamux
// server session, handshake, conn-init, one RPC stream echoing Method back
// as Result, one heartbeat stream echoing ticks) to exercise Dial and Run
// without depending on pkg/workerserver.
func fakeWorker(t *testing.T, ln net.Listener) {
	t.Helper()
	raw, err := ln.Accept()
	if err != nil {
		return
	}
	session, err := yamux.Server(raw, yamux.DefaultConfig())
	if err != nil {
		t.Errorf("yamux.Server: %v", err)
		return
	}

	control, err := session.Accept()
	if err != nil {
		t.Errorf("accept control stream: %v", err)
		return
	}
	var hs wire.HandshakeFrame
	if err := wire.ReadFrame(control, &hs); err != nil {
		t.Errorf("read handshake: %v", err)
		return
	}
	if err := wire.WriteFrame(control, wire.HandshakeAck{OK: true}); err != nil {
		t.Errorf("write ack: %v", err)
		return
	}
	var initReq wire.ConnInitRequest
	if err := wire.ReadFrame(control, &initReq); err != nil {
		t.Errorf("read conn init request: %v", err)
		return
	}
	if err := wire.WriteFrame(control, wire.ConnInitResponse{OK: true}); err != nil {
		t.Errorf("write conn init response: %v", err)
		return
	}
	_ = control.Close()

	rpcStream, err := session.Accept()
	if err != nil {
		t.Errorf("accept rpc stream: %v", err)
		return
	}
	hbStream, err := session.Accept()
	if err != nil {
		t.Errorf("accept heartbeat stream: %v", err)
		return
	}

	go func() {
		for {
			var hb wire.HeartbeatFrame
			if err := wire.ReadFrame(hbStream, &hb); err != nil {
				return
			}
			if hb.Kind == wire.HeartbeatShutdown {
				return
			}
			_ = wire.WriteFrame(hbStream, wire.HeartbeatFrame{Kind: wire.HeartbeatTick, Seq: hb.Seq})
		}
	}()

	for {
		var req wire.RPCRequest
		if err := wire.ReadFrame(rpcStream, &req); err != nil {
			return
		}
		result, _ := wire.Marshal(req.Method)
		_ = wire.WriteFrame(rpcStream, wire.RPCResponse{QueryID: req.QueryID, Result: result})
	}
}

func TestDialHandshakeAndRun(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go fakeWorker(t, ln)

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, types.WorkerAddress{Host: "127.0.0.1", Port: uint16(addr.Port)}, Options{
		Cookie: "secret",
		Policy: types.HeartbeatPolicy{Interval: 20 * time.Millisecond, Timeout: time.Second},
	})
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Run(ctx, "echo", nil)
	require.NoError(t, err)
	require.Nil(t, resp.Err)

	var method string
	require.NoError(t, wire.Unmarshal(resp.Result, &method))
	assert.Equal(t, "echo", method)
}

func TestRunPipelinesMultipleCalls(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go fakeWorker(t, ln)

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, types.WorkerAddress{Host: "127.0.0.1", Port: uint16(addr.Port)}, Options{
		Cookie: "secret",
		Policy: types.HeartbeatPolicy{Interval: 20 * time.Millisecond, Timeout: time.Second},
	})
	require.NoError(t, err)
	defer c.Close()

	methods := []string{"a", "b", "c"}
	results := make(chan string, len(methods))
	for _, m := range methods {
		m := m
		go func() {
			resp, err := c.Run(ctx, m, nil)
			if err != nil {
				t.Errorf("Run(%s): %v", m, err)
				return
			}
			var got string
			_ = wire.Unmarshal(resp.Result, &got)
			results <- got
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < len(methods); i++ {
		select {
		case got := <-results:
			seen[got] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for pipelined responses")
		}
	}
	for _, m := range methods {
		if !seen[m] {
			t.Fatalf("missing response for %q", m)
		}
	}
}
