package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []any{
		HandshakeFrame{WorkerID: "w-1", Host: "127.0.0.1", Port: 4000, BinaryMD5: [16]byte{1, 2, 3}, Cookie: "abc"},
		HeartbeatFrame{Kind: HeartbeatTick, Seq: 42},
		RPCRequest{QueryID: 7, Method: "ping", Arg: []byte{0xa0}},
		RPCResponse{QueryID: 7, Result: []byte{0xa1}},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, want); err != nil {
			t.Fatalf("WriteFrame(%#v): %v", want, err)
		}

		switch w := want.(type) {
		case HandshakeFrame:
			var got HandshakeFrame
			mustReadFrame(t, &buf, &got)
			if got != w {
				t.Errorf("got %#v, want %#v", got, w)
			}
		case HeartbeatFrame:
			var got HeartbeatFrame
			mustReadFrame(t, &buf, &got)
			if got != w {
				t.Errorf("got %#v, want %#v", got, w)
			}
		case RPCRequest:
			var got RPCRequest
			mustReadFrame(t, &buf, &got)
			if got.QueryID != w.QueryID || got.Method != w.Method || !bytes.Equal(got.Arg, w.Arg) {
				t.Errorf("got %#v, want %#v", got, w)
			}
		case RPCResponse:
			var got RPCResponse
			mustReadFrame(t, &buf, &got)
			if got.QueryID != w.QueryID || !bytes.Equal(got.Result, w.Result) {
				t.Errorf("got %#v, want %#v", got, w)
			}
		}
	}
}

func mustReadFrame(t *testing.T, r *bytes.Buffer, v any) {
	t.Helper()
	if err := ReadFrame(r, v); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
}

func TestFrameTooLargeRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff}) // bogus huge length prefix
	var got HeartbeatFrame
	if err := ReadFrame(&buf, &got); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestMultipleFramesOnSameStream(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(0); i < 3; i++ {
		if err := WriteFrame(&buf, HeartbeatFrame{Kind: HeartbeatTick, Seq: i}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i := uint64(0); i < 3; i++ {
		var got HeartbeatFrame
		mustReadFrame(t, &buf, &got)
		if got.Seq != i {
			t.Errorf("frame %d: got seq %d, want %d", i, got.Seq, i)
		}
	}
}
