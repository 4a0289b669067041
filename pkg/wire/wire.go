/*
Package wire is the binary RPC wire codec and framing layer that spec.md §1
treats as an external collaborator ("the underlying binary-serialization
library and RPC wire codec, assumed available as a typed request/response
transport over a duplex byte stream"). This module makes that concrete:
frames are CBOR-encoded (github.com/fxamacker/cbor/v2) and length-prefixed,
matching spec.md §6's wire definitions for the reverse-handshake frame, the
heartbeat frame, and the RPC request/response frames.

Every frame type in this package round-trips byte-identically through
WriteFrame/ReadFrame, which is what spec.md §8 invariant 5 ("round-trip") tests.
*/
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// maxFrameSize bounds a single frame so a corrupt length prefix can't
// trigger an unbounded allocation.
const maxFrameSize = 64 << 20 // 64MiB

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building cbor decode mode: %v", err))
	}
}

// WriteFrame encodes v as CBOR and writes it to w as a single
// length-prefixed frame: a 4-byte big-endian length followed by the
// payload. It is safe to call concurrently on distinct writers only —
// callers sharing a single net.Conn must serialize their own writes (the
// Connection Manager guards its shared RPC stream with a mutex; the Worker
// Server writes each RPC stream from one dispatch goroutine).
func WriteFrame(w io.Writer, v any) error {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("wire: frame too large: %d bytes", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it into v,
// which must be a pointer.
func ReadFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("wire: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("wire: read frame payload: %w", err)
	}
	if err := decMode.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: decode frame: %w", err)
	}
	return nil
}

// Marshal encodes v with the same canonical CBOR mode used for frames,
// without the length prefix — used for RPC argument/result payloads that
// are themselves embedded inside an RPCRequest/RPCResponse frame.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return b, nil
}

// Unmarshal decodes b into v using the same decode mode as ReadFrame.
func Unmarshal(b []byte, v any) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}
