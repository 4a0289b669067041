package wire

// HandshakeFrame is the one-shot reverse-handshake frame a spawned child
// sends to its parent's listener (spec.md §6).
type HandshakeFrame struct {
	WorkerID  string
	Host      string
	Port      uint16
	BinaryMD5 [16]byte
	Cookie    string
}

// HandshakeAck is the parent's reply once it has verified the binary hash.
type HandshakeAck struct {
	OK     bool
	Reason string // populated when OK is false
}

// HeartbeatKind distinguishes a liveness tick from a graceful-shutdown
// notice carried on the same channel (spec.md §6).
type HeartbeatKind uint8

const (
	HeartbeatTick HeartbeatKind = iota
	HeartbeatShutdown
)

// HeartbeatFrame is exchanged periodically in both directions on the
// heartbeat channel (spec.md §6).
type HeartbeatFrame struct {
	Kind HeartbeatKind
	Seq  uint64
}

// RPCRequest carries one typed call (spec.md §6: "length-prefixed
// request/response stream with method-id, query-id").
type RPCRequest struct {
	QueryID uint64
	Method  string
	Arg     []byte // CBOR-encoded argument, opaque to the transport
}

// RPCResponse carries the outcome of one RPCRequest. Exactly one of
// Result or Err is meaningful, selected by whether Err is nil.
type RPCResponse struct {
	QueryID uint64
	Result  []byte // CBOR-encoded result, opaque to the transport
	Err     *RPCErrorPayload
}

// RPCErrorPayload is the wire representation of perr.Error for the RPCError
// kind (spec.md §7).
type RPCErrorPayload struct {
	Kind    string
	Reason  string
	Message string
}

// ConnInitRequest asks the worker side to run init_connection_state
// (spec.md §4.5). The resulting ConnectionState stays on the worker.
type ConnInitRequest struct {
	ConnID string
}

// ConnInitResponse reports whether init_connection_state succeeded, with
// the error message from a failing callback in Err.
type ConnInitResponse struct {
	OK      bool
	Err     string
}
