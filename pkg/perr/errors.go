// Package perr defines the error taxonomy shared by every component of the
// parallel runtime (spec.md §7). Expected errors — bad environments, failed
// spawns, dropped connections — are packaged into *Error values callers can
// switch on with errors.Is/As. Writing a write-once slot twice is a
// programming bug left as a plain panic, not meant to be recovered by
// library users. A call to an unregistered RPC method does not panic or
// crash the worker: it is answered with a RpcError{unknown_method}.
package perr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error. The zero value is never a valid Kind.
type Kind string

const (
	KindEnvInvalid            Kind = "EnvInvalid"
	KindReservedEnvKey        Kind = "ReservedEnvKey"
	KindBinaryNotLocatable    Kind = "BinaryNotLocatable"
	KindBinaryReadFailed      Kind = "BinaryReadFailed"
	KindBinaryMismatch        Kind = "BinaryMismatch"
	KindSpawnFailed           Kind = "SpawnFailed"
	KindHandshakeFailed       Kind = "HandshakeFailed"
	KindConnectFailed         Kind = "ConnectFailed"
	KindInitConnStateFailed   Kind = "InitConnStateFailed"
	KindInitWorkerStateFailed Kind = "InitWorkerStateFailed"
	KindRPCError              Kind = "RpcError"
	KindHeartbeatLost         Kind = "HeartbeatLost"
	KindLateTaskFailure       Kind = "LateTaskFailure"
)

// RPCErrorKind refines KindRPCError per spec.md §5 ("Cancellation").
type RPCErrorKind string

const (
	RPCTransport          RPCErrorKind = "transport"
	RPCDeserialization    RPCErrorKind = "deserialization"
	RPCRemoteException    RPCErrorKind = "remote_exception"
	RPCConnectionClosed   RPCErrorKind = "connection_closed"
	RPCUnknownMethod      RPCErrorKind = "unknown_method"
)

// Error is the concrete error type returned by every fallible operation
// in this module. Kind is stable and suitable for programmatic branching;
// Cause, when present, is the underlying error that triggered it.
type Error struct {
	Kind    Kind
	RPCKind RPCErrorKind // only meaningful when Kind == KindRPCError
	Reason  string
	Cause   error
}

func (e *Error) Error() string {
	if e.RPCKind != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s{%s}: %s: %v", e.Kind, e.RPCKind, e.Reason, e.Cause)
		}
		return fmt.Sprintf("%s{%s}: %s", e.Kind, e.RPCKind, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, perr.New(perr.KindSpawnFailed, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an Error of the given Kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap constructs an Error of the given Kind, wrapping cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// RPC constructs an Error of KindRPCError with a refining RPCErrorKind.
func RPC(kind RPCErrorKind, reason string, cause error) *Error {
	return &Error{Kind: KindRPCError, RPCKind: kind, Reason: reason, Cause: cause}
}

// KindOf extracts the Kind of err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
