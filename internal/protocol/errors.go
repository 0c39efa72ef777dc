package protocol

import (
	"errors"
	"fmt"
)

// Common errors returned by the protocol package.
var (
	// ErrNoSocket is returned when an operation needs an open connection.
	ErrNoSocket = errors.New("no socket")
	// ErrClosedByPeer is returned when a read finds the connection closed.
	ErrClosedByPeer = errors.New("connection closed by peer")
)

// ProtocolError indicates a malformed frame or an unexpected message on an
// established connection. The connection is torn down and retried.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protoErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// HandshakeError indicates the server rejected or derailed the login
// sequence. The connection attempt is aborted and retried after the
// cool-down.
type HandshakeError struct {
	// Step names the handshake step that failed.
	Step   string
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %s", e.Step, e.Reason)
}
