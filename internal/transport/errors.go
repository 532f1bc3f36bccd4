package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrAckTimeout is returned when an acknowledgment does not arrive in time.
	ErrAckTimeout = errors.New("transport: timeout waiting for ack")
	// ErrClosed is returned for requests outstanding or issued after teardown.
	ErrClosed = errors.New("transport: session closed")
	// ErrConnectionLost wraps the read error that ended a session.
	ErrConnectionLost = errors.New("transport: connection lost")
	// ErrBadAddress is returned for an address Dial cannot interpret.
	ErrBadAddress = errors.New("transport: bad address")
)

// HandshakeError reports a failed channel open. The connection has
// already been torn down when it is returned.
type HandshakeError struct {
	Channel string
	Err     error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport: open %s: %v", e.Channel, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
