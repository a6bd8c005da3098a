package remotecmd

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by session operations after the session was closed locally.
	ErrSessionClosed = errors.New("session closed")

	// ErrHalfCloseUnsupported means stdin was closed on a protocol version that cannot half-close,
	// so the connection was torn down before the remote side could report a status.
	ErrHalfCloseUnsupported = errors.New("protocol does not support closing stdin without closing the connection")
)

// ConnectionError is returned when the transport fails, either while connecting or while sending.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %s", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is returned for malformed frames and for connections that end without a status.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %s", e.Msg, e.Err)
	}
	return "protocol error: " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteCommandError is returned when the remote side reports a failed command.
type RemoteCommandError struct {
	Status Status
	// ExitCode is the remote exit code, or -1 if the status did not carry one.
	ExitCode int
	// Stderr holds the tail of the remote stderr, if the caller collected it.
	Stderr string
}

func (e *RemoteCommandError) Error() string {
	msg := e.Status.Message
	if msg == "" {
		msg = "remote command failed"
	}
	if e.Status.Reason != "" {
		msg = fmt.Sprintf("%s (reason %s)", msg, e.Status.Reason)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	return msg
}
