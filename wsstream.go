// wsstream
//
// A module for establishing client websocket connections over an
// asynchronous, callback driven api. Turns a ws:// or wss:// URL into
// an open bidirectional stream, sequencing name resolution, the raw
// TCP connect, an optional TLS handshake and the websocket upgrade.
// Performs the websocket handshake, but does not enforce the websocket
// framing protocol for data exchanged afterwards.
//
// All completions for one Conn are serialized through a Loop; no two
// callbacks belonging to the same Conn ever run concurrently.
package wsstream

import (
	"errors"
	"fmt"

	"github.com/getlantern/golog"
)

var (
	// ErrAlreadyConnecting is reported when Connect is called while a
	// connect attempt is already in flight.
	ErrAlreadyConnecting = errors.New("connect already in progress")

	// ErrAlreadyOpen is reported when Connect is called on an open
	// connection.
	ErrAlreadyOpen = errors.New("connection already open")

	// ErrNoProtocolOption is reported when the URL scheme is not ws,
	// or is wss but no TLS configuration was supplied.
	ErrNoProtocolOption = errors.New("no transport available for scheme")

	// ErrResolution is reported when name resolution fails or yields
	// no addresses.
	ErrResolution = errors.New("hostname resolution failed")

	// ErrConnect is reported when every resolved endpoint refuses the
	// raw connection.
	ErrConnect = errors.New("all endpoints failed")

	// ErrTLSConfig is reported when the TLS configuration cannot be
	// applied to the connection (eg no usable server name).
	ErrTLSConfig = errors.New("tls configuration failed")

	// ErrTLSHandshake is reported when the TLS handshake itself fails.
	// The underlying cause is preserved on the delivered error.
	ErrTLSHandshake = errors.New("tls handshake failed")

	// ErrOperationAborted is reported when Close races an in-flight
	// connect attempt.
	ErrOperationAborted = errors.New("operation aborted")

	// ErrRemoteClosed is reported through a read completion when the
	// peer performs an orderly close.
	ErrRemoteClosed = errors.New("closed by remote")

	// ErrNotOpen is reported when Read or Write is called on a
	// connection that is not open.
	ErrNotOpen = errors.New("connection is not open")

	log = golog.LoggerFor("wsstream")
)

// HandshakeError is returned when websocket upgrade expectations fail.
type HandshakeError struct {
	message string
}

func (e HandshakeError) Error() string { return e.message }

func handshakeErr(message string) error {
	return HandshakeError{
		message: "websocket handshake: " + message,
	}
}

// codedError ties one of the package sentinel errors to the underlying
// cause reported by a collaborator.
type codedError struct {
	code  error
	cause error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s: %s", e.code.Error(), e.cause.Error())
}

// Cause implements the causer interface of github.com/pkg/errors.
func (e *codedError) Cause() error { return e.cause }

func (e *codedError) Unwrap() error { return e.cause }

func wrapCode(code, cause error) error {
	if cause == nil {
		return code
	}
	return &codedError{code: code, cause: cause}
}

// Code reduces an error delivered by this package to its sentinel
// value (ErrConnect, ErrResolution, ...), so callers can switch on the
// failed stage without parsing messages. Errors that carry no sentinel
// are returned unchanged.
func Code(err error) error {
	if ce, ok := err.(*codedError); ok {
		return ce.code
	}
	return err
}

// State is the lifecycle of a Conn.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CloseReason records why a Conn left the open state.
type CloseReason int

const (
	// CloseReasonNone - the connection has not closed.
	CloseReasonNone CloseReason = iota
	// CloseReasonLocal - the caller closed the connection.
	CloseReasonLocal
	// CloseReasonRemote - the peer performed an orderly close.
	CloseReasonRemote
	// CloseReasonError - a connect stage or I/O error closed the
	// connection.
	CloseReasonError
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonNone:
		return "none"
	case CloseReasonLocal:
		return "local"
	case CloseReasonRemote:
		return "remote"
	case CloseReasonError:
		return "error"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ConnectHandler receives the outcome of a connect attempt. A nil
// error means the connection is open.
type ConnectHandler func(err error)

// IOHandler receives the outcome of a read or write.
type IOHandler func(n int, err error)
