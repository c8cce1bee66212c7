package uatcp

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Errors returned by the network layer and its connections.
var (
	// ErrConnectionClosed is returned once a connection has been closed,
	// either by the peer, by an unrecoverable I/O error or by the owner.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCommunication is returned when a send buffer larger than the
	// peer's receive buffer is requested.
	ErrCommunication = errors.New("communication error")
	// ErrInternal is returned when socket setup (create, bind, listen,
	// options) fails.
	ErrInternal = errors.New("internal error")
	// ErrInvalidEndpoint is returned for a malformed endpoint url.
	ErrInvalidEndpoint = errors.New("invalid endpoint url")
	// ErrResolve is returned when the endpoint host cannot be resolved.
	ErrResolve = errors.New("host lookup failed")
	// ErrNotSupported is returned when a capability is not bound for the
	// side that created the connection.
	ErrNotSupported = errors.New("operation not supported")
	// ErrMalformedMessage is returned by a framer for bytes that cannot
	// start a valid message.
	ErrMalformedMessage = errors.New("malformed message")
)

// retryable reports whether a send/receive error only means "try again".
func retryable(err error) bool {
	return errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK)
}
