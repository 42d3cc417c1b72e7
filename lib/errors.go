package lib

import (
	"github.com/pkg/errors"
)

var (
	// ErrMalformedSegment is returned for buffers that cannot hold a segment header.
	ErrMalformedSegment = errors.New("malformed segment")
	// ErrPayloadTooLarge rejects construction of a segment above MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrHandshakeTimeout means the peer did not answer within HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrHandshakeFailed means the peer answered with the wrong segment.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrTransfer covers faults while moving data for one peer.
	ErrTransfer = errors.New("transfer error")
	// ErrTeardownTimeout is only returned when MaxFinRetries bounds the teardown.
	ErrTeardownTimeout = errors.New("teardown timeout")
	// ErrNotEstablished guards data operations on a connection without a handshake.
	ErrNotEstablished = errors.New("connection not established")
)

// TimeoutError is returned by Link.Recv when no datagram arrives in time.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}

// IsTimeout reports whether err is a receive timeout from a Link.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
