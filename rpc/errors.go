package rpc

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy codes carried in wire.ErrorBody (spec §7).
const (
	ErrCodeProtocolError int32 = 203
	ErrCodeConsistency   int32 = 302
)

var (
	// ErrServerClosed is returned by Call once the server has been stopped.
	ErrServerClosed = errors.New("rpc: server closed")
	// ErrTimeout is the error recorded on a Call that reaches StateTimeout.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrCanceled is the error recorded on a Call that is explicitly canceled.
	ErrCanceled = errors.New("rpc: call canceled")
)

// ThrottledError is returned by Call when outbound throttling defers the
// send; Delay is the hint the caller (lookup engine) should use to
// deprioritize the destination (spec §4.5).
type ThrottledError struct {
	Delay time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rpc: outbound throttled, retry after %s", e.Delay)
}

// ProtocolError is a request handler's way of picking the wire error code
// returned to the caller (spec §7), instead of the generic default.
type ProtocolError struct {
	Code    int32
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

func errorCodeOf(err error) (int32, string) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code, pe.Message
	}
	return ErrCodeProtocolError, err.Error()
}
