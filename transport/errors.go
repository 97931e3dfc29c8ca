package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies transport failures.
type Kind int

const (
	// Timeout means the chunk deadline expired or the attempt was detected as hung.
	Timeout Kind = iota + 1
	// ServerRejected means the receiving side answered with a non-success status.
	ServerRejected
	// NetworkUnreachable covers every other failure to complete the exchange.
	NetworkUnreachable
	// Cancelled means the caller cancelled the call.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ServerRejected:
		return "server rejected"
	case NetworkUnreachable:
		return "network unreachable"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrHung is the cancellation cause of attempts stopped by hung detection.
var ErrHung = errors.New("chunk upload hung")

// Error is the error type returned by every Transport implementation.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == ServerRejected && e.Message != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Kind, e.StatusCode, e.Message)
	case e.Kind == ServerRejected:
		return fmt.Sprintf("%s: HTTP %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failed exchange may be attempted again.
// Cancelled and 4xx rejections are terminal.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Cancelled:
		return false
	case ServerRejected:
		return e.StatusCode < 400 || e.StatusCode >= 500
	default:
		return true
	}
}

// Rejected returns a ServerRejected error for the given status and response body.
func Rejected(statusCode int, body []byte) *Error {
	msg := string(body)
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	return &Error{Kind: ServerRejected, StatusCode: statusCode, Message: msg}
}

// Classify maps err, returned by an exchange made with ctx, to an *Error.
// It returns nil for a nil err.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		switch {
		case errors.Is(context.Cause(ctx), ErrHung):
			return &Error{Kind: Timeout, Err: ErrHung}
		case errors.Is(ctxErr, context.DeadlineExceeded):
			return &Error{Kind: Timeout, Err: err}
		default:
			return &Error{Kind: Cancelled, Err: err}
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: Timeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: Cancelled, Err: err}
	default:
		return &Error{Kind: NetworkUnreachable, Err: err}
	}
}

// KindOf returns the Kind of a transport error, or 0 if err is not one.
func KindOf(err error) Kind {
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr.Kind
	}
	return 0
}

// IsCancelled ...
func IsCancelled(err error) bool {
	return KindOf(err) == Cancelled
}

// IsRetryable reports whether err is a transport error that may be retried.
func IsRetryable(err error) bool {
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr.Retryable()
	}
	return false
}
