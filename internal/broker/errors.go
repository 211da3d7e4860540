package broker

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies broker failures by how the caller should react.
type Kind int

const (
	// Unavailable is a connection or transport failure; retrying may help.
	Unavailable Kind = iota + 1
	// Rejected means the broker refused the update (unknown signal, type
	// mismatch); the same update will never succeed.
	Rejected
	// Timeout means the call did not complete within its deadline.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Rejected:
		return "rejected"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Retryable reports whether a failure of this kind is transient.
func (k Kind) Retryable() bool { return k == Unavailable || k == Timeout }

// Sentinels for errors.Is; they match any *Error of the same Kind.
var (
	ErrUnavailable = &Error{Kind: Unavailable}
	ErrRejected    = &Error{Kind: Rejected}
	ErrTimeout     = &Error{Kind: Timeout}
)

// Error is the failure type returned by broker adapters.
type Error struct {
	Kind Kind
	Op   string // "connect", "set", "metadata", "subscribe"
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := "broker " + e.Kind.String()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Path == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf extracts the Kind of a broker error, or 0 when err is not one.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}

// classify maps a gRPC call failure onto the broker taxonomy. Cancellation by
// the caller is returned as the context error, not as a broker failure.
func classify(ctx context.Context, op, path string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: Timeout, Op: op, Path: path, Err: err}
		}
		return &Error{Kind: Unavailable, Op: op, Path: path, Err: err}
	}
	return &Error{Kind: kindForCode(st.Code()), Op: op, Path: path, Err: err}
}

func kindForCode(c codes.Code) Kind {
	switch c {
	case codes.DeadlineExceeded:
		return Timeout
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.FailedPrecondition,
		codes.OutOfRange, codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented:
		return Rejected
	default:
		// Unavailable, Unknown, Aborted, ResourceExhausted, Internal, Canceled, DataLoss.
		return Unavailable
	}
}
