package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("apply: %w", &Error{Kind: Timeout, Op: "set", Path: "Vehicle.Speed", Err: errors.New("slow")})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout match, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("timeout must not match ErrUnavailable")
	}
	if KindOf(err) != Timeout {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Fatalf("plain errors have no kind")
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		code codes.Code
		want Kind
	}{
		{codes.Unavailable, Unavailable},
		{codes.Internal, Unavailable},
		{codes.ResourceExhausted, Unavailable},
		{codes.DeadlineExceeded, Timeout},
		{codes.InvalidArgument, Rejected},
		{codes.NotFound, Rejected},
		{codes.PermissionDenied, Rejected},
		{codes.Unimplemented, Rejected},
	}
	for _, tc := range cases {
		err := classify(ctx, "set", "A.B", status.Error(tc.code, "x"))
		if KindOf(err) != tc.want {
			t.Errorf("%v: got %v, want %v", tc.code, KindOf(err), tc.want)
		}
	}

	if KindOf(classify(ctx, "set", "", context.DeadlineExceeded)) != Timeout {
		t.Error("bare deadline error should be a timeout")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := classify(cancelled, "set", "", status.Error(codes.Canceled, "x")); !errors.Is(err, context.Canceled) {
		t.Errorf("caller cancellation should surface as context.Canceled, got %v", err)
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: Rejected, Op: "set", Path: "Vehicle.Speed", Err: errors.New("type mismatch")}
	want := "broker rejected: set Vehicle.Speed: type mismatch"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
