// Package broker is the boundary to the remote signal broker. The replay
// engine only sees the Client interface; the gRPC binding lives alongside it.
package broker

import (
	"context"

	"github.com/gyaneshwarpardhi/signalreplay/internal/event"
)

// Ack confirms an applied update.
type Ack struct {
	// Value is the update after coercion to the broker's declared type.
	Value    event.Value
	Datatype event.DataType
}

// Client applies single events to the broker. Implementations perform exactly
// one update call per Apply and never retry; failures are *Error values.
type Client interface {
	Apply(ctx context.Context, ev event.Event) (Ack, error)
}

// Subscriber is the optional change-subscription capability. Subscribe blocks,
// calling fn for every update, until ctx ends or the stream fails.
type Subscriber interface {
	Subscribe(ctx context.Context, field event.FieldKind, paths []string, fn func(event.Update)) error
}
