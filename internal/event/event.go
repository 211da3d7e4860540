package event

import (
	"fmt"
	"time"
)

// FieldKind selects which broker-side value slot an update targets.
type FieldKind int

const (
	Current FieldKind = iota
	Target
)

// String returns the token used for the kind in sequence files.
func (k FieldKind) String() string {
	switch k {
	case Current:
		return "current"
	case Target:
		return "target"
	}
	return fmt.Sprintf("FieldKind(%d)", int(k))
}

// ParseFieldKind maps a sequence-file token to a FieldKind.
// Tokens are case-sensitive.
func ParseFieldKind(s string) (FieldKind, error) {
	switch s {
	case "current":
		return Current, nil
	case "target":
		return Target, nil
	}
	return 0, fmt.Errorf("unknown field kind %q (want \"current\" or \"target\")", s)
}

// Event is one scripted signal update.
type Event struct {
	Field FieldKind     `json:"field"`
	Path  string        `json:"path"` // "Vehicle.Speed"
	Raw   string        `json:"raw"`  // textual value as written in the source
	Value Value         `json:"-"`    // typed scalar inferred from Raw
	Delay time.Duration `json:"delay"`
	Line  int           `json:"line"` // 1-based source line, 0 if unknown
}

// Key identifies the broker slot the event writes to.
func (e Event) Key() Key {
	return Key{Field: e.Field, Path: e.Path}
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s=%s (+%s)", e.Field, e.Path, e.Raw, e.Delay)
}

// Key is the (field kind, signal path) pair that names a broker value slot.
type Key struct {
	Field FieldKind
	Path  string
}

// Sequence is an ordered list of events. Order is replay order.
type Sequence []Event

// Paths returns the distinct signal paths in first-seen order.
func (s Sequence) Paths() []string {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, ev := range s {
		if _, ok := seen[ev.Path]; ok {
			continue
		}
		seen[ev.Path] = struct{}{}
		out = append(out, ev.Path)
	}
	return out
}

// Update is a value change observed on the broker through a subscription.
type Update struct {
	Field FieldKind
	Path  string
	Value Value
}
