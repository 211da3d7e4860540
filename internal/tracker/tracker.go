// Package tracker remembers the last value applied to each broker slot so
// unchanged updates can be suppressed in on-change mode.
package tracker

import (
	"sync"

	"github.com/gyaneshwarpardhi/signalreplay/internal/event"
)

// Tracker is a per-(field, path) last-applied-value cache.
// When disabled every update is applied and nothing is recorded.
type Tracker struct {
	enabled bool
	mu      sync.RWMutex
	last    map[event.Key]event.Value
}

// New returns a Tracker. enabled turns on change suppression.
func New(enabled bool) *Tracker {
	return &Tracker{enabled: enabled, last: make(map[event.Key]event.Value)}
}

// Enabled reports whether suppression is active.
func (t *Tracker) Enabled() bool { return t.enabled }

// ShouldApply reports false only when the slot was already set to an equal value.
func (t *Tracker) ShouldApply(field event.FieldKind, path string, v event.Value) bool {
	if !t.enabled {
		return true
	}
	t.mu.RLock()
	prev, ok := t.last[event.Key{Field: field, Path: path}]
	t.mu.RUnlock()
	return !ok || !prev.Equal(v)
}

// Record stores v as the last applied value for the slot.
func (t *Tracker) Record(field event.FieldKind, path string, v event.Value) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	t.last[event.Key{Field: field, Path: path}] = v
	t.mu.Unlock()
}

// Len returns how many slots have a recorded value.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.last)
}
