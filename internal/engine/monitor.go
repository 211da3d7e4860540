package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/signalreplay/internal/broker"
	"github.com/gyaneshwarpardhi/signalreplay/internal/event"
	"github.com/gyaneshwarpardhi/signalreplay/internal/metrics"
)

var errStreamEnded = errors.New("subscription ended by broker")

// Monitor listens for broker-side changes of the replayed signals and keeps
// the last observed value per slot. It only reads from the broker.
type Monitor struct {
	sub   broker.Subscriber
	paths map[event.FieldKind][]string
	log   *slog.Logger

	// Resubscribe delays after a dropped stream.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	observed atomic.Uint64
	mu       sync.RWMutex
	last     map[event.Key]event.Value
}

// NewMonitor subscribes to every (field, path) pair used by seq.
func NewMonitor(sub broker.Subscriber, seq event.Sequence, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	paths := make(map[event.FieldKind][]string)
	seen := make(map[event.Key]struct{})
	for _, ev := range seq {
		if _, ok := seen[ev.Key()]; ok {
			continue
		}
		seen[ev.Key()] = struct{}{}
		paths[ev.Field] = append(paths[ev.Field], ev.Path)
	}
	return &Monitor{
		sub:       sub,
		paths:     paths,
		log:       logger,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		last:      make(map[event.Key]event.Value),
	}
}

// Run keeps one subscription per field kind open until ctx ends,
// resubscribing after transient failures. A rejected subscription is returned.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for field, paths := range m.paths {
		g.Go(func() error { return m.follow(ctx, field, paths) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Monitor) follow(ctx context.Context, field event.FieldKind, paths []string) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.BaseDelay,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         m.MaxDelay,
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		m.log.Info("subscribing to broker changes", "field", field.String(), "signals", len(paths))
		err := m.sub.Subscribe(ctx, field, paths, m.observe)
		switch {
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		case err == nil:
			err = errStreamEnded
		case broker.KindOf(err) == broker.Rejected:
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			m.log.Warn("broker subscription dropped, resubscribing", "field", field.String(), "wait", wait, "err", err)
		}),
	)
	return err
}

func (m *Monitor) observe(u event.Update) {
	m.observed.Add(1)
	metrics.ObservedUpdates.WithLabelValues(u.Field.String()).Inc()
	m.mu.Lock()
	m.last[event.Key{Field: u.Field, Path: u.Path}] = u.Value
	m.mu.Unlock()
	m.log.Debug("broker value changed", "field", u.Field.String(), "path", u.Path, "value", u.Value.String())
}

// Observed returns how many updates have been received.
func (m *Monitor) Observed() uint64 { return m.observed.Load() }

// Last returns the last observed value for a slot.
func (m *Monitor) Last(field event.FieldKind, path string) (event.Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.last[event.Key{Field: field, Path: path}]
	return v, ok
}
