package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/signalreplay/internal/broker"
	"github.com/gyaneshwarpardhi/signalreplay/internal/event"
	"github.com/gyaneshwarpardhi/signalreplay/internal/metrics"
	"github.com/gyaneshwarpardhi/signalreplay/internal/tracker"
)

// ErrFinished is returned by Step once the driver is in a terminal state.
var ErrFinished = errors.New("replay finished")

// ErrEmptySequence fails a run whose source has no events.
var ErrEmptySequence = errors.New("sequence is empty")

// minIdlePass is the shortest wait before replaying again after a pass that
// applied nothing and took no time.
const minIdlePass = 100 * time.Millisecond

// Source supplies the sequence to replay. It is consulted when a run starts
// and again at every loop boundary, never in the middle of a pass.
type Source interface {
	Sequence() event.Sequence
}

// versioned sources report a counter that changes whenever the sequence does.
type versioned interface {
	Version() uint64
}

// StaticSource replays a fixed sequence.
type StaticSource event.Sequence

func (s StaticSource) Sequence() event.Sequence { return event.Sequence(s) }

// Options controls replay behavior.
type Options struct {
	// Infinite restarts at the first event after the last one.
	Infinite bool
	// DelayOnSkip makes suppressed events still wait their delay. By default a
	// skipped event advances immediately.
	DelayOnSkip bool
	Retry       RetryPolicy
}

// Driver replays a sequence into a broker, one event at a time.
// Run and Step must be called from a single goroutine; Status may be called
// from any goroutine.
type Driver struct {
	client  broker.Client
	source  Source
	tracker *tracker.Tracker
	opts    Options
	log     *slog.Logger
	tracer  trace.Tracer
	sleep   func(context.Context, time.Duration) error

	seq     event.Sequence // current pass, owned by the stepping goroutine
	version uint64

	// Per-pass bookkeeping, owned by the stepping goroutine. A pass that
	// applies nothing is followed by idleWait before the next one starts.
	passApplied bool
	passWaited  time.Duration // delays slept during the pass
	passOwed    time.Duration // delays of skipped or rejected events not slept
	idleWait    time.Duration

	mu     sync.RWMutex
	status Status
}

// Option customises a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(l *slog.Logger) Option { return func(d *Driver) { d.log = l } }

// WithSleeper replaces the inter-event delay sleep, mainly for tests.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(d *Driver) { d.sleep = fn }
}

// WithTracer sets the tracer used for per-event spans.
func WithTracer(t trace.Tracer) Option { return func(d *Driver) { d.tracer = t } }

// New creates an idle Driver. A nil tracker disables change suppression.
func New(client broker.Client, source Source, tr *tracker.Tracker, opts Options, options ...Option) *Driver {
	if tr == nil {
		tr = tracker.New(false)
	}
	d := &Driver{
		client:  client,
		source:  source,
		tracker: tr,
		opts:    opts,
		log:     slog.New(slog.DiscardHandler),
		tracer:  otel.Tracer("github.com/gyaneshwarpardhi/signalreplay/internal/engine"),
		sleep:   sleepContext,
	}
	for _, o := range options {
		o(d)
	}
	d.opts.Retry = d.opts.Retry.normalize()
	d.status = Status{RunID: uuid.NewString(), State: Idle}
	return d
}

// Status returns a snapshot of the driver.
func (d *Driver) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status.State
}

func (d *Driver) update(fn func(s *Status)) {
	d.mu.Lock()
	fn(&d.status)
	d.mu.Unlock()
}

// Run replays until the sequence completes, an event fails permanently or
// ctx is cancelled. Cancellation is a clean early exit: the driver ends
// Completed with Interrupted set and Run returns nil.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info("replay starting", "run_id", d.Status().RunID, "infinite", d.opts.Infinite, "on_change", d.tracker.Enabled())
	for {
		state, err := d.Step(ctx)
		switch {
		case state == Failed:
			return err
		case state == Completed:
			st := d.Status()
			if st.Interrupted {
				d.log.Info("replay interrupted", "position", st.Position, "loop", st.Loop, "applied", st.Applied)
			} else {
				d.log.Info("replay completed", "applied", st.Applied, "skipped", st.Skipped, "rejected", st.Rejected)
			}
			return nil
		}
	}
}

// Step processes exactly one event and returns the resulting state.
// It returns the context error when the step was interrupted and the
// triggering error when the driver failed.
func (d *Driver) Step(ctx context.Context) (State, error) {
	state := d.State()
	if state.Terminal() {
		return state, ErrFinished
	}
	if err := ctx.Err(); err != nil {
		return d.interrupt(err)
	}
	if state == Idle {
		if err := d.start(); err != nil {
			return d.fail(err)
		}
	}
	if w := d.idleWait; w > 0 {
		d.idleWait = 0
		if err := d.sleep(ctx, w); err != nil {
			return d.interrupt(err)
		}
	}

	pos := d.Status().Position
	ev := d.seq[pos]

	if !d.tracker.ShouldApply(ev.Field, ev.Path, ev.Value) {
		metrics.EventsSkipped.Inc()
		d.update(func(s *Status) { s.Skipped++ })
		d.log.Debug("unchanged, skipping", "field", ev.Field.String(), "path", ev.Path, "value", ev.Raw)
		if !d.opts.DelayOnSkip {
			d.passOwed += ev.Delay
			return d.advance(), nil
		}
		d.passWaited += ev.Delay
		if err := d.sleep(ctx, ev.Delay); err != nil {
			d.advance()
			return d.interrupt(err)
		}
		return d.advance(), nil
	}

	_, err := d.apply(ctx, ev)
	switch {
	case err == nil:
		d.tracker.Record(ev.Field, ev.Path, ev.Value)
		d.passApplied = true
		d.passWaited += ev.Delay
		if err := d.sleep(ctx, ev.Delay); err != nil {
			d.advance()
			return d.interrupt(err)
		}
		return d.advance(), nil
	case ctx.Err() != nil:
		return d.interrupt(ctx.Err())
	case broker.KindOf(err) == broker.Rejected:
		metrics.EventsRejected.Inc()
		d.update(func(s *Status) {
			s.Rejected++
			s.LastError = err.Error()
		})
		d.log.Warn("update rejected, skipping event", "line", ev.Line, "field", ev.Field.String(), "path", ev.Path, "value", ev.Raw, "err", err)
		d.passOwed += ev.Delay
		return d.advance(), nil
	default:
		return d.fail(fmt.Errorf("event at line %d (%s): %w", ev.Line, ev.Path, err))
	}
}

func (d *Driver) start() error {
	seq := d.source.Sequence()
	if len(seq) == 0 {
		return ErrEmptySequence
	}
	d.seq = seq
	if v, ok := d.source.(versioned); ok {
		d.version = v.Version()
	}
	d.resetPass()
	d.update(func(s *Status) {
		s.State = Running
		s.Position = 0
		s.Length = len(seq)
	})
	return nil
}

// advance moves to the next event, wrapping in infinite mode.
func (d *Driver) advance() State {
	st := d.Status()
	next := st.Position + 1
	if next < len(d.seq) {
		d.update(func(s *Status) { s.Position = next })
		metrics.Position.Set(float64(next))
		return Running
	}

	metrics.LoopsCompleted.Inc()
	if !d.opts.Infinite {
		d.update(func(s *Status) {
			s.Position = next
			s.State = Completed
		})
		return Completed
	}

	if !d.passApplied {
		d.idleWait = d.passOwed
		if d.passOwed+d.passWaited == 0 {
			d.idleWait = minIdlePass
		}
		d.log.Debug("nothing applied in pass, waiting before the next one", "loop", st.Loop, "wait", d.idleWait)
	}
	d.resetPass()

	if seq := d.source.Sequence(); len(seq) > 0 {
		if v, ok := d.source.(versioned); ok && v.Version() != d.version {
			d.version = v.Version()
			d.log.Info("replaying updated sequence", "events", len(seq), "version", d.version)
		}
		d.seq = seq
	}
	d.update(func(s *Status) {
		s.Position = 0
		s.Length = len(d.seq)
		s.Loop++
	})
	metrics.Position.Set(0)
	d.log.Debug("sequence exhausted, restarting", "loop", st.Loop+1)
	return Running
}

func (d *Driver) resetPass() {
	d.passApplied = false
	d.passWaited = 0
	d.passOwed = 0
}

func (d *Driver) interrupt(err error) (State, error) {
	d.update(func(s *Status) {
		s.State = Completed
		s.Interrupted = true
	})
	return Completed, err
}

func (d *Driver) fail(err error) (State, error) {
	d.update(func(s *Status) {
		s.State = Failed
		s.LastError = err.Error()
	})
	return Failed, err
}

// apply sends ev with the retry policy and records the outcome.
func (d *Driver) apply(ctx context.Context, ev event.Event) (broker.Ack, error) {
	ctx, span := d.tracer.Start(ctx, "replay.apply", trace.WithAttributes(
		attribute.String("signal.path", ev.Path),
		attribute.String("signal.field", ev.Field.String()),
		attribute.String("signal.value", ev.Raw),
		attribute.Int("sequence.line", ev.Line),
	))
	defer span.End()

	ack, attempts, err := d.opts.Retry.do(ctx, func() (broker.Ack, error) {
		start := time.Now()
		ack, err := d.client.Apply(ctx, ev)
		metrics.ApplyDuration.Observe(float64(time.Since(start).Milliseconds()))
		metrics.ApplyAttempts.WithLabelValues(outcome(err)).Inc()
		return ack, err
	}, func(err error, wait time.Duration) {
		metrics.Retries.Inc()
		d.update(func(s *Status) { s.Retries++ })
		d.log.Warn("broker call failed, retrying", "path", ev.Path, "wait", wait, "err", err)
	})
	span.SetAttributes(attribute.Int("apply.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ack, err
	}
	metrics.EventsApplied.Inc()
	d.update(func(s *Status) { s.Applied++ })
	d.log.Debug("applied", "field", ev.Field.String(), "path", ev.Path, "value", ack.Value.String(), "attempts", attempts)
	return ack, nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := broker.KindOf(err); k != 0 {
		return k.String()
	}
	return "error"
}

// sleepContext waits for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
