package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gyaneshwarpardhi/signalreplay/internal/broker"
	"github.com/gyaneshwarpardhi/signalreplay/internal/config"
)

// RetryPolicy bounds retries of transient broker failures (Unavailable,
// Timeout) with exponential backoff. MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// RetryPolicyFromConfig converts the configured retry section.
func RetryPolicyFromConfig(c config.RetryConf) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay(),
		Multiplier:  c.Multiplier,
		MaxDelay:    c.MaxDelay(),
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
}

// do runs op until it succeeds, fails permanently, runs out of attempts or
// ctx ends. Rejections and caller cancellation are never retried. notify is
// called before each wait.
func (p RetryPolicy) do(
	ctx context.Context,
	op func() (broker.Ack, error),
	notify func(err error, wait time.Duration),
) (broker.Ack, int, error) {
	attempts := 0
	ack, err := backoff.Retry(ctx, func() (broker.Ack, error) {
		attempts++
		ack, err := op()
		if err == nil {
			return ack, nil
		}
		if ctx.Err() != nil || broker.KindOf(err) == broker.Rejected {
			return ack, backoff.Permanent(err)
		}
		return ack, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	return ack, attempts, err
}
