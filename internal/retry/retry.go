// Package retry re-runs idempotent reads that failed with a transient error.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/metrics"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/cenkalti/backoff/v4"
)

// Policy bounds the number of attempts and the delay between them.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Default is three attempts starting at 100ms.
var Default = Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

// Do calls fn until it succeeds, returns a non-transient error, the attempts
// are used up or ctx is done. Only use it for operations that are safe to repeat.
func Do(ctx context.Context, op string, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(), uint64(p.Attempts-1)), ctx)
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err != nil && !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, delay time.Duration) {
		metrics.Retries.WithLabelValues(op).Inc()
		logging.Debug().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying transient failure")
	})

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return apperr.Wrap(op, err)
	}
	return err
}

// exponential doubles from BaseDelay up to MaxDelay with 20% jitter.
func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
