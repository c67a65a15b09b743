package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/malbeclabs/querypilot/pkg/metrics"
)

const (
	defaultRetryAttempts   = 2
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMultiplier = 2
)

// RetryPolicy bounds the retries of one stage call. MaxAttempts counts the
// first call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// AttemptTimeout bounds each attempt independently. Zero means no bound
	// beyond the caller's context.
	AttemptTimeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultRetryMultiplier
	}
	return p
}

// RetryModel reports whether a model-backed stage error is worth retrying.
func RetryModel(err error) bool {
	return ModelKind(err).Retryable()
}

// WithRetry calls fn until it succeeds, returns an error retryable rejects,
// or the policy's attempts are spent. Cancellation of ctx is never retried.
func WithRetry[T any](
	ctx context.Context,
	log *slog.Logger,
	stage Stage,
	policy RetryPolicy,
	retryable func(error) bool,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	policy = policy.withDefaults()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          policy.Multiplier,
		MaxInterval:         policy.BaseDelay * time.Duration(1<<policy.MaxAttempts),
	}

	attempt := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		actx := ctx
		if policy.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
			defer cancel()
		}
		v, err := fn(actx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.StageRetriesTotal.WithLabelValues(string(stage)).Inc()
			log.Warn("pipeline: stage failed, retrying", "stage", stage, "attempt", attempt, "next", next, "error", err)
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, err
}
