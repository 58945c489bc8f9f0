package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	coreerrors "github.com/pressurenet/readings-aggregator/internal/core/errors"
)

const (
	defaultMaxTries        = 4
	defaultCallTimeout     = 10 * time.Second
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
	defaultMaxElapsed      = time.Minute
)

// RetryPolicy bounds every collaborator call: each attempt gets CallTimeout and
// attempts back off exponentially until MaxTries or MaxElapsed is reached.
type RetryPolicy struct {
	MaxTries        uint
	CallTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        defaultMaxTries,
		CallTimeout:     defaultCallTimeout,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
		MaxElapsed:      defaultMaxElapsed,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	n := p
	if n.MaxTries == 0 {
		n.MaxTries = defaultMaxTries
	}
	if n.CallTimeout <= 0 {
		n.CallTimeout = defaultCallTimeout
	}
	if n.InitialInterval <= 0 {
		n.InitialInterval = defaultInitialInterval
	}
	if n.MaxInterval <= 0 {
		n.MaxInterval = defaultMaxInterval
	}
	if n.MaxElapsed <= 0 {
		n.MaxElapsed = defaultMaxElapsed
	}
	return n
}

// NewBackOff builds the exponential schedule described by the policy.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	n := p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.InitialInterval
	b.MaxInterval = n.MaxInterval
	return b
}

// Retry runs fn under the policy. Terminal errors (ErrMalformed) and errors
// wrapped with backoff.Permanent stop immediately. Any other error left once
// the policy is exhausted is marked transient.
func Retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	n := p.normalized()
	attempt := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, n.CallTimeout)
		defer cancel()

		v, err := fn(callCtx)
		if err != nil && coreerrors.IsTerminal(err) {
			return v, coreerrors.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(n.NewBackOff()),
		backoff.WithMaxTries(n.MaxTries),
		backoff.WithMaxElapsedTime(n.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("[Retry] Attempt failed", "op", op, "attempt", attempt, "retry_in", next, "error", err)
		}),
	)
	if err == nil || coreerrors.IsTerminal(err) || ctx.Err() != nil {
		return v, err
	}
	return v, coreerrors.MarkTransient(op, err)
}

// RetryErr is Retry for operations without a result.
func RetryErr(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
