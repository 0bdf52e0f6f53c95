package atomicfile

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff window between attempts of the async retry policy.
const (
	minRetryDelay = 100 * time.Millisecond
	maxRetryDelay = 500 * time.Millisecond
)

func retryJitter() time.Duration {
	return minRetryDelay + rand.N(maxRetryDelay-minRetryDelay)
}

// retrier runs filesystem calls under a wall-clock deadline.
//
// With slots set (the async policy) every attempt holds a slot for the
// duration of the call and retriable failures sleep a random delay in
// [100ms, 500ms) before the next attempt. Without slots (the sync policy)
// retriable failures are retried back-to-back.
//
// Either way, once the deadline has passed the next failure is returned
// as is. A call already in progress is never interrupted.
type retrier struct {
	ctx      context.Context
	deadline time.Time
	slots    *Slots
	logger   *slog.Logger
	jitter   func() time.Duration
}

func (r *retrier) do(op, path string, fn func() error) error {
	if r.slots == nil {
		return r.doSync(op, path, fn)
	}

	attempt := 0

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if !time.Now().Before(r.deadline) {
			return 0, true
		}

		return r.jitter(), false
	})

	return retry.Do(r.ctx, backoff, func(ctx context.Context) error {
		attempt++

		release, err := r.slots.Acquire(ctx)
		if err != nil {
			return err
		}

		err = func() error {
			defer release()

			return fn()
		}()
		if err == nil || !IsRetriable(err) {
			return err
		}

		r.logger.Debug("retriable fs error", "op", op, "path", path, "attempt", attempt, "err", err)

		return retry.RetryableError(err)
	})
}

func (r *retrier) doSync(op, path string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsRetriable(err) || !time.Now().Before(r.deadline) {
			return err
		}

		r.logger.Debug("retriable fs error", "op", op, "path", path, "attempt", attempt, "err", err)
	}
}
