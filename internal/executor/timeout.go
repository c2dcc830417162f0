package executor

import (
	"context"
	"fmt"
	"time"

	"defi-portal/go-client/internal/rpcerr"
)

// TimeoutError reports that the caller stopped waiting. It is never retried.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error {
	return &rpcerr.Error{Kind: rpcerr.KindDeadline}
}

type outcome[T any] struct {
	value T
	err   error
}

// RetryWithTimeout races Retry against a timer. The timer abandons the wait
// only: the in-flight attempt keeps running with ctx and its result is
// dropped. Cancelling ctx itself still stops the retry loop.
func RetryWithTimeout[T any](ctx context.Context, fn func(context.Context) (T, error), timeout time.Duration, policy Policy) (T, error) {
	var zero T
	if timeout <= 0 {
		return Retry(ctx, fn, policy)
	}
	done := make(chan outcome[T], 1)
	go func() {
		v, err := Retry(ctx, fn, policy)
		done <- outcome[T]{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.value, res.err
	case <-timer.C:
		return zero, &TimeoutError{After: timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
