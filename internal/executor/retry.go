// Package executor wraps remote calls in retry-with-backoff and timeout
// policies.
//
// Only transport-class failures are retried. Errors are classified by the
// rpcerr.Kind attached where they were raised; untagged errors from the
// standard library (net.Error, syscall errno values, context deadlines) are
// classified structurally. Everything else, including local rate-limit
// denials and remote application rejections, propagates on first
// occurrence and unchanged.
package executor

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"syscall"
	"time"

	"defi-portal/go-client/internal/rpcerr"
)

const (
	DefaultMaxRetries        = 3
	DefaultInitialDelay      = time.Second
	DefaultMaxDelay          = 10 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// Policy configures Retry. The zero value of a field selects its default.
type Policy struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// RetryableKinds extends the built-in transport kinds.
	RetryableKinds []rpcerr.Kind
	// OnRetry runs before each backoff sleep with the attempt that failed.
	OnRetry func(attempt int, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        DefaultMaxRetries,
		InitialDelay:      DefaultInitialDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based):
// min(InitialDelay * BackoffMultiplier^(attempt-1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retryable reports whether err may be retried under p.
func (p Policy) Retryable(err error) bool {
	kind := Classify(err)
	switch kind {
	case rpcerr.KindRateLimit, rpcerr.KindApplication:
		return false
	}
	if kind.Transport() {
		return true
	}
	for _, k := range p.RetryableKinds {
		if k == kind && k != rpcerr.KindUnknown {
			return true
		}
	}
	return false
}

// Classify returns the kind of err, inferring transport kinds for untagged
// standard library errors.
func Classify(err error) rpcerr.Kind {
	if err == nil {
		return rpcerr.KindUnknown
	}
	if kind := rpcerr.KindOf(err); kind != rpcerr.KindUnknown {
		return kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return rpcerr.KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.EPIPE):
		return rpcerr.KindConnection
	case errors.Is(err, io.ErrUnexpectedEOF):
		return rpcerr.KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return rpcerr.KindTimeout
		}
		return rpcerr.KindNetwork
	}
	return rpcerr.KindUnknown
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or
// the policy's attempts are used up. The last error is returned unchanged.
func Retry[T any](ctx context.Context, fn func(context.Context) (T, error), policy Policy) (T, error) {
	policy = policy.withDefaults()
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= policy.MaxRetries || !policy.Retryable(err) {
			return zero, err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}
		if serr := sleep(ctx, policy.Delay(attempt)); serr != nil {
			return zero, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
