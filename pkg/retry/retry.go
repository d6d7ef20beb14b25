package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted marks an operation that timed out on every attempt.
var ErrExhausted = errors.New("retries exhausted")

// Do runs op up to attempts times, giving each attempt its own timeout
// window. A timed-out attempt is retried with the same request; any other
// error aborts immediately. Exhausting every attempt returns an error
// wrapping ErrExhausted so callers can decide fatal versus skip.
func Do[T any](ctx context.Context, timeout time.Duration, attempts int, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		v, err := op(attemptCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempts, lastErr)
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, timeout time.Duration, attempts int, op func(ctx context.Context) error) error {
	_, err := Do(ctx, timeout, attempts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
