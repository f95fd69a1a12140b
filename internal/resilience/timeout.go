package resilience

import (
	"context"
	"fmt"
	"time"
)

// TimeoutError reports an operation cancelled for exceeding its
// deadline, distinct from the operation's own failure modes.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.After)
}

// Timeout runs op under a hard deadline. On expiry the operation's
// context is cancelled so in-flight work (an outbound HTTP call, a
// stream read) is torn down rather than leaked, and a *TimeoutError is
// returned without waiting for op to observe the cancellation.
func Timeout(ctx context.Context, d time.Duration, op func(ctx context.Context) error) error {
	if d <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		cancel()
		return &TimeoutError{After: d}
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// WithResilience composes the three primitives around op: the timeout
// wraps the call, the breaker wraps the timeout, and the retry loop
// wraps the breaker. One slow call therefore consumes one timeout, one
// breaker failure, and is retried by the outer loop.
func WithResilience(ctx context.Context, reg *Registry, name string, timeout time.Duration, retry RetryConfig, op func(ctx context.Context) error) error {
	breaker := reg.Get(name)
	return Retry(ctx, retry, func(ctx context.Context) error {
		return breaker.Call(ctx, func(ctx context.Context) error {
			return Timeout(ctx, timeout, op)
		})
	})
}
