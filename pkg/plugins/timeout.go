package plugins

import (
	"context"
	"fmt"
	"time"
)

type outcome[T any] struct {
	value T
	err   error
}

// withTimeout races fn against a timer. When the timer wins the result of fn
// is discarded; fn keeps running in the background with a context that is
// cancelled at the deadline. A non-positive d disables the ceiling.
func withTimeout[T any](ctx context.Context, d time.Duration, what string, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)

	done := make(chan outcome[T], 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome[T]{value: zero, err: fmt.Errorf("panic in %s: %v", what, r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome[T]{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.value, o.err
	case <-timer.C:
		var zero T
		return zero, fmt.Errorf("%w: %s after %v", ErrTimeout, what, d)
	}
}
