package auth

import (
	"context"
	"time"
)

// TimedAwait runs op and returns its result if it settles within timeout.
// Otherwise it returns fallback and a nil error. op is not cancelled when the
// timeout elapses, its late result is dropped. A done ctx returns fallback
// together with ctx.Err().
func TimedAwait[T any](ctx context.Context, timeout time.Duration, fallback T, op func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		v, err := op(ctx)
		done <- result{value: v, err: err}
	}()

	if timeout <= 0 {
		select {
		case r := <-done:
			return r.value, r.err
		case <-ctx.Done():
			return fallback, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return fallback, nil
	case <-ctx.Done():
		return fallback, ctx.Err()
	}
}
