package utils

import (
	"context"
	"fmt"
	"time"
)

// CallWithRetry calls a function up to maxAttempts times in total, waiting backoff after each failed attempt.
// If every attempt returns an error, it returns the zero value of T and the last error, wrapped.
// If ctx is done while waiting, it returns the zero value of T and ctx.Err().
func CallWithRetry[T any](ctx context.Context, fn func() (T, error), maxAttempts int, backoff time.Duration) (T, error) {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		t, err := fn()
		if err == nil {
			return t, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}
	var zero T
	return zero, fmt.Errorf("failed to call with retry: %w", lastErr)
}
