package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallWithRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	v, err := CallWithRetry(context.Background(), func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	}, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, attempts)
}

func TestCallWithRetryExhausted(t *testing.T) {
	sentinel := errors.New("down")
	_, err := CallWithRetry(context.Background(), func() (int, error) {
		return 0, sentinel
	}, 2, time.Millisecond)
	assert.ErrorIs(t, err, sentinel)
}

func TestCallWithRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CallWithRetry(ctx, func() (int, error) {
		return 0, errors.New("always fails")
	}, 3, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
