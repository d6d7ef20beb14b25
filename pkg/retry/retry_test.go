package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoReturnsFirstSuccess(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), time.Second, 3, func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTimeouts(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), time.Second, 3, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", context.DeadlineExceeded
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDoAbortsOnNonTimeoutError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := Do(context.Background(), time.Second, 3, func(ctx context.Context) (int, error) {
		calls++
		return 0, boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "a hard error must not be retried")
}

func TestDoExhaustionWrapsErrExhausted(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), time.Second, 3, func(ctx context.Context) (int, error) {
		calls++
		return 0, context.DeadlineExceeded
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, calls)
}

func TestDoStopsWhenParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, time.Second, 3, func(ctx context.Context) (int, error) {
		calls++
		return 0, context.DeadlineExceeded
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoNormalizesAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), time.Second, 0, func(ctx context.Context) (int, error) {
		calls++
		return 0, context.DeadlineExceeded
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVoid(t *testing.T) {
	calls := 0
	err := DoVoid(context.Background(), time.Second, 2, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
