package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayBoundsWithDefaults(t *testing.T) {
	// attempt 2 with 1s initial and 2x multiplier: 4000ms ± 10%
	for i := 0; i < 200; i++ {
		d := Delay(2, Options{})
		require.GreaterOrEqual(t, d, 3600*time.Millisecond)
		require.LessOrEqual(t, d, 4400*time.Millisecond)
	}

	// attempt 1: 2000ms ± 10%
	for i := 0; i < 200; i++ {
		d := Delay(1, Options{})
		require.GreaterOrEqual(t, d, 1800*time.Millisecond)
		require.LessOrEqual(t, d, 2200*time.Millisecond)
	}
}

func TestDelayFloorAndCap(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Delay(0, Options{InitialDelay: time.Millisecond, JitterFactor: 0.5})
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
	}

	d := Delay(20, Options{JitterFactor: -1})
	require.LessOrEqual(t, d, 33*time.Second)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result := Do(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection timeout")
		}
		return "ok", nil
	}, Options{InitialDelay: time.Millisecond})

	require.True(t, result.Success)
	require.Equal(t, "ok", result.Data)
	require.Equal(t, 2, result.RetryCount)
	require.Equal(t, 3, calls)
}

func TestDoNeverExceedsMaxAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), func(ctx context.Context) (struct{}, error) {
		calls++
		return struct{}{}, errors.New("network unreachable")
	}, Options{MaxRetries: 3, InitialDelay: time.Millisecond})

	require.False(t, result.Success)
	require.Equal(t, 4, calls) // maxRetries + 1
	require.Equal(t, 3, result.RetryCount)
	require.Error(t, result.Err)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	permanent := errors.New("invalid input")
	result := Do(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	}, Options{InitialDelay: time.Millisecond})

	require.False(t, result.Success)
	require.Equal(t, 1, calls)
	require.ErrorIs(t, result.Err, permanent)
}

func TestIsTemporaryClassification(t *testing.T) {
	require.True(t, IsTemporary(errors.New("fetch failed")))
	require.True(t, IsTemporary(errors.New("ECONNRESET while reading")))
	require.True(t, IsTemporary(&HTTPError{Status: 429}))
	require.True(t, IsTemporary(&HTTPError{Status: 408}))
	require.True(t, IsTemporary(&HTTPError{Status: 503}))
	require.True(t, IsTemporary(&HTTPError{Status: 500}))

	require.False(t, IsTemporary(nil))
	require.False(t, IsTemporary(&HTTPError{Status: 400}))
	require.False(t, IsTemporary(&HTTPError{Status: 403}))
	require.False(t, IsTemporary(errors.New("session not found")))
}

func TestValueUnwrapsResult(t *testing.T) {
	data, err := Do(context.Background(), func(ctx context.Context) (int, error) {
		return 7, nil
	}, Options{}).Value()
	require.NoError(t, err)
	require.Equal(t, 7, data)

	_, err = Do(context.Background(), func(ctx context.Context) (int, error) {
		return 0, errors.New("bad request")
	}, Options{InitialDelay: time.Millisecond}).Value()
	require.Error(t, err)
}
