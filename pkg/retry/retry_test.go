package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), &Config{MaxRetries: 3, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), &Config{MaxRetries: 5, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.Attempts)
}

func TestDo_MaxRetriesExceeded(t *testing.T) {
	boom := errors.New("boom")
	result := Do(context.Background(), &Config{MaxRetries: 2, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		return boom
	})

	assert.ErrorIs(t, result.Err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, boom, result.LastError)
}

func TestDo_PermanentErrorStopsRetries(t *testing.T) {
	calls := 0
	boom := errors.New("bad payload")
	result := Do(context.Background(), &Config{MaxRetries: 5, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return Permanent(boom)
	})

	assert.Equal(t, boom, result.Err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Do(ctx, DefaultConfig(), func(ctx context.Context) error {
		return errors.New("never retried")
	})

	assert.ErrorIs(t, result.Err, ErrContextCanceled)
}

func TestInterval_TruncatedExponential(t *testing.T) {
	r := New(&Config{
		MaxRetries:      10,
		InitialInterval: time.Second,
		MaxInterval:     8 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0,
	})

	assert.Equal(t, time.Second, r.Interval(0))
	assert.Equal(t, 2*time.Second, r.Interval(1))
	assert.Equal(t, 4*time.Second, r.Interval(2))
	// Truncated at the cap from here on.
	assert.Equal(t, 8*time.Second, r.Interval(3))
	assert.Equal(t, 8*time.Second, r.Interval(9))
}

func TestInterval_JitterBounds(t *testing.T) {
	r := New(&Config{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		JitterFactor:    0.5,
	})

	for i := 0; i < 100; i++ {
		got := r.Interval(1) // base 2s, jitter ±1s
		assert.GreaterOrEqual(t, got, time.Second)
		assert.LessOrEqual(t, got, 3*time.Second)
	}
}
