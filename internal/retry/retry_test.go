package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetrier(cfg Config) (*Retrier, *[]time.Duration) {
	r := New(cfg, nil)
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	r, slept := testRetrier(Config{MaxRetries: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: time.Second})
	calls := 0
	v, err := Do(context.Background(), r, "load", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("read tcp: connection reset by peer")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
	require.Len(t, *slept, 2)
	assert.Equal(t, 10*time.Millisecond, (*slept)[0])
	assert.GreaterOrEqual(t, (*slept)[1], 15*time.Millisecond, "backoff grows by 1.5x")
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	r, slept := testRetrier(DefaultConfig)
	permanent := errors.New("no data for series")
	calls := 0
	_, err := Do(context.Background(), r, "load", func(context.Context) (string, error) {
		calls++
		return "", permanent
	})
	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDo_GivesUp(t *testing.T) {
	r, _ := testRetrier(Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	transient := errors.New("503 service unavailable")
	calls := 0
	_, err := Do(context.Background(), r, "load", func(context.Context) (int, error) {
		calls++
		return 0, transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestDo_Canceled(t *testing.T) {
	r, _ := testRetrier(DefaultConfig)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, r, "load", func(context.Context) (int, error) {
		t.Fatal("fn must not run on a canceled context")
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextBackoffIsCapped(t *testing.T) {
	r := New(Config{MaxBackoff: 100 * time.Millisecond}, nil)
	for i := 0; i < 10; i++ {
		b := r.nextBackoff(90 * time.Millisecond)
		assert.GreaterOrEqual(t, b, 100*time.Millisecond)
		assert.Less(t, b, 125*time.Millisecond)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp 10.0.0.1:9000: connection refused"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("code: 60, message: Table market.option_candles doesn't exist"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
