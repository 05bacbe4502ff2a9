package pricedata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
	"github.com/eddiefleurent/nifty_backtester/internal/retry"
)

// flakyProvider fails the first n DayData calls with a connection error.
type flakyProvider struct {
	*MemoryProvider
	failures int
}

func (f *flakyProvider) DayData(ctx context.Context, inst models.Instrument, date time.Time) ([]models.Candle, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("read tcp 127.0.0.1:9000: connection reset by peer")
	}
	return f.MemoryProvider.DayData(ctx, inst, date)
}

var fastRetry = retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func TestRetryingProvider_RecoversFromTransientErrors(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, IST())
	flaky := &flakyProvider{
		MemoryProvider: NewMemoryProvider().Add(weekATMCE, minuteBars(day, "09:15", 5, 100)...),
		failures:       2,
	}
	p := NewRetryingProvider(flaky, fastRetry, nil)

	candles, err := p.DayData(context.Background(), weekATMCE, day)
	require.NoError(t, err)
	assert.Len(t, candles, 5)
	assert.Zero(t, flaky.failures)
}

func TestRetryingProvider_NoDataIsImmediate(t *testing.T) {
	mem := NewMemoryProvider()
	p := NewRetryingProvider(mem, fastRetry, nil)

	_, err := p.DayData(context.Background(), weekATMCE, time.Date(2024, 1, 2, 0, 0, 0, 0, IST()))
	assert.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, 1, mem.Calls())

	_, _, err = p.DateRange(context.Background(), models.ExpiryWeek)
	assert.ErrorIs(t, err, ErrNoData)
}
