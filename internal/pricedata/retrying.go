package pricedata

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
	"github.com/eddiefleurent/nifty_backtester/internal/retry"
)

// RetryingProvider re-issues calls that fail with transient errors, such as
// a dropped connection to a remote candle store. ErrNoData is returned
// immediately.
type RetryingProvider struct {
	provider Provider
	retrier  *retry.Retrier
}

func NewRetryingProvider(p Provider, cfg retry.Config, logger logrus.FieldLogger) *RetryingProvider {
	return &RetryingProvider{provider: p, retrier: retry.New(cfg, logger)}
}

func (r *RetryingProvider) DayData(ctx context.Context, inst models.Instrument, date time.Time) ([]models.Candle, error) {
	return retry.Do(ctx, r.retrier, "day data "+inst.Key(), func(ctx context.Context) ([]models.Candle, error) {
		return r.provider.DayData(ctx, inst, date)
	})
}

func (r *RetryingProvider) TradingDays(ctx context.Context, expiry models.ExpiryClass, start, end time.Time) ([]time.Time, error) {
	return retry.Do(ctx, r.retrier, "trading days", func(ctx context.Context) ([]time.Time, error) {
		return r.provider.TradingDays(ctx, expiry, start, end)
	})
}

func (r *RetryingProvider) DateRange(ctx context.Context, expiry models.ExpiryClass) (time.Time, time.Time, error) {
	dr, err := retry.Do(ctx, r.retrier, "date range", func(ctx context.Context) (dateRange, error) {
		first, last, err := r.provider.DateRange(ctx, expiry)
		return dateRange{first, last}, err
	})
	return dr.first, dr.last, err
}

var _ Provider = (*RetryingProvider)(nil)
