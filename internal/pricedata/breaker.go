package pricedata

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings suit a remote candle store.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// CircuitBreakerProvider stops calling a failing provider for a while.
// While open, every call fails with gobreaker.ErrOpenState, which the
// engine treats like any other missing data.
type CircuitBreakerProvider struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerProvider wraps p. ErrNoData and context cancellation
// do not count as failures.
func NewCircuitBreakerProvider(p Provider, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerProvider {
	gbSettings := gobreaker.Settings{
		Name:        "PriceDataCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoData) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger != nil {
				logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("circuit breaker state changed")
			}
		},
	}
	return &CircuitBreakerProvider{provider: p, breaker: gobreaker.NewCircuitBreaker(gbSettings)}
}

// State returns the breaker state.
func (c *CircuitBreakerProvider) State() gobreaker.State {
	return c.breaker.State()
}

// DayData wraps the underlying provider call with circuit breaker
func (c *CircuitBreakerProvider) DayData(ctx context.Context, inst models.Instrument, date time.Time) ([]models.Candle, error) {
	return execCircuitBreaker(c.breaker, func() ([]models.Candle, error) {
		return c.provider.DayData(ctx, inst, date)
	})
}

// TradingDays wraps the underlying provider call with circuit breaker
func (c *CircuitBreakerProvider) TradingDays(ctx context.Context, expiry models.ExpiryClass, start, end time.Time) ([]time.Time, error) {
	return execCircuitBreaker(c.breaker, func() ([]time.Time, error) {
		return c.provider.TradingDays(ctx, expiry, start, end)
	})
}

type dateRange struct{ first, last time.Time }

// DateRange wraps the underlying provider call with circuit breaker
func (c *CircuitBreakerProvider) DateRange(ctx context.Context, expiry models.ExpiryClass) (time.Time, time.Time, error) {
	r, err := execCircuitBreaker(c.breaker, func() (dateRange, error) {
		first, last, err := c.provider.DateRange(ctx, expiry)
		return dateRange{first, last}, err
	})
	return r.first, r.last, err
}

var _ Provider = (*CircuitBreakerProvider)(nil)
