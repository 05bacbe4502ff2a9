package pricedata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// seriesCache holds immutable candle slices by key. Concurrent misses on
// the same key share a single load.
type seriesCache struct {
	mu    sync.RWMutex
	items map[string][]models.Candle
	group singleflight.Group
}

func newSeriesCache() *seriesCache {
	return &seriesCache{items: make(map[string][]models.Candle)}
}

func (c *seriesCache) get(key string, load func() ([]models.Candle, error)) ([]models.Candle, error) {
	return c.getContext(context.Background(), key, func(context.Context) ([]models.Candle, error) {
		return load()
	})
}

// getContext waits for the shared load only as long as ctx is live. The load
// itself runs detached from any one caller's cancellation, so a caller that
// gives up never fails the others waiting on the same key.
func (c *seriesCache) getContext(ctx context.Context, key string, load func(context.Context) ([]models.Candle, error)) ([]models.Candle, error) {
	c.mu.RLock()
	v, ok := c.items[key]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		c.mu.RLock()
		v, ok := c.items[key]
		c.mu.RUnlock()
		if ok {
			return v, nil
		}
		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.items[key] = v
		c.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]models.Candle), nil
	}
}

func (c *seriesCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// CachedProvider memoizes day series and calendars of another provider.
// Failed loads are not cached. Returned slices are shared and must not be
// modified.
type CachedProvider struct {
	provider Provider
	days     *seriesCache
	mu       sync.RWMutex
	calendar map[string][]time.Time
}

// NewCachedProvider wraps p.
func NewCachedProvider(p Provider) *CachedProvider {
	return &CachedProvider{
		provider: p,
		days:     newSeriesCache(),
		calendar: make(map[string][]time.Time),
	}
}

// DayData returns the cached series for (instrument, date).
func (c *CachedProvider) DayData(ctx context.Context, inst models.Instrument, date time.Time) ([]models.Candle, error) {
	key := inst.Key() + "@" + date.Format(models.DateLayout)
	return c.days.getContext(ctx, key, func(ctx context.Context) ([]models.Candle, error) {
		return c.provider.DayData(ctx, inst, date)
	})
}

// TradingDays returns the cached calendar for the expiry class and range.
func (c *CachedProvider) TradingDays(ctx context.Context, expiry models.ExpiryClass, start, end time.Time) ([]time.Time, error) {
	key := fmt.Sprintf("%s@%s..%s", expiry, start.Format(models.DateLayout), end.Format(models.DateLayout))
	c.mu.RLock()
	days, ok := c.calendar[key]
	c.mu.RUnlock()
	if ok {
		return days, nil
	}
	days, err := c.provider.TradingDays(ctx, expiry, start, end)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.calendar[key] = days
	c.mu.Unlock()
	return days, nil
}

// DateRange is not cached; it is called once per command.
func (c *CachedProvider) DateRange(ctx context.Context, expiry models.ExpiryClass) (time.Time, time.Time, error) {
	return c.provider.DateRange(ctx, expiry)
}

// Len returns the number of cached day series.
func (c *CachedProvider) Len() int { return c.days.len() }

var _ Provider = (*CachedProvider)(nil)
