package pricedata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// MemoryProvider serves candles held in memory. The calendar of an expiry
// class is the union of the dates of all its series.
type MemoryProvider struct {
	mu      sync.RWMutex
	series  map[string][]models.Candle
	errs    map[string]error
	session Session
	calls   atomic.Int64
}

// NewMemoryProvider returns an empty provider clipped to DefaultSession.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		series:  make(map[string][]models.Candle),
		errs:    make(map[string]error),
		session: DefaultSession,
	}
}

// Add appends candles to the series of inst.
func (m *MemoryProvider) Add(inst models.Instrument, candles ...models.Candle) *MemoryProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := append(m.series[inst.Key()], candles...)
	sort.SliceStable(s, func(i, j int) bool { return s[i].Time.Before(s[j].Time) })
	m.series[inst.Key()] = s
	return m
}

// FailOn makes DayData return err for inst on date.
func (m *MemoryProvider) FailOn(inst models.Instrument, date time.Time, err error) *MemoryProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[inst.Key()+"@"+date.Format(models.DateLayout)] = err
	return m
}

// Calls returns how many DayData calls were served.
func (m *MemoryProvider) Calls() int { return int(m.calls.Load()) }

func (m *MemoryProvider) DayData(ctx context.Context, inst models.Instrument, date time.Time) ([]models.Candle, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.errs[inst.Key()+"@"+date.Format(models.DateLayout)]; ok {
		return nil, err
	}
	out := sliceDay(m.series[inst.Key()], date, m.session)
	if len(out) == 0 {
		return nil, fmt.Errorf("%s on %s: %w", inst.Key(), date.Format(models.DateLayout), ErrNoData)
	}
	return out, nil
}

func (m *MemoryProvider) TradingDays(ctx context.Context, expiry models.ExpiryClass, start, end time.Time) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]time.Time)
	for key, s := range m.series {
		if !strings.HasPrefix(key, string(expiry)+"/") {
			continue
		}
		for _, d := range distinctDays(s, start, end) {
			seen[d.Format(models.DateLayout)] = d
		}
	}
	days := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func (m *MemoryProvider) DateRange(ctx context.Context, expiry models.ExpiryClass) (time.Time, time.Time, error) {
	days, err := m.TradingDays(ctx, expiry, time.Time{}, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if len(days) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("%s: %w", expiry, ErrNoData)
	}
	return days[0], days[len(days)-1], nil
}

var _ Provider = (*MemoryProvider)(nil)
