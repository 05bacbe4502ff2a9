// Package mock generates deterministic synthetic NIFTY option premium
// series for demos and tests.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
	"github.com/eddiefleurent/nifty_backtester/internal/pricedata"
	"github.com/eddiefleurent/nifty_backtester/internal/util"
)

const (
	minutesPerSession = 375 // 09:15 to 15:29
	sessionOpen       = 9*time.Hour + 15*time.Minute
	defaultSpot       = 22000.0
)

// DataProvider prices every strike from one random-walk index path per
// day. The same seed and date always yield the same candles, no matter
// the call order.
type DataProvider struct {
	seed  uint64
	first time.Time
	last  time.Time
	base  float64
	loc   *time.Location

	mu   sync.RWMutex
	gaps map[string]bool
}

// NewDataProvider covers the weekdays in [first, last].
func NewDataProvider(seed uint64, first, last time.Time) *DataProvider {
	loc := pricedata.IST()
	return &DataProvider{
		seed:  seed,
		first: pricedata.DayOf(first, loc),
		last:  pricedata.DayOf(last, loc),
		base:  defaultSpot,
		loc:   loc,
		gaps:  make(map[string]bool),
	}
}

// WithGap makes DayData fail with ErrNoData for inst on date.
func (m *DataProvider) WithGap(inst models.Instrument, date time.Time) *DataProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps[gapKey(inst, pricedata.DayOf(date, m.loc))] = true
	return m
}

func gapKey(inst models.Instrument, day time.Time) string {
	return inst.Key() + "@" + day.Format(models.DateLayout)
}

func (m *DataProvider) isTradingDay(day time.Time) bool {
	if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		return false
	}
	return !day.Before(m.first) && !day.After(m.last)
}

// dayPath returns the index level at the open and after each minute, and
// the day's volatility.
func (m *DataProvider) dayPath(day time.Time) ([]float64, float64) {
	rng := rand.New(rand.NewPCG(m.seed, uint64(day.Unix())))
	vol := 0.11 + 0.06*rng.Float64()
	spot := m.base * (1 + 0.03*rng.NormFloat64())
	minuteSD := vol / math.Sqrt(252*minutesPerSession)

	path := make([]float64, minutesPerSession+1)
	path[0] = spot
	for i := 1; i <= minutesPerSession; i++ {
		spot *= 1 + minuteSD*rng.NormFloat64()
		path[i] = spot
	}
	return path, vol
}

// daysToExpiry counts calendar days to the weekly Thursday or month end,
// including the expiry day itself.
func daysToExpiry(day time.Time, expiry models.ExpiryClass) float64 {
	if expiry == models.ExpiryMonth {
		monthEnd := time.Date(day.Year(), day.Month()+1, 0, 0, 0, 0, 0, day.Location())
		return float64(monthEnd.Day()-day.Day()) + 1
	}
	return float64((int(time.Thursday)-int(day.Weekday())+7)%7) + 1
}

func premium(spot, strike, years, vol float64, typ models.OptionType) float64 {
	intrinsic := math.Max(0, spot-strike)
	if typ == models.OptionPE {
		intrinsic = math.Max(0, strike-spot)
	}
	sd := vol * math.Sqrt(math.Max(years, 1e-6)) * spot
	timeValue := 0.4 * sd * math.Exp(-math.Abs(spot-strike)/(sd+1))
	return math.Max(util.OptionTick, intrinsic+timeValue)
}

func instrumentSeed(inst models.Instrument) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(inst.Key()))
	return h.Sum64()
}

// DayData returns 375 one-minute candles for inst on date.
func (m *DataProvider) DayData(ctx context.Context, inst models.Instrument, date time.Time) ([]models.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	day := pricedata.DayOf(date, m.loc)
	m.mu.RLock()
	gap := m.gaps[gapKey(inst, day)]
	m.mu.RUnlock()
	if gap || !m.isTradingDay(day) {
		return nil, fmt.Errorf("%s on %s: %w", inst.Key(), day.Format(models.DateLayout), pricedata.ErrNoData)
	}

	path, vol := m.dayPath(day)
	strike := util.ATMStrike(path[0]) + float64(inst.Offset())*util.StrikeStep
	dte := daysToExpiry(day, inst.Expiry)
	rng := rand.New(rand.NewPCG(m.seed^instrumentSeed(inst), uint64(day.Unix())))

	candles := make([]models.Candle, 0, minutesPerSession)
	open := day.Add(sessionOpen)
	for i := 0; i < minutesPerSession; i++ {
		yearsOpen := (dte - float64(i)/minutesPerSession) / 365
		yearsClose := (dte - float64(i+1)/minutesPerSession) / 365
		o := premium(path[i], strike, yearsOpen, vol, inst.OptionType)
		c := premium(path[i+1], strike, yearsClose, vol, inst.OptionType)
		up := math.Abs(rng.NormFloat64()) * 0.004 * math.Max(o, c)
		down := math.Abs(rng.NormFloat64()) * 0.004 * math.Min(o, c)

		candles = append(candles, models.Candle{
			Time:        open.Add(time.Duration(i) * time.Minute),
			Open:        util.RoundToTick(o, util.OptionTick),
			High:        util.RoundToTick(math.Max(o, c)+up, util.OptionTick),
			Low:         math.Max(util.OptionTick, util.RoundToTick(math.Min(o, c)-down, util.OptionTick)),
			Close:       util.RoundToTick(c, util.OptionTick),
			Volume:      float64(rng.IntN(5000)+100) * models.DefaultLotSize,
			Spot:        math.Round(path[i+1]*100) / 100,
			StrikePrice: strike,
		})
	}
	return candles, nil
}

// TradingDays returns the weekdays of [start, end] inside the covered range.
func (m *DataProvider) TradingDays(ctx context.Context, _ models.ExpiryClass, start, end time.Time) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var days []time.Time
	for d := pricedata.DayOf(start, m.loc); !d.After(pricedata.DayOf(end, m.loc)); d = d.AddDate(0, 0, 1) {
		if m.isTradingDay(d) {
			days = append(days, d)
		}
	}
	return days, nil
}

// DateRange returns the configured coverage.
func (m *DataProvider) DateRange(_ context.Context, _ models.ExpiryClass) (time.Time, time.Time, error) {
	return m.first, m.last, nil
}

var _ pricedata.Provider = (*DataProvider)(nil)
