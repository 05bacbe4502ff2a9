// Package pricedata loads option premium series for the simulation engine.
package pricedata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// ErrNoData is returned when a series or calendar has no rows for the
// requested instrument and date.
var ErrNoData = errors.New("no price data")

// Provider is the contract the engine consumes. Implementations must be
// safe for concurrent use and must return candles sorted by time.
type Provider interface {
	// DayData returns the session candles of one instrument on one date.
	DayData(ctx context.Context, inst models.Instrument, date time.Time) ([]models.Candle, error)
	// TradingDays returns the sorted distinct dates in [start, end] that
	// have data for the expiry class.
	TradingDays(ctx context.Context, expiry models.ExpiryClass, start, end time.Time) ([]time.Time, error)
	// DateRange returns the first and last dates with data.
	DateRange(ctx context.Context, expiry models.ExpiryClass) (time.Time, time.Time, error)
}

// Session is the intraday window candles are clipped to, inclusive.
type Session struct {
	Start models.ClockTime
	End   models.ClockTime
}

// DefaultSession is the NSE cash session.
var DefaultSession = Session{
	Start: models.MustParseClock("09:15"),
	End:   models.MustParseClock("15:30"),
}

// Contains reports whether t falls inside the session.
func (s Session) Contains(t time.Time) bool {
	c := models.ClockOf(t)
	return c >= s.Start && c <= s.End
}

var (
	istOnce sync.Once
	istLoc  *time.Location
)

// IST returns the Asia/Kolkata location, or a fixed +05:30 zone when the
// tz database is unavailable.
func IST() *time.Location {
	istOnce.Do(func() {
		loc, err := time.LoadLocation("Asia/Kolkata")
		if err != nil {
			loc = time.FixedZone("IST", 5*60*60+30*60)
		}
		istLoc = loc
	})
	return istLoc
}

// DayOf truncates t to midnight in loc.
func DayOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// sliceDay returns the candles of a sorted series that fall on date (in
// the series location) and inside the session.
func sliceDay(series []models.Candle, date time.Time, session Session) []models.Candle {
	if len(series) == 0 {
		return nil
	}
	loc := series[0].Time.Location()
	day := DayOf(date, loc)
	next := day.AddDate(0, 0, 1)
	lo := sort.Search(len(series), func(i int) bool { return !series[i].Time.Before(day) })
	hi := sort.Search(len(series), func(i int) bool { return !series[i].Time.Before(next) })
	var out []models.Candle
	for _, c := range series[lo:hi] {
		if session.Contains(c.Time) {
			out = append(out, c)
		}
	}
	return out
}

// distinctDays returns the sorted distinct dates of a sorted series within
// [start, end].
func distinctDays(series []models.Candle, start, end time.Time) []time.Time {
	var days []time.Time
	for _, c := range series {
		d := DayOf(c.Time, c.Time.Location())
		if d.Before(DayOf(start, d.Location())) || d.After(DayOf(end, d.Location())) {
			continue
		}
		if n := len(days); n > 0 && sameDay(days[n-1], d) {
			continue
		}
		days = append(days, d)
	}
	return days
}
