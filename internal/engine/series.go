package engine

import (
	"sort"
	"time"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// series answers "the candle of this leg at timestamp ts". The two engine
// kinds differ only in how they answer it.
type series interface {
	At(ts time.Time) (models.Candle, bool)
	Times() []time.Time
	Last() models.Candle
}

type seriesFactory func(candles []models.Candle) series

// scanSeries filters the whole day on every lookup.
type scanSeries struct {
	candles []models.Candle
}

func newScanSeries(candles []models.Candle) series {
	return &scanSeries{candles: candles}
}

func (s *scanSeries) At(ts time.Time) (models.Candle, bool) {
	var (
		found models.Candle
		ok    bool
	)
	for _, c := range s.candles {
		if c.Time.Equal(ts) {
			found, ok = c, true
		}
	}
	return found, ok
}

func (s *scanSeries) Times() []time.Time {
	out := make([]time.Time, len(s.candles))
	for i, c := range s.candles {
		out[i] = c.Time
	}
	return out
}

func (s *scanSeries) Last() models.Candle { return s.candles[len(s.candles)-1] }

// indexedSeries resolves lookups through a timestamp to row index built once
// per day.
type indexedSeries struct {
	candles []models.Candle
	index   map[int64]int
}

func newIndexedSeries(candles []models.Candle) series {
	idx := make(map[int64]int, len(candles))
	for i, c := range candles {
		// last row wins on duplicate timestamps, matching the scan
		idx[c.Time.UnixNano()] = i
	}
	return &indexedSeries{candles: candles, index: idx}
}

func (s *indexedSeries) At(ts time.Time) (models.Candle, bool) {
	i, ok := s.index[ts.UnixNano()]
	if !ok {
		return models.Candle{}, false
	}
	return s.candles[i], true
}

func (s *indexedSeries) Times() []time.Time {
	out := make([]time.Time, len(s.candles))
	for i, c := range s.candles {
		out[i] = c.Time
	}
	return out
}

func (s *indexedSeries) Last() models.Candle { return s.candles[len(s.candles)-1] }

// unionClock merges the timestamps of every series into one sorted,
// de-duplicated clock.
func unionClock(all map[string]series) []time.Time {
	seen := make(map[int64]time.Time)
	for _, s := range all {
		for _, ts := range s.Times() {
			if _, ok := seen[ts.UnixNano()]; !ok {
				seen[ts.UnixNano()] = ts
			}
		}
	}
	clock := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		clock = append(clock, ts)
	}
	sort.Slice(clock, func(i, j int) bool { return clock[i].Before(clock[j]) })
	return clock
}
