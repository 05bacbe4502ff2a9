package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// dayRun is the per-day simulation state shared by both engine kinds.
type dayRun struct {
	strat  *models.Strategy
	slip   float64
	series map[string]series
	// latest holds each leg's most recent candle at or before the clock.
	latest map[string]models.Candle
}

func (e *Engine) runDay(ctx context.Context, strat *models.Strategy, day time.Time, req RunRequest) ([]models.Trade, error) {
	legSeries, err := e.loadDay(ctx, strat, day)
	if err != nil {
		return nil, err
	}

	d := &dayRun{
		strat:  strat,
		slip:   req.SlippagePct,
		series: legSeries,
		latest: make(map[string]models.Candle, len(legSeries)),
	}
	for _, ts := range unionClock(legSeries) {
		done, err := d.step(ts)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	if err := d.closeDay(day); err != nil {
		return nil, err
	}
	return collectTrades(strat, day, req.BrokeragePerLot)
}

// loadDay loads one series per configured leg. Legs without data are left
// out of the day.
func (e *Engine) loadDay(ctx context.Context, strat *models.Strategy, day time.Time) (map[string]series, error) {
	out := make(map[string]series)
	for _, lc := range strat.Config().Legs {
		candles, err := e.provider.DayData(ctx, lc.Instrument, day)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil || len(candles) == 0 {
			e.logger.WithFields(logrus.Fields{
				"date":  day.Format(models.DateLayout),
				"leg":   lc.ID,
				"error": err,
			}).Debug("Leg has no data for day")
			continue
		}
		out[lc.ID] = e.newSeries(candles)
	}
	return out, nil
}

// step processes one clock timestamp and reports whether the day is over.
func (d *dayRun) step(ts time.Time) (bool, error) {
	s := d.strat
	intraday := s.Mode() == models.ModeIntraday

	candles := make(map[string]models.Candle, len(d.series))
	for id, ser := range d.series {
		if c, ok := ser.At(ts); ok {
			candles[id] = c
			d.latest[id] = c
		}
	}

	if s.ShouldEnter(ts) {
		if _, err := s.EnterAllLegs(candles, d.slip); err != nil {
			return false, err
		}
	}
	if s.EnteredToday() {
		if _, err := s.EnterReentries(candles, ts, d.slip); err != nil {
			return false, err
		}
	}

	if s.Mode() == models.ModeBTST && s.HasPending() && s.ShouldExitTime(ts) {
		if err := s.ExitPendingLegs(d.latest, models.ExitTime, d.slip); err != nil {
			return false, err
		}
		s.ClearPendingExit()
	}

	if !s.HasActive() {
		return intraday && s.EnteredToday() && !s.HasReentryDue(ts), nil
	}

	s.MarkLegs(candles)

	if s.CheckStrategySL() {
		if err := s.ExitAllLegs(d.latest, models.ExitStrategySL, d.slip); err != nil {
			return false, err
		}
		return intraday, nil
	}
	if s.CheckStrategyTarget() {
		if err := s.ExitAllLegs(d.latest, models.ExitStrategyTarget, d.slip); err != nil {
			return false, err
		}
		return intraday, nil
	}
	if intraday && s.ShouldExitTime(ts) {
		if err := s.ExitAllLegs(d.latest, models.ExitTime, d.slip); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := s.UpdateLegs(candles, d.slip); err != nil {
		return false, err
	}
	return intraday && !s.HasActive() && !s.HasReentryDue(ts), nil
}

// closeDay runs when the clock is exhausted. Intraday legs still open are
// exited at each leg's own last candle of the day. Carried BTST legs that
// never reached the exit time are closed the same way, so at most two
// lifecycles overlap.
func (d *dayRun) closeDay(day time.Time) error {
	s := d.strat
	last := make(map[string]models.Candle, len(d.series))
	for id, ser := range d.series {
		last[id] = ser.Last()
	}
	switch s.Mode() {
	case models.ModeIntraday:
		if !s.HasActive() {
			return nil
		}
		return s.ExitAllLegs(last, models.ExitEOD, d.slip)
	case models.ModeBTST:
		if !s.HasPending() {
			return nil
		}
		if err := s.ExitPendingLegs(last, models.ExitTime, d.slip); err != nil {
			return err
		}
		// a carried leg with no candle at all today exits at its last mark
		at := day.Add(time.Duration(s.Config().ExitTime) * time.Second)
		return s.ExitPendingAtMark(at, models.ExitTime, d.slip)
	}
	return nil
}

func collectTrades(strat *models.Strategy, day time.Time, brokeragePerLot float64) ([]models.Trade, error) {
	closed := strat.DrainClosed()
	if len(closed) == 0 {
		return nil, nil
	}
	underlying := strat.Config().Underlying
	trades := make([]models.Trade, 0, len(closed))
	for _, leg := range closed {
		t, err := models.NewTrade(leg, day, underlying, brokeragePerLot)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}
