package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func straddle(mode Mode) StrategyConfig {
	ce := legCfg(ActionSell, withSL(PointsOf(30)), withTarget(PointsOf(20)))
	ce.ID = "CE"
	pe := legCfg(ActionSell, withSL(PointsOf(30)), withTarget(PointsOf(20)))
	pe.ID = "PE"
	pe.Instrument.OptionType = OptionPE
	return StrategyConfig{
		Name:         "short straddle",
		Mode:         mode,
		EntryTime:    MustParseClock("09:20"),
		NoEntryAfter: MustParseClock("14:30"),
		ExitTime:     MustParseClock("15:15"),
		Legs:         []LegConfig{ce, pe},
	}
}

func both(hhmm string, ce, pe float64) map[string]Candle {
	t := at(hhmm)
	return map[string]Candle{
		"CE": bar(t, ce, ce, ce, ce),
		"PE": bar(t, pe, pe, pe, pe),
	}
}

func TestStrategy_ShouldEnter(t *testing.T) {
	s := NewStrategy(straddle(ModeIntraday), 50)

	assert.False(t, s.ShouldEnter(at("09:19")))
	assert.True(t, s.ShouldEnter(at("09:20")))
	assert.True(t, s.ShouldEnter(at("14:30")))
	assert.False(t, s.ShouldEnter(at("14:31")))

	_, err := s.EnterAllLegs(both("09:20", 100, 100), 0)
	require.NoError(t, err)
	assert.False(t, s.ShouldEnter(at("09:21")), "already entered today")

	s.BeginDay()
	s.Deactivate()
	assert.False(t, s.ShouldEnter(at("09:30")), "inactive strategy")
}

func TestStrategy_ShouldExitTime(t *testing.T) {
	intraday := NewStrategy(straddle(ModeIntraday), 50)
	assert.False(t, intraday.ShouldExitTime(at("15:14")))
	assert.True(t, intraday.ShouldExitTime(at("15:15")))

	positional := NewStrategy(straddle(ModePositional), 50)
	assert.False(t, positional.ShouldExitTime(at("15:29")))

	btst := NewStrategy(straddle(ModeBTST), 50)
	_, err := btst.EnterAllLegs(both("09:20", 100, 100), 0)
	require.NoError(t, err)
	assert.False(t, btst.ShouldExitTime(at("15:20")), "same-day legs never time out")

	btst.BeginDay()
	assert.Len(t, btst.PendingLegs(), 2)
	assert.False(t, btst.ShouldExitTime(at("15:14")))
	assert.True(t, btst.ShouldExitTime(at("15:15")))
}

func TestStrategy_EnterAllLegsPartial(t *testing.T) {
	s := NewStrategy(straddle(ModeIntraday), 50)

	n, err := s.EnterAllLegs(map[string]Candle{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, s.EnteredToday())

	n, err = s.EnterAllLegs(map[string]Candle{"CE": bar(at("09:20"), 100, 100, 100, 100)}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, s.EnteredToday())
	assert.Len(t, s.ActiveLegs(), 1)
}

func TestStrategy_CombinedPnLLimits(t *testing.T) {
	cfg := straddle(ModeIntraday)
	maxLoss, maxProfit := 2000.0, 1000.0
	cfg.MaxLoss = &maxLoss
	cfg.MaxProfit = &maxProfit

	s := NewStrategy(cfg, 50)
	_, err := s.EnterAllLegs(both("09:20", 100, 100), 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.TotalPnL())

	s.MarkLegs(both("09:21", 130, 95))
	// CE -30*50, PE +5*50
	assert.InDelta(t, -1250, s.TotalPnL(), 1e-9)
	assert.False(t, s.CheckStrategySL())

	s.MarkLegs(both("09:22", 150, 105))
	assert.InDelta(t, -2750, s.TotalPnL(), 1e-9)
	assert.True(t, s.CheckStrategySL())

	s.MarkLegs(both("09:23", 85, 90))
	assert.InDelta(t, 1250, s.TotalPnL(), 1e-9)
	assert.True(t, s.CheckStrategyTarget())

	require.NoError(t, s.ExitAllLegs(both("09:23", 85, 90), ExitStrategyTarget, 0))
	assert.False(t, s.HasActive())
	assert.True(t, s.ExitedToday())
	assert.InDelta(t, 1250, s.TotalPnL(), 1e-9, "realized P&L replaces unrealized")
	assert.InDelta(t, 1250, s.RealizedPnL(), 1e-9)
}

func TestStrategy_UpdateLegsExitPrices(t *testing.T) {
	s := NewStrategy(straddle(ModeIntraday), 50)
	_, err := s.EnterAllLegs(both("09:20", 100, 100), 0)
	require.NoError(t, err)

	candles := map[string]Candle{
		"CE": bar(at("09:21"), 110, 140, 105, 120), // stop at 130
		"PE": bar(at("09:21"), 90, 92, 75, 78),     // target at 80
	}
	require.NoError(t, s.UpdateLegs(candles, 0))

	closed := s.DrainClosed()
	require.Len(t, closed, 2)
	assert.Equal(t, ExitSL, closed[0].ExitReason())
	assert.Equal(t, 130.0, closed[0].ExitPrice())
	assert.Equal(t, ExitTarget, closed[1].ExitReason())
	assert.Equal(t, 80.0, closed[1].ExitPrice())
	assert.Empty(t, s.DrainClosed(), "closed legs are drained once")
}

func TestStrategy_BTSTCarryOver(t *testing.T) {
	s := NewStrategy(straddle(ModeBTST), 50)
	_, err := s.EnterAllLegs(both("09:20", 100, 100), 0)
	require.NoError(t, err)
	carried := s.Legs()

	s.BeginDay()
	assert.Equal(t, carried, s.PendingLegs())
	for _, l := range s.Legs() {
		assert.Equal(t, LegCreated, l.State(), "new day starts with fresh legs")
	}
	assert.True(t, s.ShouldEnter(at("09:20")))

	_, err = s.EnterAllLegs(both("09:20", 90, 90), 0)
	require.NoError(t, err)

	// only the CE carried leg has a candle at exit time
	require.NoError(t, s.ExitPendingLegs(map[string]Candle{"CE": bar(at("15:15"), 95, 95, 95, 95)}, ExitTime, 0))
	s.ClearPendingExit()
	require.Len(t, s.PendingLegs(), 1)
	assert.Equal(t, "PE", s.PendingLegs()[0].ID())
	assert.Len(t, s.ActiveLegs(), 2, "today's entry is untouched")

	closed := s.DrainClosed()
	require.Len(t, closed, 1)
	assert.Equal(t, carried[0], closed[0])
}

func TestStrategy_ExitPendingAtMark(t *testing.T) {
	s := NewStrategy(straddle(ModeBTST), 50)
	_, err := s.EnterAllLegs(both("09:20", 100, 100), 0)
	require.NoError(t, err)
	s.MarkLegs(both("09:30", 104, 97))
	s.BeginDay()
	require.Len(t, s.PendingLegs(), 2)

	require.NoError(t, s.ExitPendingAtMark(at("15:15"), ExitTime, 0))
	assert.Empty(t, s.PendingLegs())

	closed := s.DrainClosed()
	require.Len(t, closed, 2)
	assert.Equal(t, 104.0, closed[0].ExitPrice())
	assert.Equal(t, 97.0, closed[1].ExitPrice())
	assert.Equal(t, ExitTime, closed[0].ExitReason())

	s.BeginDay()
	assert.Empty(t, s.PendingLegs(), "fresh legs were never entered")
}

func TestStrategy_IntradayBeginDayDiscardsLegs(t *testing.T) {
	s := NewStrategy(straddle(ModeIntraday), 50)
	_, err := s.EnterAllLegs(both("09:20", 100, 100), 0)
	require.NoError(t, err)
	old := s.Legs()

	s.BeginDay()
	assert.Empty(t, s.PendingLegs())
	for i, l := range s.Legs() {
		assert.NotSame(t, old[i], l)
		assert.Equal(t, LegCreated, l.State())
	}
}

func TestStrategy_PositionalKeepsLegs(t *testing.T) {
	s := NewStrategy(straddle(ModePositional), 50)
	_, err := s.EnterAllLegs(both("09:20", 100, 100), 0)
	require.NoError(t, err)
	held := s.Legs()

	s.BeginDay()
	assert.Equal(t, held, s.Legs())
	assert.False(t, s.EnteredToday())

	n, err := s.EnterAllLegs(both("09:20", 100, 100), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, s.EnteredToday(), "held legs do not count as a new entry")

	require.NoError(t, s.ExitAllLegs(both("10:00", 90, 90), ExitStrategyTarget, 0))
	s.BeginDay()
	for _, l := range s.Legs() {
		assert.Equal(t, LegCreated, l.State(), "a fully closed position starts a new cycle")
	}
}

func TestStrategy_Reentry(t *testing.T) {
	cfg := straddle(ModeIntraday)
	cfg.ReentryOnSL = 1
	s := NewStrategy(cfg, 50)
	_, err := s.EnterAllLegs(both("09:20", 100, 100), 0)
	require.NoError(t, err)

	hit := map[string]Candle{"CE": bar(at("09:21"), 120, 135, 118, 125)}
	require.NoError(t, s.UpdateLegs(hit, 0))
	require.Len(t, s.Legs(), 3)
	assert.True(t, s.HasReentryDue(at("09:22")))
	assert.False(t, s.HasReentryDue(at("14:31")))

	n, err := s.EnterReentries(map[string]Candle{"CE": bar(at("09:22"), 126, 126, 126, 126)}, at("09:22"), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 126.0, s.Legs()[2].EntryPrice())

	// allowance used up: a second stop does not queue another leg
	require.NoError(t, s.UpdateLegs(map[string]Candle{"CE": bar(at("09:23"), 150, 160, 150, 160)}, 0))
	assert.Len(t, s.Legs(), 3)
	assert.False(t, s.HasReentryDue(at("09:24")))
}

func TestStrategyConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*StrategyConfig)
		wantErr bool
	}{
		{"valid", func(*StrategyConfig) {}, false},
		{"bad mode", func(c *StrategyConfig) { c.Mode = "SWING" }, true},
		{"window reversed", func(c *StrategyConfig) { c.NoEntryAfter = MustParseClock("09:00") }, true},
		{"exit before entry", func(c *StrategyConfig) { c.ExitTime = MustParseClock("09:00") }, true},
		{"no legs", func(c *StrategyConfig) { c.Legs = nil }, true},
		{"duplicate ids", func(c *StrategyConfig) { c.Legs[1].ID = "CE" }, true},
		{"negative reentry", func(c *StrategyConfig) { c.ReentryOnSL = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := straddle(ModeIntraday)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseStrikeOffset(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"ATM", 0, false},
		{"atm+3", 3, false},
		{"ATM-10", -10, false},
		{"ATM+0", 0, true},
		{"ATM+11", 0, true},
		{"ITM", 0, true},
		{"ATM+x", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrikeOffset(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSelector)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Instrument{Strike: FormatStrikeOffset(got)}.Offset())
		})
	}
}

func TestClock(t *testing.T) {
	c, err := ParseClock("09:20")
	require.NoError(t, err)
	assert.Equal(t, ClockTime(9*3600+20*60), c)
	assert.Equal(t, "09:20", c.String())
	assert.Equal(t, c, ClockOf(at("09:20")))

	_, err = ParseClock("9.20am")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	var parsed ClockTime
	require.NoError(t, parsed.UnmarshalText([]byte("15:15")))
	assert.Equal(t, MustParseClock("15:15"), parsed)
}
