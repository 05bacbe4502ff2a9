package models

import (
	"fmt"
	"math"
	"time"
)

// Mode controls how positions carry across trading days.
type Mode string

const (
	// ModeIntraday opens and closes every position on the same day.
	ModeIntraday Mode = "INTRADAY"
	// ModeBTST carries a position into the next day and closes it at exit time.
	ModeBTST Mode = "BTST"
	// ModePositional holds legs until their own stop or target.
	ModePositional Mode = "POSITIONAL"
)

// StrategyConfig is the immutable intent for a multi-leg strategy.
type StrategyConfig struct {
	Name            string      `json:"name"`
	Underlying      string      `json:"underlying"`
	Mode            Mode        `json:"mode"`
	EntryTime       ClockTime   `json:"entry_time"`
	NoEntryAfter    ClockTime   `json:"no_entry_after"`
	ExitTime        ClockTime   `json:"exit_time"`
	MaxLoss         *float64    `json:"max_loss,omitempty"`
	MaxProfit       *float64    `json:"max_profit,omitempty"`
	ReentryOnSL     int         `json:"reentry_on_sl"`
	ReentryOnTarget int         `json:"reentry_on_target"`
	Legs            []LegConfig `json:"legs"`
}

// Validate checks the mode, time window, limits and every leg.
func (c *StrategyConfig) Validate() error {
	switch c.Mode {
	case ModeIntraday, ModeBTST, ModePositional:
	default:
		return fmt.Errorf("%w: mode %q must be INTRADAY, BTST or POSITIONAL", ErrInvalidConfig, c.Mode)
	}
	if c.EntryTime > c.NoEntryAfter {
		return fmt.Errorf("%w: entry_time %s is after no_entry_after %s", ErrInvalidConfig, c.EntryTime, c.NoEntryAfter)
	}
	if c.Mode == ModeIntraday && c.ExitTime < c.EntryTime {
		return fmt.Errorf("%w: exit_time %s is before entry_time %s", ErrInvalidConfig, c.ExitTime, c.EntryTime)
	}
	if c.MaxProfit != nil && *c.MaxProfit <= 0 {
		return fmt.Errorf("%w: max_profit must be > 0", ErrInvalidConfig)
	}
	if c.ReentryOnSL < 0 || c.ReentryOnTarget < 0 {
		return fmt.Errorf("%w: re-entry counts must not be negative", ErrInvalidConfig)
	}
	if len(c.Legs) == 0 {
		return fmt.Errorf("%w: at least one leg is required", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Legs))
	for _, leg := range c.Legs {
		if err := leg.Validate(); err != nil {
			return err
		}
		if seen[leg.ID] {
			return fmt.Errorf("%w: duplicate leg id %q", ErrInvalidConfig, leg.ID)
		}
		seen[leg.ID] = true
	}
	return nil
}

// Strategy coordinates the legs of one strategy across trading days. The
// current day's legs and the prior day's legs awaiting exit are kept in
// separate slices.
type Strategy struct {
	config  StrategyConfig
	lotSize int
	active  bool

	legs    []*Leg
	pending []*Leg
	closed  []*Leg

	enteredToday    bool
	exitedToday     bool
	realizedPnL     float64
	reentriesSL     int
	reentriesTarget int
}

// NewStrategy builds a strategy with fresh legs from cfg.
func NewStrategy(cfg StrategyConfig, lotSize int) *Strategy {
	s := &Strategy{config: cfg, lotSize: lotSize, active: true}
	s.legs = s.freshLegs()
	return s
}

func (s *Strategy) freshLegs() []*Leg {
	legs := make([]*Leg, 0, len(s.config.Legs))
	for _, lc := range s.config.Legs {
		legs = append(legs, NewLeg(lc, s.lotSize))
	}
	return legs
}

// Config returns the strategy configuration.
func (s *Strategy) Config() StrategyConfig { return s.config }

// Mode returns the holding mode.
func (s *Strategy) Mode() Mode { return s.config.Mode }

// IsActive is false once Deactivate has been called.
func (s *Strategy) IsActive() bool { return s.active }

// EnteredToday reports whether any leg entered since BeginDay.
func (s *Strategy) EnteredToday() bool { return s.enteredToday }

// ExitedToday reports whether a strategy-level exit ran since BeginDay.
func (s *Strategy) ExitedToday() bool { return s.exitedToday }

// Legs returns the current lifecycle's legs, re-entries included.
func (s *Strategy) Legs() []*Leg { return s.legs }

// PendingLegs returns BTST legs carried from the previous day.
func (s *Strategy) PendingLegs() []*Leg { return s.pending }

// RealizedPnL is the cumulative rupee P&L of every leg this strategy closed.
func (s *Strategy) RealizedPnL() float64 { return s.realizedPnL }

// Deactivate stops any further entries.
func (s *Strategy) Deactivate() { s.active = false }

// ActiveLegs returns the current day's legs that are ACTIVE.
func (s *Strategy) ActiveLegs() []*Leg {
	var out []*Leg
	for _, l := range s.legs {
		if l.IsActive() {
			out = append(out, l)
		}
	}
	return out
}

// HasActive reports whether any current-day leg is ACTIVE.
func (s *Strategy) HasActive() bool {
	for _, l := range s.legs {
		if l.IsActive() {
			return true
		}
	}
	return false
}

// HasPending reports whether prior-day legs are still waiting to exit.
func (s *Strategy) HasPending() bool {
	for _, l := range s.pending {
		if l.IsActive() {
			return true
		}
	}
	return false
}

// ShouldEnter is true while active, not yet entered today, and inside the
// entry window.
func (s *Strategy) ShouldEnter(t time.Time) bool {
	if !s.active || s.enteredToday {
		return false
	}
	c := ClockOf(t)
	return c >= s.config.EntryTime && c <= s.config.NoEntryAfter
}

// ShouldExitTime reports whether the time-based exit applies at t. For
// BTST it only applies to legs carried from a prior day.
func (s *Strategy) ShouldExitTime(t time.Time) bool {
	switch s.config.Mode {
	case ModeIntraday:
		return ClockOf(t) >= s.config.ExitTime
	case ModeBTST:
		return s.HasPending() && ClockOf(t) >= s.config.ExitTime
	default:
		return false
	}
}

// TotalPnL is realized plus unrealized rupee P&L of the current legs.
func (s *Strategy) TotalPnL() float64 {
	var total float64
	for _, l := range s.legs {
		switch {
		case l.IsExited():
			total += l.RealizedPnL()
		case l.IsActive():
			total += l.UnrealizedPnL()
		}
	}
	return total
}

// CheckStrategySL reports whether the combined loss reached MaxLoss.
func (s *Strategy) CheckStrategySL() bool {
	if s.config.MaxLoss == nil {
		return false
	}
	return s.TotalPnL() <= -math.Abs(*s.config.MaxLoss)
}

// CheckStrategyTarget reports whether the combined profit reached MaxProfit.
func (s *Strategy) CheckStrategyTarget() bool {
	if s.config.MaxProfit == nil {
		return false
	}
	return s.TotalPnL() >= *s.config.MaxProfit
}

// EnterAllLegs enters every CREATED leg that has a candle, at its close.
// enteredToday is only set when at least one leg entered.
func (s *Strategy) EnterAllLegs(candles map[string]Candle, slippagePct float64) (int, error) {
	n := 0
	for _, l := range s.legs {
		if l.State() != LegCreated || l.IsReentry() {
			continue
		}
		c, ok := candles[l.ID()]
		if !ok {
			continue
		}
		if err := l.EnterCandle(c, slippagePct); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.enteredToday = true
	}
	return n, nil
}

// HasReentryDue reports whether a re-entry leg is waiting and the entry
// window is still open at t. A strategy-level exit cancels pending re-entries.
func (s *Strategy) HasReentryDue(t time.Time) bool {
	if !s.active || s.exitedToday || ClockOf(t) > s.config.NoEntryAfter {
		return false
	}
	for _, l := range s.legs {
		if l.IsReentry() && l.State() == LegCreated {
			return true
		}
	}
	return false
}

// EnterReentries enters legs created by a stop or target re-entry.
func (s *Strategy) EnterReentries(candles map[string]Candle, t time.Time, slippagePct float64) (int, error) {
	if !s.HasReentryDue(t) {
		return 0, nil
	}
	n := 0
	for _, l := range s.legs {
		if !l.IsReentry() || l.State() != LegCreated {
			continue
		}
		c, ok := candles[l.ID()]
		if !ok {
			continue
		}
		if err := l.EnterCandle(c, slippagePct); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ExitAllLegs exits every ACTIVE current leg that has a candle, at its close.
func (s *Strategy) ExitAllLegs(candles map[string]Candle, reason ExitReason, slippagePct float64) error {
	if err := s.exitAt(s.legs, candles, reason, slippagePct); err != nil {
		return err
	}
	s.exitedToday = true
	return nil
}

// ExitPendingLegs exits carried legs that have a candle, at its close.
func (s *Strategy) ExitPendingLegs(candles map[string]Candle, reason ExitReason, slippagePct float64) error {
	return s.exitAt(s.pending, candles, reason, slippagePct)
}

func (s *Strategy) exitAt(legs []*Leg, candles map[string]Candle, reason ExitReason, slippagePct float64) error {
	for _, l := range legs {
		if !l.IsActive() {
			continue
		}
		c, ok := candles[l.ID()]
		if !ok {
			continue
		}
		if err := s.exitLeg(l, c.Close, c.Time, reason, slippagePct); err != nil {
			return err
		}
	}
	return nil
}

func (s *Strategy) exitLeg(l *Leg, price float64, at time.Time, reason ExitReason, slippagePct float64) error {
	if err := l.Exit(price, at, reason, slippagePct); err != nil {
		return err
	}
	s.realizedPnL += l.RealizedPnL()
	s.closed = append(s.closed, l)
	return nil
}

// ClearPendingExit drops carried legs that have exited. Legs that had no
// candle to exit on stay pending.
func (s *Strategy) ClearPendingExit() {
	kept := s.pending[:0]
	for _, l := range s.pending {
		if l.IsActive() {
			kept = append(kept, l)
		}
	}
	s.pending = kept
}

// ExitPendingAtMark exits every carried leg still open at its last marked
// price and empties the pending set.
func (s *Strategy) ExitPendingAtMark(at time.Time, reason ExitReason, slippagePct float64) error {
	for _, l := range s.pending {
		if !l.IsActive() {
			continue
		}
		if err := s.exitLeg(l, l.CurrentPrice(), at, reason, slippagePct); err != nil {
			return err
		}
	}
	s.pending = nil
	return nil
}

// MarkLegs marks active current legs to their candle close.
func (s *Strategy) MarkLegs(candles map[string]Candle) {
	for _, l := range s.legs {
		if c, ok := candles[l.ID()]; ok {
			l.Mark(c.Close)
		}
	}
}

// UpdateLegs runs each active leg's own stop, target and trailing logic
// and exits the legs that trigger.
func (s *Strategy) UpdateLegs(candles map[string]Candle, slippagePct float64) error {
	// re-entry legs appended below are not updated on this candle
	legs := s.legs
	for _, l := range legs {
		if !l.IsActive() {
			continue
		}
		c, ok := candles[l.ID()]
		if !ok {
			continue
		}
		reason := l.Update(c)
		if reason == ExitNone {
			continue
		}
		price := c.Close
		switch reason {
		case ExitSL:
			price, _ = l.Stop()
		case ExitTarget:
			price, _ = l.TargetPrice()
		}
		if err := s.exitLeg(l, price, c.Time, reason, slippagePct); err != nil {
			return err
		}
		s.queueReentry(l, reason)
	}
	return nil
}

func (s *Strategy) queueReentry(l *Leg, reason ExitReason) {
	switch {
	case (reason == ExitSL || reason == ExitUnderlyingSL) && s.reentriesSL < s.config.ReentryOnSL:
		s.reentriesSL++
	case (reason == ExitTarget || reason == ExitUnderlyingTarget) && s.reentriesTarget < s.config.ReentryOnTarget:
		s.reentriesTarget++
	default:
		return
	}
	fresh := NewLeg(l.Config(), s.lotSize)
	fresh.reentry = true
	s.legs = append(s.legs, fresh)
}

// BeginDay applies the day-boundary lifecycle for the strategy's mode.
func (s *Strategy) BeginDay() {
	s.enteredToday = false
	s.exitedToday = false
	s.reentriesSL = 0
	s.reentriesTarget = 0

	switch s.config.Mode {
	case ModeIntraday:
		s.legs = s.freshLegs()
	case ModeBTST:
		carried := s.pending[:0:0]
		for _, l := range s.pending {
			if l.IsActive() {
				carried = append(carried, l)
			}
		}
		for _, l := range s.legs {
			if l.IsActive() {
				carried = append(carried, l)
			}
		}
		s.pending = carried
		s.legs = s.freshLegs()
	case ModePositional:
		kept := s.legs[:0]
		for _, l := range s.legs {
			if l.IsReentry() && l.State() == LegCreated {
				continue
			}
			kept = append(kept, l)
		}
		s.legs = kept
		if s.allExited() {
			s.legs = s.freshLegs()
		}
	}
}

func (s *Strategy) allExited() bool {
	if len(s.legs) == 0 {
		return false
	}
	for _, l := range s.legs {
		if !l.IsExited() {
			return false
		}
	}
	return true
}

// DrainClosed returns the legs exited since the previous call. Each leg is
// returned exactly once.
func (s *Strategy) DrainClosed() []*Leg {
	out := s.closed
	s.closed = nil
	return out
}
