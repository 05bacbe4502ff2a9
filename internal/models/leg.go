package models

import (
	"fmt"
	"math"
	"time"
)

// ExitReason records why a leg was closed.
type ExitReason string

const (
	ExitNone             ExitReason = ""
	ExitSL               ExitReason = "SL"
	ExitTarget           ExitReason = "TARGET"
	ExitUnderlyingSL     ExitReason = "UNDERLYING_SL"
	ExitUnderlyingTarget ExitReason = "UNDERLYING_TARGET"
	ExitStrategySL       ExitReason = "STRATEGY_SL"
	ExitStrategyTarget   ExitReason = "STRATEGY_TARGET"
	ExitTime             ExitReason = "TIME_EXIT"
	ExitEOD              ExitReason = "EOD_EXIT"
)

// DefaultLotSize is the NIFTY contract multiplier.
const DefaultLotSize = 50

// Threshold is a distance expressed either in absolute points or as a
// percent of a base price. Neither set means no limit.
type Threshold struct {
	Points  *float64 `json:"points,omitempty"`
	Percent *float64 `json:"percent,omitempty"`
}

// PointsOf returns a points-based threshold.
func PointsOf(v float64) Threshold { return Threshold{Points: &v} }

// PercentOf returns a percent-based threshold.
func PercentOf(v float64) Threshold { return Threshold{Percent: &v} }

// IsSet reports whether a limit is configured.
func (t Threshold) IsSet() bool { return t.Points != nil || t.Percent != nil }

// Validate rejects thresholds with both forms set or negative values.
func (t Threshold) Validate(name string) error {
	if t.Points != nil && t.Percent != nil {
		return fmt.Errorf("%w: %s sets both points and percent", ErrInvalidConfig, name)
	}
	if (t.Points != nil && *t.Points < 0) || (t.Percent != nil && *t.Percent < 0) {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
	}
	return nil
}

// Distance converts the threshold to points relative to base.
func (t Threshold) Distance(base float64) (float64, bool) {
	switch {
	case t.Points != nil:
		return *t.Points, true
	case t.Percent != nil:
		return base * *t.Percent / 100, true
	}
	return 0, false
}

// TrailType selects how trailing parameters are expressed.
type TrailType string

const (
	TrailPoints  TrailType = "points"
	TrailPercent TrailType = "percent"
)

// Trail configures a lock-in trailing stop. Activate and Lock are both
// required for trailing to be enabled.
type Trail struct {
	Type     TrailType `json:"type,omitempty"`
	Activate *float64  `json:"activate,omitempty"`
	Lock     *float64  `json:"lock,omitempty"`
}

// Enabled reports whether both activation and lock are configured.
func (t Trail) Enabled() bool { return t.Activate != nil && t.Lock != nil }

func (t Trail) validate() error {
	if t.Type != "" && t.Type != TrailPoints && t.Type != TrailPercent {
		return fmt.Errorf("%w: trail type %q must be points or percent", ErrInvalidConfig, t.Type)
	}
	if (t.Activate == nil) != (t.Lock == nil) {
		return fmt.Errorf("%w: trailing stop needs both activate and lock", ErrInvalidConfig)
	}
	if t.Enabled() && (*t.Activate < 0 || *t.Lock < 0) {
		return fmt.Errorf("%w: trailing values must not be negative", ErrInvalidConfig)
	}
	return nil
}

// LegConfig is the immutable intent for one option position.
type LegConfig struct {
	ID               string     `json:"id"`
	Instrument       Instrument `json:"instrument"`
	Action           Action     `json:"action"`
	Lots             int        `json:"lots"`
	SL               Threshold  `json:"sl"`
	Target           Threshold  `json:"target"`
	UnderlyingSL     Threshold  `json:"underlying_sl"`
	UnderlyingTarget Threshold  `json:"underlying_target"`
	Trail            Trail      `json:"trail"`
}

// Validate checks the selector, direction, quantity and thresholds.
func (c LegConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: leg id is required", ErrInvalidConfig)
	}
	if err := c.Instrument.Validate(); err != nil {
		return fmt.Errorf("leg %s: %w", c.ID, err)
	}
	if c.Action != ActionBuy && c.Action != ActionSell {
		return fmt.Errorf("%w: leg %s action %q must be BUY or SELL", ErrInvalidConfig, c.ID, c.Action)
	}
	if c.Lots <= 0 {
		return fmt.Errorf("%w: leg %s lots must be > 0", ErrInvalidConfig, c.ID)
	}
	for name, th := range map[string]Threshold{
		"sl": c.SL, "target": c.Target,
		"underlying_sl": c.UnderlyingSL, "underlying_target": c.UnderlyingTarget,
	} {
		if err := th.Validate(name); err != nil {
			return fmt.Errorf("leg %s: %w", c.ID, err)
		}
	}
	if err := c.Trail.validate(); err != nil {
		return fmt.Errorf("leg %s: %w", c.ID, err)
	}
	return nil
}

// IsLong reports whether the leg buys premium.
func (c LegConfig) IsLong() bool { return c.Action == ActionBuy }

// Leg is one option position owned by a Strategy.
type Leg struct {
	sm         StateMachine
	config     LegConfig
	lotSize    int
	reentry    bool
	entryPrice float64
	entryTime  time.Time
	entrySpot  float64
	strike     float64
	exitPrice  float64
	exitTime   time.Time
	exitReason ExitReason
	current    float64
	peakProfit float64
	stop       float64
	hasStop    bool
}

// NewLeg creates a leg in CREATED. A non-positive lot size falls back to
// DefaultLotSize.
func NewLeg(cfg LegConfig, lotSize int) *Leg {
	if lotSize <= 0 {
		lotSize = DefaultLotSize
	}
	if cfg.Lots <= 0 {
		cfg.Lots = 1
	}
	return &Leg{sm: NewStateMachine(), config: cfg, lotSize: lotSize}
}

// Config returns the leg's configuration.
func (l *Leg) Config() LegConfig { return l.config }

// ID returns the configured leg ID.
func (l *Leg) ID() string { return l.config.ID }

// State returns the lifecycle state.
func (l *Leg) State() LegState { return l.sm.State() }

// IsActive reports whether the leg holds an open position.
func (l *Leg) IsActive() bool { return l.sm.State() == LegActive }

// IsExited reports whether the leg has closed.
func (l *Leg) IsExited() bool { return l.sm.State() == LegExited }

// IsReentry reports whether the leg was created by a re-entry.
func (l *Leg) IsReentry() bool { return l.reentry }

// LotSize returns the contract lot size.
func (l *Leg) LotSize() int { return l.lotSize }

// Quantity is lots times lot size.
func (l *Leg) Quantity() int { return l.config.Lots * l.lotSize }

// EntryPrice is the fill price including slippage.
func (l *Leg) EntryPrice() float64 { return l.entryPrice }

// EntryTime is the timestamp of the entry candle.
func (l *Leg) EntryTime() time.Time { return l.entryTime }

// ExitPrice is the fill price including slippage.
func (l *Leg) ExitPrice() float64 { return l.exitPrice }

// ExitTime is the timestamp of the exit.
func (l *Leg) ExitTime() time.Time { return l.exitTime }

// ExitReason is empty until the leg exits.
func (l *Leg) ExitReason() ExitReason { return l.exitReason }

// CurrentPrice is the last marked premium.
func (l *Leg) CurrentPrice() float64 { return l.current }

// PeakProfit is the best unrealized points seen, used for trailing.
func (l *Leg) PeakProfit() float64 { return l.peakProfit }

// Strike returns the absolute strike recorded at entry, or 0 if unknown.
func (l *Leg) Strike() float64 { return l.strike }

// Stop returns the current effective stop price.
func (l *Leg) Stop() (float64, bool) { return l.stop, l.hasStop }

// Enter fills the leg at price adjusted for slippage against the trader
// and sets the initial stop.
func (l *Leg) Enter(price float64, at time.Time, slippagePct float64) error {
	if err := l.sm.Transition(LegActive, ConditionEntered, at); err != nil {
		return fmt.Errorf("enter leg %s: %w", l.config.ID, err)
	}
	if l.config.IsLong() {
		l.entryPrice = price * (1 + slippagePct/100)
	} else {
		l.entryPrice = price * (1 - slippagePct/100)
	}
	l.entryTime = at
	l.current = price
	if d, ok := l.config.SL.Distance(l.entryPrice); ok {
		l.stop = l.entryPrice - l.sign()*d
		l.hasStop = true
	}
	return nil
}

// EnterCandle enters at the candle close and records its spot and strike.
func (l *Leg) EnterCandle(c Candle, slippagePct float64) error {
	if err := l.Enter(c.Close, c.Time, slippagePct); err != nil {
		return err
	}
	l.entrySpot = c.Spot
	l.strike = c.StrikePrice
	return nil
}

// Exit closes the leg at price adjusted for slippage against the trader.
func (l *Leg) Exit(price float64, at time.Time, reason ExitReason, slippagePct float64) error {
	if err := l.sm.Transition(LegExited, ConditionExited, at); err != nil {
		return fmt.Errorf("exit leg %s: %w", l.config.ID, err)
	}
	if l.config.IsLong() {
		l.exitPrice = price * (1 - slippagePct/100)
	} else {
		l.exitPrice = price * (1 + slippagePct/100)
	}
	l.exitTime = at
	l.exitReason = reason
	return nil
}

// TargetPrice returns the premium target, if one is configured.
func (l *Leg) TargetPrice() (float64, bool) {
	d, ok := l.config.Target.Distance(l.entryPrice)
	if !ok {
		return 0, false
	}
	return l.entryPrice + l.sign()*d, true
}

// Update marks the leg to the candle and returns the first exit trigger,
// if any. Longs test the low against the stop before the high against
// the target; shorts test the high first. The trailing stop only moves
// when nothing triggered.
func (l *Leg) Update(c Candle) ExitReason {
	if !l.IsActive() {
		return ExitNone
	}
	l.current = c.Close

	if reason := l.checkPremium(c); reason != ExitNone {
		return reason
	}
	if reason := l.checkUnderlying(c); reason != ExitNone {
		return reason
	}
	l.updateTrailing()
	return ExitNone
}

// Mark sets the current price without evaluating exits.
func (l *Leg) Mark(price float64) {
	if l.IsActive() {
		l.current = price
	}
}

func (l *Leg) checkPremium(c Candle) ExitReason {
	target, hasTarget := l.TargetPrice()
	if l.config.IsLong() {
		if l.hasStop && c.Low <= l.stop {
			return ExitSL
		}
		if hasTarget && c.High >= target {
			return ExitTarget
		}
		return ExitNone
	}
	if l.hasStop && c.High >= l.stop {
		return ExitSL
	}
	if hasTarget && c.Low <= target {
		return ExitTarget
	}
	return ExitNone
}

// checkUnderlying measures the spot move from entry in the direction the
// leg profits from: up for long calls and short puts, down otherwise.
func (l *Leg) checkUnderlying(c Candle) ExitReason {
	if l.entrySpot <= 0 || c.Spot <= 0 {
		return ExitNone
	}
	bias := -1.0
	if (l.config.IsLong() && l.config.Instrument.OptionType == OptionCE) ||
		(!l.config.IsLong() && l.config.Instrument.OptionType == OptionPE) {
		bias = 1.0
	}
	move := (c.Spot - l.entrySpot) * bias
	if d, ok := l.config.UnderlyingSL.Distance(l.entrySpot); ok && move <= -d {
		return ExitUnderlyingSL
	}
	if d, ok := l.config.UnderlyingTarget.Distance(l.entrySpot); ok && move >= d {
		return ExitUnderlyingTarget
	}
	return ExitNone
}

func (l *Leg) updateTrailing() {
	tr := l.config.Trail
	if !tr.Enabled() {
		return
	}
	activate, lock := *tr.Activate, *tr.Lock
	if tr.Type == TrailPercent {
		activate = l.entryPrice * activate / 100
		lock = l.entryPrice * lock / 100
	}
	l.peakProfit = math.Max(l.peakProfit, l.UnrealizedPoints())
	if l.peakProfit < activate {
		return
	}
	candidate := l.entryPrice + l.sign()*lock
	if !l.hasStop || (l.config.IsLong() && candidate > l.stop) || (!l.config.IsLong() && candidate < l.stop) {
		l.stop = candidate
		l.hasStop = true
	}
}

// UnrealizedPoints is the open profit per unit. Zero unless ACTIVE.
func (l *Leg) UnrealizedPoints() float64 {
	if !l.IsActive() {
		return 0
	}
	return l.sign() * (l.current - l.entryPrice)
}

// RealizedPoints is the closed profit per unit. Zero unless EXITED.
func (l *Leg) RealizedPoints() float64 {
	if !l.IsExited() {
		return 0
	}
	return l.sign() * (l.exitPrice - l.entryPrice)
}

// UnrealizedPnL is UnrealizedPoints in rupees.
func (l *Leg) UnrealizedPnL() float64 {
	return l.UnrealizedPoints() * float64(l.Quantity())
}

// RealizedPnL is RealizedPoints in rupees.
func (l *Leg) RealizedPnL() float64 {
	return l.RealizedPoints() * float64(l.Quantity())
}

func (l *Leg) sign() float64 {
	if l.config.IsLong() {
		return 1
	}
	return -1
}
