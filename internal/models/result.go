package models

import (
	"fmt"
	"time"
)

// DateLayout is the layout used for trading-day keys.
const DateLayout = "2006-01-02"

// Trade is the immutable record of one closed leg.
type Trade struct {
	Date       string      `json:"date"`
	LegID      string      `json:"leg_id"`
	Instrument string      `json:"instrument"`
	Strike     string      `json:"strike"`
	OptionType OptionType  `json:"option_type"`
	Expiry     ExpiryClass `json:"expiry"`
	Action     Action      `json:"action"`
	Lots       int         `json:"lots"`
	Quantity   int         `json:"quantity"`
	EntryTime  time.Time   `json:"entry_time"`
	EntryPrice float64     `json:"entry_price"`
	ExitTime   time.Time   `json:"exit_time"`
	ExitPrice  float64     `json:"exit_price"`
	ExitReason ExitReason  `json:"exit_reason"`
	PnLPoints  float64     `json:"pnl_points"`
	PnL        float64     `json:"pnl"`
	Brokerage  float64     `json:"brokerage"`
	NetPnL     float64     `json:"net_pnl"`
}

// NewTrade builds the trade record for an exited leg. Brokerage is charged
// per lot on both entry and exit.
func NewTrade(leg *Leg, date time.Time, underlying string, brokeragePerLot float64) (Trade, error) {
	if !leg.IsExited() {
		return Trade{}, fmt.Errorf("%w: trade from leg %s in state %s", ErrInvalidState, leg.ID(), leg.State())
	}
	cfg := leg.Config()
	if underlying == "" {
		underlying = "NIFTY"
	}
	instrument := fmt.Sprintf("%s %s %s", underlying, cfg.Instrument.Strike, cfg.Instrument.OptionType)
	if leg.Strike() > 0 {
		instrument = fmt.Sprintf("%s %.0f %s", underlying, leg.Strike(), cfg.Instrument.OptionType)
	}
	pnl := leg.RealizedPnL()
	brokerage := brokeragePerLot * float64(cfg.Lots) * 2
	return Trade{
		Date:       date.Format(DateLayout),
		LegID:      cfg.ID,
		Instrument: instrument,
		Strike:     cfg.Instrument.Strike,
		OptionType: cfg.Instrument.OptionType,
		Expiry:     cfg.Instrument.Expiry,
		Action:     cfg.Action,
		Lots:       cfg.Lots,
		Quantity:   leg.Quantity(),
		EntryTime:  leg.EntryTime(),
		EntryPrice: leg.EntryPrice(),
		ExitTime:   leg.ExitTime(),
		ExitPrice:  leg.ExitPrice(),
		ExitReason: leg.ExitReason(),
		PnLPoints:  leg.RealizedPoints(),
		PnL:        pnl,
		Brokerage:  brokerage,
		NetPnL:     pnl - brokerage,
	}, nil
}

// DayResult aggregates the trades closed on one trading day.
type DayResult struct {
	Date      string  `json:"date"`
	GrossPnL  float64 `json:"gross_pnl"`
	Brokerage float64 `json:"brokerage"`
	NetPnL    float64 `json:"net_pnl"`
	NumTrades int     `json:"num_trades"`
	Trades    []Trade `json:"trades"`
}

// BacktestResult is the output of one engine run.
type BacktestResult struct {
	RunID          string      `json:"run_id"`
	StrategyName   string      `json:"strategy_name"`
	Engine         string      `json:"engine"`
	Start          time.Time   `json:"start"`
	End            time.Time   `json:"end"`
	TotalPnL       float64     `json:"total_pnl"`
	TotalBrokerage float64     `json:"total_brokerage"`
	NetPnL         float64     `json:"net_pnl"`
	NumTrades      int         `json:"num_trades"`
	NumDays        int         `json:"num_days"`
	Trades         []Trade     `json:"trades"`
	DailyResults   []DayResult `json:"daily_results"`
	EquityCurve    []float64   `json:"equity_curve"`
}

// AddDay appends a day's trades. Days without trades are ignored so the
// equity curve only grows on days that traded.
func (r *BacktestResult) AddDay(date time.Time, trades []Trade) {
	if len(trades) == 0 {
		return
	}
	day := DayResult{Date: date.Format(DateLayout), NumTrades: len(trades), Trades: trades}
	for _, t := range trades {
		day.GrossPnL += t.PnL
		day.Brokerage += t.Brokerage
		day.NetPnL += t.NetPnL
	}
	r.DailyResults = append(r.DailyResults, day)
	r.Trades = append(r.Trades, trades...)
	r.TotalPnL += day.GrossPnL
	r.TotalBrokerage += day.Brokerage
	r.NetPnL += day.NetPnL
	r.NumTrades += day.NumTrades
	r.NumDays++

	equity := day.NetPnL
	if n := len(r.EquityCurve); n > 0 {
		equity += r.EquityCurve[n-1]
	}
	r.EquityCurve = append(r.EquityCurve, equity)
}
