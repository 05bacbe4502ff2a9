// Package metrics derives summary statistics from a backtest result.
package metrics

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// Metrics are the summary statistics of one backtest. Money is in rupees,
// net of brokerage unless named otherwise.
type Metrics struct {
	TotalPnL       float64 `json:"total_pnl"`
	NetPnL         float64 `json:"net_pnl"`
	TotalBrokerage float64 `json:"total_brokerage"`
	NumTrades      int     `json:"num_trades"`
	NumWinners     int     `json:"num_winners"`
	NumLosers      int     `json:"num_losers"`

	WinRate         float64 `json:"win_rate"`
	AvgPerTrade     float64 `json:"avg_per_trade"`
	AvgWin          float64 `json:"avg_win"`
	AvgLoss         float64 `json:"avg_loss"`
	MaxSingleProfit float64 `json:"max_single_profit"`
	MaxSingleLoss   float64 `json:"max_single_loss"`

	MaxDrawdown         float64 `json:"max_drawdown"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
	MaxDrawdownDays     int     `json:"max_drawdown_days"`
	MaxTradesInDrawdown int     `json:"max_trades_in_drawdown"`
	ReturnOverMaxDD     float64 `json:"return_over_max_dd"`

	RewardToRisk float64 `json:"reward_to_risk"`
	Expectancy   float64 `json:"expectancy"`
	ProfitFactor float64 `json:"profit_factor"`

	MaxWinStreak  int `json:"max_win_streak"`
	MaxLossStreak int `json:"max_loss_streak"`

	TradingDays     int     `json:"trading_days"`
	AvgTradesPerDay float64 `json:"avg_trades_per_day"`
}

// Calculate computes Metrics for r. An empty result yields all zeros.
func Calculate(r *models.BacktestResult) Metrics {
	if r == nil || len(r.Trades) == 0 {
		return Metrics{}
	}
	m := Metrics{
		TotalPnL:       r.TotalPnL,
		NetPnL:         r.NetPnL,
		TotalBrokerage: r.TotalBrokerage,
		NumTrades:      len(r.Trades),
		TradingDays:    len(r.DailyResults),
	}

	var grossWin, grossLoss float64
	best, worst := math.Inf(-1), math.Inf(1)
	for _, t := range r.Trades {
		switch {
		case t.NetPnL > 0:
			m.NumWinners++
			grossWin += t.NetPnL
		case t.NetPnL < 0:
			m.NumLosers++
			grossLoss -= t.NetPnL
		}
		best = math.Max(best, t.NetPnL)
		worst = math.Min(worst, t.NetPnL)
	}
	m.MaxSingleProfit = math.Max(best, 0)
	m.MaxSingleLoss = math.Max(-worst, 0)

	n := float64(m.NumTrades)
	m.WinRate = float64(m.NumWinners) / n * 100
	m.AvgPerTrade = r.NetPnL / n
	if m.NumWinners > 0 {
		m.AvgWin = grossWin / float64(m.NumWinners)
	}
	if m.NumLosers > 0 {
		m.AvgLoss = grossLoss / float64(m.NumLosers)
		m.RewardToRisk = m.AvgWin / m.AvgLoss
		m.ProfitFactor = grossWin / grossLoss
	}
	wr := m.WinRate / 100
	m.Expectancy = wr*m.AvgWin - (1-wr)*m.AvgLoss

	dd := drawdown(r.EquityCurve, r.DailyResults)
	m.MaxDrawdown = dd.max
	m.MaxDrawdownPct = dd.pct
	m.MaxDrawdownDays = dd.days
	m.MaxTradesInDrawdown = dd.trades
	if dd.max != 0 {
		m.ReturnOverMaxDD = math.Abs(r.NetPnL / dd.max)
	}

	m.MaxWinStreak, m.MaxLossStreak = streaks(r.Trades)
	if m.TradingDays > 0 {
		m.AvgTradesPerDay = n / float64(m.TradingDays)
	}
	return m
}

type drawdownStats struct {
	max    float64
	pct    float64
	days   int
	trades int
}

// drawdown walks the equity curve. days[i] is the day that produced
// equity[i]; it is used to count the trades closed while under water.
func drawdown(equity []float64, days []models.DayResult) drawdownStats {
	var s drawdownStats
	var runDays, runTrades int
	peak := math.Inf(-1)
	for i, e := range equity {
		peak = math.Max(peak, e)
		dd := peak - e
		s.max = math.Max(s.max, dd)
		if dd <= 0 {
			runDays, runTrades = 0, 0
			continue
		}
		runDays++
		if i < len(days) {
			runTrades += days[i].NumTrades
		}
		s.days = max(s.days, runDays)
		s.trades = max(s.trades, runTrades)
	}
	if peak > 0 {
		s.pct = s.max / peak * 100
	}
	return s
}

// streaks returns the longest runs of winners and of non-winners.
func streaks(trades []models.Trade) (win, loss int) {
	var w, l int
	for _, t := range trades {
		if t.NetPnL > 0 {
			w++
			l = 0
		} else {
			l++
			w = 0
		}
		win = max(win, w)
		loss = max(loss, l)
	}
	return win, loss
}

// PeriodPnL is the net P&L of the days falling in one calendar period.
type PeriodPnL struct {
	Period string  `json:"period"`
	NetPnL float64 `json:"net_pnl"`
	Trades int     `json:"trades"`
}

// MonthlyPnL groups day results by month ("2006-01").
func MonthlyPnL(r *models.BacktestResult) []PeriodPnL { return groupBy(r, len("2006-01")) }

// YearlyPnL groups day results by year ("2006").
func YearlyPnL(r *models.BacktestResult) []PeriodPnL { return groupBy(r, len("2006")) }

func groupBy(r *models.BacktestResult, prefix int) []PeriodPnL {
	if r == nil {
		return nil
	}
	idx := make(map[string]int)
	var out []PeriodPnL
	for _, d := range r.DailyResults {
		if len(d.Date) < prefix {
			continue
		}
		key := d.Date[:prefix]
		i, ok := idx[key]
		if !ok {
			i = len(out)
			idx[key] = i
			out = append(out, PeriodPnL{Period: key})
		}
		out[i].NetPnL += d.NetPnL
		out[i].Trades += d.NumTrades
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out
}

// Row is one labelled line of a printable report.
type Row struct {
	Label string
	Value string
}

func rupees(v float64) string { return "₹" + decimal.NewFromFloat(v).StringFixed(2) }

// Rows renders m as a labelled report with money rounded to paise.
func (m Metrics) Rows() []Row {
	return []Row{
		{"Total P&L", rupees(m.TotalPnL)},
		{"Net P&L (after costs)", rupees(m.NetPnL)},
		{"Total brokerage", rupees(m.TotalBrokerage)},
		{"Trades", fmt.Sprint(m.NumTrades)},
		{"Winning trades", fmt.Sprint(m.NumWinners)},
		{"Losing trades", fmt.Sprint(m.NumLosers)},
		{"Win rate", fmt.Sprintf("%.1f%%", m.WinRate)},
		{"Avg P&L per trade", rupees(m.AvgPerTrade)},
		{"Avg win", rupees(m.AvgWin)},
		{"Avg loss", rupees(m.AvgLoss)},
		{"Max single profit", rupees(m.MaxSingleProfit)},
		{"Max single loss", rupees(m.MaxSingleLoss)},
		{"Max drawdown", rupees(m.MaxDrawdown)},
		{"Max drawdown %", fmt.Sprintf("%.1f%%", m.MaxDrawdownPct)},
		{"Max drawdown duration", fmt.Sprintf("%d days", m.MaxDrawdownDays)},
		{"Max trades in drawdown", fmt.Sprint(m.MaxTradesInDrawdown)},
		{"Return / max DD", fmt.Sprintf("%.2f", m.ReturnOverMaxDD)},
		{"Reward to risk", fmt.Sprintf("%.2f", m.RewardToRisk)},
		{"Expectancy", rupees(m.Expectancy)},
		{"Profit factor", fmt.Sprintf("%.2f", m.ProfitFactor)},
		{"Max win streak", fmt.Sprint(m.MaxWinStreak)},
		{"Max loss streak", fmt.Sprint(m.MaxLossStreak)},
		{"Trading days", fmt.Sprint(m.TradingDays)},
		{"Avg trades per day", fmt.Sprintf("%.1f", m.AvgTradesPerDay)},
	}
}
