package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// pnlTolerance is the rupee tolerance used when comparing results.
const pnlTolerance = 1e-6

// Comparison summarises how two backtest results differ.
type Comparison struct {
	TradesA, TradesB   int
	NetPnLA, NetPnLB   float64
	ReasonsA, ReasonsB map[models.ExitReason]int
	// FirstMismatch is the index of the first differing trade, or -1.
	FirstMismatch int
	Detail        string
}

// Equal reports whether the two results matched trade for trade.
func (c Comparison) Equal() bool {
	return c.FirstMismatch < 0 && c.TradesA == c.TradesB && math.Abs(c.NetPnLA-c.NetPnLB) <= pnlTolerance
}

func (c Comparison) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "trades: %d vs %d\n", c.TradesA, c.TradesB)
	fmt.Fprintf(&b, "net P&L: %.2f vs %.2f\n", c.NetPnLA, c.NetPnLB)
	if c.Equal() {
		b.WriteString("results are identical\n")
		return b.String()
	}
	fmt.Fprintf(&b, "first mismatch at trade %d: %s\n", c.FirstMismatch, c.Detail)
	return b.String()
}

// Compare checks two results trade by trade.
func Compare(a, b *models.BacktestResult) Comparison {
	c := Comparison{
		TradesA:       a.NumTrades,
		TradesB:       b.NumTrades,
		NetPnLA:       a.NetPnL,
		NetPnLB:       b.NetPnL,
		ReasonsA:      reasonHistogram(a.Trades),
		ReasonsB:      reasonHistogram(b.Trades),
		FirstMismatch: -1,
	}
	n := min(len(a.Trades), len(b.Trades))
	for i := 0; i < n; i++ {
		if d := tradeDiff(a.Trades[i], b.Trades[i]); d != "" {
			c.FirstMismatch, c.Detail = i, d
			return c
		}
	}
	if len(a.Trades) != len(b.Trades) {
		c.FirstMismatch = n
		c.Detail = fmt.Sprintf("trade count %d vs %d", len(a.Trades), len(b.Trades))
	}
	return c
}

func reasonHistogram(trades []models.Trade) map[models.ExitReason]int {
	h := make(map[models.ExitReason]int)
	for _, t := range trades {
		h[t.ExitReason]++
	}
	return h
}

func tradeDiff(a, b models.Trade) string {
	switch {
	case a.Date != b.Date:
		return fmt.Sprintf("date %s vs %s", a.Date, b.Date)
	case a.LegID != b.LegID:
		return fmt.Sprintf("leg %s vs %s", a.LegID, b.LegID)
	case !a.EntryTime.Equal(b.EntryTime):
		return fmt.Sprintf("%s entry time %s vs %s", a.LegID, a.EntryTime, b.EntryTime)
	case !a.ExitTime.Equal(b.ExitTime):
		return fmt.Sprintf("%s exit time %s vs %s", a.LegID, a.ExitTime, b.ExitTime)
	case a.ExitReason != b.ExitReason:
		return fmt.Sprintf("%s exit reason %s vs %s", a.LegID, a.ExitReason, b.ExitReason)
	case math.Abs(a.EntryPrice-b.EntryPrice) > pnlTolerance:
		return fmt.Sprintf("%s entry price %.4f vs %.4f", a.LegID, a.EntryPrice, b.EntryPrice)
	case math.Abs(a.ExitPrice-b.ExitPrice) > pnlTolerance:
		return fmt.Sprintf("%s exit price %.4f vs %.4f", a.LegID, a.ExitPrice, b.ExitPrice)
	case math.Abs(a.NetPnL-b.NetPnL) > pnlTolerance:
		return fmt.Sprintf("%s net P&L %.4f vs %.4f", a.LegID, a.NetPnL, b.NetPnL)
	}
	return ""
}
