// Package export writes backtest results as flat trade and day tables.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

var tradeHeader = []string{
	"date", "leg_id", "instrument", "strike", "option_type", "expiry", "action",
	"lots", "quantity", "entry_time", "entry_price", "exit_time", "exit_price",
	"exit_reason", "pnl_points", "pnl", "brokerage", "net_pnl",
}

var dailyHeader = []string{"date", "num_trades", "gross_pnl", "brokerage", "net_pnl", "cumulative_net_pnl"}

// money renders v rounded half away from zero to 2 decimal places.
func money(v float64) string { return decimal.NewFromFloat(v).StringFixed(2) }

// WriteTradesCSV writes one row per trade.
func WriteTradesCSV(w io.Writer, trades []models.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.Date,
			t.LegID,
			t.Instrument,
			t.Strike,
			string(t.OptionType),
			string(t.Expiry),
			string(t.Action),
			strconv.Itoa(t.Lots),
			strconv.Itoa(t.Quantity),
			t.EntryTime.Format(timeLayout),
			money(t.EntryPrice),
			t.ExitTime.Format(timeLayout),
			money(t.ExitPrice),
			string(t.ExitReason),
			money(t.PnLPoints),
			money(t.PnL),
			money(t.Brokerage),
			money(t.NetPnL),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing trade %s %s: %w", t.Date, t.LegID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteDailyCSV writes one row per day result with the running net total.
func WriteDailyCSV(w io.Writer, days []models.DayResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(dailyHeader); err != nil {
		return err
	}
	var cum float64
	for _, d := range days {
		cum += d.NetPnL
		row := []string{
			d.Date,
			strconv.Itoa(d.NumTrades),
			money(d.GrossPnL),
			money(d.Brokerage),
			money(d.NetPnL),
			money(cum),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing day %s: %w", d.Date, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
