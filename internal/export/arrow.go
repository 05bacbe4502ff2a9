package export

import (
	"fmt"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// TradeSchema is the Arrow schema of the trade table. Times are Unix
// milliseconds.
var TradeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "date", Type: arrow.BinaryTypes.String},
	{Name: "leg_id", Type: arrow.BinaryTypes.String},
	{Name: "instrument", Type: arrow.BinaryTypes.String},
	{Name: "action", Type: arrow.BinaryTypes.String},
	{Name: "quantity", Type: arrow.PrimitiveTypes.Int64},
	{Name: "entry_time_ms", Type: arrow.PrimitiveTypes.Int64},
	{Name: "entry_price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "exit_time_ms", Type: arrow.PrimitiveTypes.Int64},
	{Name: "exit_price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "exit_reason", Type: arrow.BinaryTypes.String},
	{Name: "pnl", Type: arrow.PrimitiveTypes.Float64},
	{Name: "brokerage", Type: arrow.PrimitiveTypes.Float64},
	{Name: "net_pnl", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// WriteTradesArrow writes the trades as a single-batch Arrow IPC stream.
func WriteTradesArrow(w io.Writer, trades []models.Trade) error {
	pool := memory.NewGoAllocator()
	n := len(trades)

	var (
		dates, legs, instruments, actions, reasons = make([]string, n), make([]string, n), make([]string, n), make([]string, n), make([]string, n)
		quantities, entryTimes, exitTimes          = make([]int64, n), make([]int64, n), make([]int64, n)
		entryPrices, exitPrices                    = make([]float64, n), make([]float64, n)
		pnls, brokerages, nets                     = make([]float64, n), make([]float64, n), make([]float64, n)
	)
	for i, t := range trades {
		dates[i] = t.Date
		legs[i] = t.LegID
		instruments[i] = t.Instrument
		actions[i] = string(t.Action)
		reasons[i] = string(t.ExitReason)
		quantities[i] = int64(t.Quantity)
		entryTimes[i] = t.EntryTime.UnixMilli()
		exitTimes[i] = t.ExitTime.UnixMilli()
		entryPrices[i] = t.EntryPrice
		exitPrices[i] = t.ExitPrice
		pnls[i] = t.PnL
		brokerages[i] = t.Brokerage
		nets[i] = t.NetPnL
	}

	columns := []arrow.Array{
		stringArray(pool, dates),
		stringArray(pool, legs),
		stringArray(pool, instruments),
		stringArray(pool, actions),
		int64Array(pool, quantities),
		int64Array(pool, entryTimes),
		float64Array(pool, entryPrices),
		int64Array(pool, exitTimes),
		float64Array(pool, exitPrices),
		stringArray(pool, reasons),
		float64Array(pool, pnls),
		float64Array(pool, brokerages),
		float64Array(pool, nets),
	}
	record := array.NewRecord(TradeSchema, columns, int64(n))
	defer record.Release()
	for _, c := range columns {
		c.Release()
	}

	writer := ipc.NewWriter(w, ipc.WithSchema(TradeSchema), ipc.WithAllocator(pool))
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write Arrow record: %w", err)
	}
	return writer.Close()
}

func stringArray(pool memory.Allocator, values []string) arrow.Array {
	b := array.NewStringBuilder(pool)
	defer b.Release()
	b.AppendValues(values, nil)
	return b.NewStringArray()
}

func int64Array(pool memory.Allocator, values []int64) arrow.Array {
	b := array.NewInt64Builder(pool)
	defer b.Release()
	b.AppendValues(values, nil)
	return b.NewInt64Array()
}

func float64Array(pool memory.Allocator, values []float64) arrow.Array {
	b := array.NewFloat64Builder(pool)
	defer b.Release()
	b.AppendValues(values, nil)
	return b.NewFloat64Array()
}
