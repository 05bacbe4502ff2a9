package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

func sampleTrades() []models.Trade {
	entry := time.Date(2024, 1, 2, 9, 20, 0, 0, time.UTC)
	return []models.Trade{
		{
			Date: "2024-01-02", LegID: "CE", Instrument: "NIFTY", Strike: "ATM",
			OptionType: models.OptionCE, Expiry: models.ExpiryWeek, Action: models.ActionSell,
			Lots: 1, Quantity: 25,
			EntryTime: entry, EntryPrice: 100.005,
			ExitTime: entry.Add(time.Hour), ExitPrice: 80.125,
			ExitReason: models.ExitTime,
			PnLPoints:  19.88, PnL: 497, Brokerage: 40, NetPnL: 457,
		},
		{
			Date: "2024-01-03", LegID: "PE", Instrument: "NIFTY", Strike: "ATM-1",
			OptionType: models.OptionPE, Expiry: models.ExpiryWeek, Action: models.ActionSell,
			Lots: 2, Quantity: 50,
			EntryTime: entry.AddDate(0, 0, 1), EntryPrice: 90,
			ExitTime: entry.AddDate(0, 0, 1).Add(30 * time.Minute), ExitPrice: 117,
			ExitReason: models.ExitSL,
			PnLPoints:  -27, PnL: -1350, Brokerage: 80, NetPnL: -1430,
		},
	}
}

func TestWriteTradesCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTradesCSV(&buf, sampleTrades()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, tradeHeader, rows[0])

	first := rows[1]
	assert.Equal(t, "2024-01-02", first[0])
	assert.Equal(t, "CE", first[1])
	assert.Equal(t, "2024-01-02 09:20:00", first[9])
	assert.Equal(t, "100.01", first[10], "half away from zero")
	assert.Equal(t, "80.13", first[12])
	assert.Equal(t, string(models.ExitTime), first[13])
	assert.Equal(t, "457.00", first[17])

	assert.Equal(t, "-1430.00", rows[2][17])
	assert.Equal(t, "ATM-1", rows[2][3])
}

func TestWriteDailyCSV(t *testing.T) {
	days := []models.DayResult{
		{Date: "2024-01-02", NumTrades: 1, GrossPnL: 497, Brokerage: 40, NetPnL: 457},
		{Date: "2024-01-03", NumTrades: 0},
		{Date: "2024-01-04", NumTrades: 2, GrossPnL: -1350, Brokerage: 80, NetPnL: -1430},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteDailyCSV(&buf, days))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"2024-01-03", "0", "0.00", "0.00", "0.00", "457.00"}, rows[2])
	assert.Equal(t, "-973.00", rows[3][5])
}

func TestWriteTradesArrow(t *testing.T) {
	trades := sampleTrades()
	var buf bytes.Buffer
	require.NoError(t, WriteTradesArrow(&buf, trades))

	reader, err := ipc.NewReader(&buf, ipc.WithAllocator(memory.NewGoAllocator()))
	require.NoError(t, err)
	defer reader.Release()

	assert.True(t, reader.Schema().Equal(TradeSchema))
	require.True(t, reader.Next())
	rec := reader.Record()
	require.EqualValues(t, 2, rec.NumRows())

	legs := rec.Column(1).(*array.String)
	assert.Equal(t, "CE", legs.Value(0))
	assert.Equal(t, "PE", legs.Value(1))

	entryTimes := rec.Column(5).(*array.Int64)
	assert.Equal(t, trades[0].EntryTime.UnixMilli(), entryTimes.Value(0))

	nets := rec.Column(12).(*array.Float64)
	assert.Equal(t, -1430.0, nets.Value(1))

	assert.False(t, reader.Next())
}

func TestWriteTradesArrow_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTradesArrow(&buf, nil))

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	assert.EqualValues(t, 0, reader.Record().NumRows())
}
