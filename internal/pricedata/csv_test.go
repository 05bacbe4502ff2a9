package pricedata

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

var weekATMCE = models.Instrument{Strike: "ATM", OptionType: models.OptionCE, Expiry: models.ExpiryWeek}

const sampleCSV = `timestamp,open,high,low,close,volume,oi,spot,strike
2024-01-02 03:44:00,101,102,100,101.5,1000,,21700.5,21700
2024-01-02 03:45:00,101.5,103,101,102,1200,,21705,21700
2024-01-02 03:46:00,102,104,101.5,103.5,900,,21710,21700
2024-01-02 10:05:00,99,99,99,99,1,,21600,21700
2024-01-03 03:45:00,90,91,89,90.5,800,,21650,21650
`

func writeCSV(t *testing.T, dir string, inst models.Instrument, body []byte) {
	t.Helper()
	p := NewCSVProvider(dir).Path(inst)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, body, 0o600))
}

func TestCSVProvider_DayData(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, weekATMCE, []byte(sampleCSV))
	p := NewCSVProvider(dir)
	ctx := context.Background()
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, IST())

	candles, err := p.DayData(ctx, weekATMCE, day)
	require.NoError(t, err)
	// 03:44 UTC is 09:14 IST and 10:05 UTC is 15:35 IST: both outside the session
	require.Len(t, candles, 2)
	assert.Equal(t, "09:15", models.ClockOf(candles[0].Time).String())
	assert.Equal(t, 102.0, candles[0].Close)
	assert.Equal(t, 21705.0, candles[0].Spot)
	assert.Equal(t, 21700.0, candles[0].StrikePrice)
	assert.Equal(t, 0.0, candles[0].OI)

	_, err = p.DayData(ctx, weekATMCE, time.Date(2024, 1, 4, 0, 0, 0, 0, IST()))
	assert.ErrorIs(t, err, ErrNoData)
}

func TestCSVProvider_MissingFile(t *testing.T) {
	p := NewCSVProvider(t.TempDir())
	pe := models.Instrument{Strike: "ATM+2", OptionType: models.OptionPE, Expiry: models.ExpiryMonth}

	_, err := p.DayData(context.Background(), pe, time.Now())
	assert.ErrorIs(t, err, ErrNoData)
	assert.True(t, strings.HasSuffix(p.Path(pe), filepath.Join("NIFTY", "MONTH", "ATM+2_PE.csv")))
}

func TestCSVProvider_Encodings(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"utf8 bom", append([]byte{0xEF, 0xBB, 0xBF}, sampleCSV...)},
		{"utf16 le bom", utf16LE(sampleCSV)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeCSV(t, dir, weekATMCE, tt.body)
			candles, err := NewCSVProvider(dir).DayData(context.Background(), weekATMCE, time.Date(2024, 1, 2, 0, 0, 0, 0, IST()))
			require.NoError(t, err)
			assert.Len(t, candles, 2)
		})
	}
}

func utf16LE(s string) []byte {
	out := []byte{0xFF, 0xFE}
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8))
	}
	return out
}

func TestCSVProvider_Calendar(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, weekATMCE, []byte(sampleCSV))
	p := NewCSVProvider(dir)
	ctx := context.Background()
	loc := IST()

	days, err := p.TradingDays(ctx, models.ExpiryWeek, time.Date(2024, 1, 1, 0, 0, 0, 0, loc), time.Date(2024, 1, 31, 0, 0, 0, 0, loc))
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, "2024-01-02", days[0].Format(models.DateLayout))
	assert.Equal(t, "2024-01-03", days[1].Format(models.DateLayout))

	first, last, err := p.DateRange(ctx, models.ExpiryWeek)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02", first.Format(models.DateLayout))
	assert.Equal(t, "2024-01-03", last.Format(models.DateLayout))

	_, _, err = p.DateRange(ctx, models.ExpiryMonth)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestCSVProvider_BadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing close column", "timestamp,open,high,low\n2024-01-02 03:45:00,1,1,1\n"},
		{"bad number", "timestamp,open,high,low,close\n2024-01-02 03:45:00,1,x,1,1\n"},
		{"bad timestamp", "timestamp,open,high,low,close\nyesterday,1,1,1,1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeCSV(t, dir, weekATMCE, []byte(tt.body))
			_, err := NewCSVProvider(dir).DayData(context.Background(), weekATMCE, time.Date(2024, 1, 2, 0, 0, 0, 0, IST()))
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrNoData)
		})
	}
}
