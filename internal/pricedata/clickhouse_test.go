package pricedata

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

type fakeRows struct {
	driver.Rows
	data [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.data)
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(r.data[r.pos-1], dest)
}

func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { return nil }

type fakeRow struct {
	driver.Row
	values []any
}

func (r fakeRow) Scan(dest ...any) error { return assign(r.values, dest) }

func assign(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(values), len(dest))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *time.Time:
			*d = v.(time.Time)
		case *float64:
			*d = v.(float64)
		case *uint64:
			*d = v.(uint64)
		default:
			return fmt.Errorf("scan: unsupported target %T", d)
		}
	}
	return nil
}

type fakeConn struct {
	queries []string
	args    [][]any
	rows    [][]any
	row     []any
	execs   []string
}

func (c *fakeConn) Query(_ context.Context, q string, args ...any) (driver.Rows, error) {
	c.queries = append(c.queries, q)
	c.args = append(c.args, args)
	return &fakeRows{data: c.rows}, nil
}

func (c *fakeConn) QueryRow(_ context.Context, q string, args ...any) driver.Row {
	c.queries = append(c.queries, q)
	return fakeRow{values: c.row}
}

func (c *fakeConn) Exec(_ context.Context, q string, _ ...any) error {
	c.execs = append(c.execs, q)
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }
func (c *fakeConn) Close() error               { return nil }

func chRow(utc string, px float64) []any {
	ts, _ := time.Parse("2006-01-02 15:04", utc)
	return []any{ts, px, px + 1, px - 1, px, 100.0, 0.0, 21700.0, 21700.0}
}

func TestClickHouseProvider_DayData(t *testing.T) {
	conn := &fakeConn{rows: [][]any{
		chRow("2024-01-02 03:44", 100), // 09:14 IST
		chRow("2024-01-02 03:45", 101),
		chRow("2024-01-02 03:46", 102),
	}}
	p := newClickHouseProvider(conn, "", "")
	inst := models.Instrument{Strike: "atm-1", OptionType: models.OptionPE, Expiry: models.ExpiryWeek}

	candles, err := p.DayData(context.Background(), inst, time.Date(2024, 1, 2, 0, 0, 0, 0, IST()))
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 101.0, candles[0].Close)
	assert.Equal(t, IST(), candles[0].Time.Location())

	require.Len(t, conn.args, 1)
	assert.Equal(t, []any{"NIFTY", "WEEK", "ATM-1", "PE", "2024-01-02"}, conn.args[0])
	assert.Contains(t, conn.queries[0], "FROM option_candles")
}

func TestClickHouseProvider_NoRows(t *testing.T) {
	p := newClickHouseProvider(&fakeConn{}, "candles", "BANKNIFTY")
	_, err := p.DayData(context.Background(), weekATMCE, time.Now())
	assert.ErrorIs(t, err, ErrNoData)

	_, err = p.DayData(context.Background(), models.Instrument{Strike: "OTM"}, time.Now())
	assert.ErrorIs(t, err, models.ErrInvalidSelector)
}

func TestClickHouseProvider_Calendar(t *testing.T) {
	d := func(s string) time.Time { v, _ := time.Parse(models.DateLayout, s); return v }
	conn := &fakeConn{
		rows: [][]any{{d("2024-01-02")}, {d("2024-01-03")}},
		row:  []any{uint64(2), d("2024-01-02"), d("2024-01-03")},
	}
	p := newClickHouseProvider(conn, "", "")
	ctx := context.Background()

	days, err := p.TradingDays(ctx, models.ExpiryMonth, d("2024-01-01"), d("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, "2024-01-03", days[1].Format(models.DateLayout))
	assert.Equal(t, IST(), days[0].Location())

	first, last, err := p.DateRange(ctx, models.ExpiryMonth)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02", first.Format(models.DateLayout))
	assert.Equal(t, "2024-01-03", last.Format(models.DateLayout))

	conn.row = []any{uint64(0), time.Time{}, time.Time{}}
	_, _, err = p.DateRange(ctx, models.ExpiryMonth)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestClickHouseProvider_EnsureSchema(t *testing.T) {
	conn := &fakeConn{}
	require.NoError(t, newClickHouseProvider(conn, "nifty_opts", "").EnsureSchema(context.Background()))
	require.Len(t, conn.execs, 1)
	assert.True(t, strings.Contains(conn.execs[0], "CREATE TABLE IF NOT EXISTS nifty_opts"))
}
