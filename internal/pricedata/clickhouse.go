package pricedata

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// ClickHouseConfig locates the candle table.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// clickHouseSchema is the table layout ClickHouseProvider reads. ts is
// stored in UTC; the session filter is applied after conversion to IST.
const clickHouseSchema = `
CREATE TABLE IF NOT EXISTS %s (
	underlying  LowCardinality(String),
	expiry      LowCardinality(String),
	strike_sel  LowCardinality(String),
	option_type LowCardinality(String),
	ts          DateTime64(3, 'UTC'),
	open        Float64,
	high        Float64,
	low         Float64,
	close       Float64,
	volume      Float64,
	oi          Float64,
	spot        Float64,
	strike      Float64
) ENGINE = ReplacingMergeTree
ORDER BY (underlying, expiry, strike_sel, option_type, ts)`

// chConn is the subset of driver.Conn the provider uses.
type chConn interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

// ClickHouseProvider reads candles from a ClickHouse table.
type ClickHouseProvider struct {
	conn       chConn
	table      string
	underlying string
	location   *time.Location
	session    Session
}

// NewClickHouseProvider connects and pings the server.
func NewClickHouseProvider(ctx context.Context, cfg ClickHouseConfig, underlying string) (*ClickHouseProvider, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging clickhouse at %s: %w", cfg.Addr, err)
	}
	return newClickHouseProvider(conn, cfg.Table, underlying), nil
}

func newClickHouseProvider(conn chConn, table, underlying string) *ClickHouseProvider {
	if table == "" {
		table = "option_candles"
	}
	if underlying == "" {
		underlying = "NIFTY"
	}
	return &ClickHouseProvider{
		conn:       conn,
		table:      table,
		underlying: underlying,
		location:   IST(),
		session:    DefaultSession,
	}
}

// EnsureSchema creates the candle table if it does not exist.
func (p *ClickHouseProvider) EnsureSchema(ctx context.Context) error {
	if err := p.conn.Exec(ctx, fmt.Sprintf(clickHouseSchema, p.table)); err != nil {
		return fmt.Errorf("creating %s: %w", p.table, err)
	}
	return nil
}

// Close releases the connection.
func (p *ClickHouseProvider) Close() error { return p.conn.Close() }

func (p *ClickHouseProvider) dayQuery() string {
	return fmt.Sprintf(`SELECT ts, open, high, low, close, volume, oi, spot, strike
FROM %s
WHERE underlying = ? AND expiry = ? AND strike_sel = ? AND option_type = ?
  AND toDate(ts, 'Asia/Kolkata') = ?
ORDER BY ts`, p.table)
}

// DayData queries one instrument's candles for date.
func (p *ClickHouseProvider) DayData(ctx context.Context, inst models.Instrument, date time.Time) ([]models.Candle, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	day := DayOf(date, p.location)
	rows, err := p.conn.Query(ctx, p.dayQuery(),
		p.underlying, string(inst.Expiry), models.FormatStrikeOffset(inst.Offset()), string(inst.OptionType),
		day.Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", inst.Key(), err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Candle
	for rows.Next() {
		var c models.Candle
		var ts time.Time
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.OI, &c.Spot, &c.StrikePrice); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", inst.Key(), err)
		}
		c.Time = ts.In(p.location)
		if p.session.Contains(c.Time) {
			out = append(out, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", inst.Key(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s on %s: %w", inst.Key(), day.Format(models.DateLayout), ErrNoData)
	}
	return out, nil
}

// TradingDays lists the dates with ATM call data in [start, end].
func (p *ClickHouseProvider) TradingDays(ctx context.Context, expiry models.ExpiryClass, start, end time.Time) ([]time.Time, error) {
	q := fmt.Sprintf(`SELECT DISTINCT toDate(ts, 'Asia/Kolkata') AS d
FROM %s
WHERE underlying = ? AND expiry = ? AND strike_sel = 'ATM' AND option_type = 'CE'
  AND d BETWEEN ? AND ?
ORDER BY d`, p.table)
	rows, err := p.conn.Query(ctx, q, p.underlying, string(expiry),
		start.Format(models.DateLayout), end.Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("querying calendar: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var days []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scanning calendar: %w", err)
		}
		days = append(days, time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, p.location))
	}
	return days, rows.Err()
}

// DateRange returns the first and last dates with ATM call data.
func (p *ClickHouseProvider) DateRange(ctx context.Context, expiry models.ExpiryClass) (time.Time, time.Time, error) {
	q := fmt.Sprintf(`SELECT count(), min(toDate(ts, 'Asia/Kolkata')), max(toDate(ts, 'Asia/Kolkata'))
FROM %s
WHERE underlying = ? AND expiry = ? AND strike_sel = 'ATM' AND option_type = 'CE'`, p.table)
	var (
		n           uint64
		first, last time.Time
	)
	if err := p.conn.QueryRow(ctx, q, p.underlying, string(expiry)).Scan(&n, &first, &last); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("querying date range: %w", err)
	}
	if n == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("%s: %w", expiry, ErrNoData)
	}
	return DayOf(first, p.location), DayOf(last, p.location), nil
}

var _ Provider = (*ClickHouseProvider)(nil)
