package pricedata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// CSVProvider reads one file per instrument laid out as
// {dir}/{underlying}/{WEEK|MONTH}/{ATM+1}_{CE|PE}.csv. Files are read once
// and kept in memory.
//
// Required columns are timestamp, open, high, low and close; volume, oi,
// spot and strike are optional. Timestamps without a zone are read in
// SourceLocation and converted to Location.
type CSVProvider struct {
	dir            string
	underlying     string
	location       *time.Location
	sourceLocation *time.Location
	session        Session
	cache          *seriesCache
}

// CSVOption configures a CSVProvider.
type CSVOption func(*CSVProvider)

// WithSession overrides the session window.
func WithSession(s Session) CSVOption { return func(p *CSVProvider) { p.session = s } }

// WithSourceLocation sets the zone of naive timestamps. Defaults to UTC.
func WithSourceLocation(loc *time.Location) CSVOption {
	return func(p *CSVProvider) { p.sourceLocation = loc }
}

// WithUnderlying sets the underlying directory name. Defaults to NIFTY.
func WithUnderlying(u string) CSVOption { return func(p *CSVProvider) { p.underlying = u } }

// NewCSVProvider serves files under dir.
func NewCSVProvider(dir string, opts ...CSVOption) *CSVProvider {
	p := &CSVProvider{
		dir:            dir,
		underlying:     "NIFTY",
		location:       IST(),
		sourceLocation: time.UTC,
		session:        DefaultSession,
		cache:          newSeriesCache(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Path returns the file backing inst.
func (p *CSVProvider) Path(inst models.Instrument) string {
	name := fmt.Sprintf("%s_%s.csv", models.FormatStrikeOffset(inst.Offset()), inst.OptionType)
	return filepath.Join(p.dir, p.underlying, string(inst.Expiry), name)
}

func (p *CSVProvider) load(inst models.Instrument) ([]models.Candle, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	return p.cache.get(inst.Key(), func() ([]models.Candle, error) {
		f, err := os.Open(p.Path(inst)) // #nosec G304 -- path is built from a validated selector
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%s: %w", inst.Key(), ErrNoData)
			}
			return nil, fmt.Errorf("opening %s: %w", inst.Key(), err)
		}
		defer func() { _ = f.Close() }()
		candles, err := p.parse(f)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p.Path(inst), err)
		}
		return candles, nil
	})
}

// parse reads a CSV stream. UTF-8 and UTF-16 byte order marks are honoured.
func (p *CSVProvider) parse(r io.Reader) ([]models.Candle, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["timestamp"]; !ok {
		if i, ok := cols["datetime"]; ok {
			cols["timestamp"] = i
		}
	}
	for _, c := range []string{"timestamp", "open", "high", "low", "close"} {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}

	var out []models.Candle
	line := 1
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		c, err := p.parseRecord(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (p *CSVProvider) parseRecord(rec []string, cols map[string]int) (models.Candle, error) {
	field := func(name string) (float64, error) {
		i, ok := cols[name]
		if !ok || i >= len(rec) || strings.TrimSpace(rec[i]) == "" {
			return 0, nil
		}
		return strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
	}

	ts, err := p.parseTime(rec[cols["timestamp"]])
	if err != nil {
		return models.Candle{}, err
	}
	c := models.Candle{Time: ts}
	targets := []struct {
		name string
		dst  *float64
	}{
		{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low}, {"close", &c.Close},
		{"volume", &c.Volume}, {"oi", &c.OI}, {"spot", &c.Spot}, {"strike", &c.StrikePrice},
	}
	for _, t := range targets {
		v, err := field(t.name)
		if err != nil {
			return models.Candle{}, fmt.Errorf("column %s: %w", t.name, err)
		}
		*t.dst = v
	}
	return c, nil
}

func (p *CSVProvider) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, p.sourceLocation); err == nil {
			return t.In(p.location), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// DayData returns the session candles of inst on date.
func (p *CSVProvider) DayData(ctx context.Context, inst models.Instrument, date time.Time) ([]models.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	series, err := p.load(inst)
	if err != nil {
		return nil, err
	}
	out := sliceDay(series, date, p.session)
	if len(out) == 0 {
		return nil, fmt.Errorf("%s on %s: %w", inst.Key(), date.Format(models.DateLayout), ErrNoData)
	}
	return out, nil
}

func calendarInstrument(expiry models.ExpiryClass) models.Instrument {
	return models.Instrument{Strike: "ATM", OptionType: models.OptionCE, Expiry: expiry}
}

// TradingDays derives the calendar from the ATM call series.
func (p *CSVProvider) TradingDays(ctx context.Context, expiry models.ExpiryClass, start, end time.Time) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	series, err := p.load(calendarInstrument(expiry))
	if err != nil {
		return nil, err
	}
	return distinctDays(series, start, end), nil
}

// DateRange returns the first and last dates of the ATM call series.
func (p *CSVProvider) DateRange(ctx context.Context, expiry models.ExpiryClass) (time.Time, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, time.Time{}, err
	}
	series, err := p.load(calendarInstrument(expiry))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if len(series) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("%s: %w", expiry, ErrNoData)
	}
	first := series[0].Time
	last := series[len(series)-1].Time
	return DayOf(first, p.location), DayOf(last, p.location), nil
}

var _ Provider = (*CSVProvider)(nil)
