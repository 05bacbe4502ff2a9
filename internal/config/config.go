// Package config loads the backtester YAML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/nifty_backtester/internal/engine"
	"github.com/eddiefleurent/nifty_backtester/internal/logging"
	"github.com/eddiefleurent/nifty_backtester/internal/models"
	"github.com/eddiefleurent/nifty_backtester/internal/montecarlo"
	"github.com/eddiefleurent/nifty_backtester/internal/pricedata"
	"github.com/eddiefleurent/nifty_backtester/internal/retry"
)

// Defaults applied by normalize.
const (
	defaultSlippagePct     = 0.05
	defaultBrokeragePerLot = 20.0
	defaultUnderlying      = "NIFTY"
	defaultTimezone        = "Asia/Kolkata"
	defaultSessionStart    = "09:15"
	defaultSessionEnd      = "15:30"
	defaultTrials          = 1000
	defaultCapital         = 100000.0
	defaultRuinPct         = 50.0
	defaultStoragePath     = "data/runs.json"
	defaultDashboardPort   = 8080
	defaultSyntheticDays   = 60
	dateLayout             = "2006-01-02"
)

// Data providers.
const (
	ProviderCSV        = "csv"
	ProviderClickHouse = "clickhouse"
	ProviderSynthetic  = "synthetic"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Data        DataConfig        `yaml:"data"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Backtest    BacktestConfig    `yaml:"backtest"`
	MonteCarlo  MonteCarloConfig  `yaml:"montecarlo"`
	Sweep       []SweepOverride   `yaml:"sweep"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines logging and tracing.
type EnvironmentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
	Tracing   bool   `yaml:"tracing"`
}

// DataConfig selects and configures the candle source.
type DataConfig struct {
	Provider     string           `yaml:"provider"` // csv | clickhouse | synthetic
	Dir          string           `yaml:"dir"`
	Timezone     string           `yaml:"timezone"` // zone of naive CSV timestamps
	SessionStart string           `yaml:"session_start"`
	SessionEnd   string           `yaml:"session_end"`
	ClickHouse   ClickHouseConfig `yaml:"clickhouse"`
	Synthetic    SyntheticConfig  `yaml:"synthetic"`
	Breaker      BreakerConfig    `yaml:"breaker"`
	Retry        RetryConfig      `yaml:"retry"`
}

// ClickHouseConfig holds connection settings for the candle table.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// SyntheticConfig drives the deterministic random-walk provider.
type SyntheticConfig struct {
	Seed  uint64 `yaml:"seed"`
	Days  int    `yaml:"days"`
	Start string `yaml:"start"`
}

// BreakerConfig mirrors pricedata.CircuitBreakerSettings. Zero fields use
// the package defaults.
type BreakerConfig struct {
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// RetryConfig controls retries of transient remote failures.
type RetryConfig struct {
	MaxRetries     *int   `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// StrategyConfig is the YAML form of models.StrategyConfig.
type StrategyConfig struct {
	Name            string      `yaml:"name"`
	Mode            string      `yaml:"mode"`
	EntryTime       string      `yaml:"entry_time"`
	NoEntryAfter    string      `yaml:"no_entry_after"`
	ExitTime        string      `yaml:"exit_time"`
	MaxLoss         *float64    `yaml:"max_loss"`
	MaxProfit       *float64    `yaml:"max_profit"`
	ReentryOnSL     int         `yaml:"reentry_on_sl"`
	ReentryOnTarget int         `yaml:"reentry_on_target"`
	Legs            []LegConfig `yaml:"legs"`
}

// LegConfig flattens a leg's thresholds into points/percent pairs.
type LegConfig struct {
	ID         string `yaml:"id"`
	Strike     string `yaml:"strike"`      // ATM, ATM+1 .. ATM-10
	OptionType string `yaml:"option_type"` // CE | PE
	Expiry     string `yaml:"expiry"`      // WEEK | MONTH
	Action     string `yaml:"action"`      // BUY | SELL
	Lots       int    `yaml:"lots"`

	SLPoints               *float64 `yaml:"sl_points"`
	SLPct                  *float64 `yaml:"sl_pct"`
	TargetPoints           *float64 `yaml:"target_points"`
	TargetPct              *float64 `yaml:"target_pct"`
	UnderlyingSLPoints     *float64 `yaml:"underlying_sl_points"`
	UnderlyingSLPct        *float64 `yaml:"underlying_sl_pct"`
	UnderlyingTargetPoints *float64 `yaml:"underlying_target_points"`
	UnderlyingTargetPct    *float64 `yaml:"underlying_target_pct"`

	TrailType     string   `yaml:"trail_type"` // points | percent
	TrailActivate *float64 `yaml:"trail_activate"`
	TrailLock     *float64 `yaml:"trail_lock"`
}

// BacktestConfig defines the run window and costs.
type BacktestConfig struct {
	Start           string   `yaml:"start"` // YYYY-MM-DD, empty means the provider's first date
	End             string   `yaml:"end"`
	Engine          string   `yaml:"engine"` // reference | optimized
	SlippagePct     *float64 `yaml:"slippage_pct"`
	BrokeragePerLot *float64 `yaml:"brokerage_per_lot"`
	LotSize         int      `yaml:"lot_size"`
	Underlying      string   `yaml:"underlying"`
}

// MonteCarloConfig configures resampling.
type MonteCarloConfig struct {
	Trials  int      `yaml:"trials"`
	Capital float64  `yaml:"capital"`
	RuinPct *float64 `yaml:"ruin_pct"`
	Seed    *uint64  `yaml:"seed"`
	Workers int      `yaml:"workers"`
}

// SweepOverride is one named variant of the base strategy. Leg-level
// overrides apply to every leg.
type SweepOverride struct {
	Name         string   `yaml:"name"`
	SLPoints     *float64 `yaml:"sl_points"`
	TargetPoints *float64 `yaml:"target_points"`
	MaxLoss      *float64 `yaml:"max_loss"`
	MaxProfit    *float64 `yaml:"max_profit"`
}

// StorageConfig defines where run records are kept.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the results API listener.
type DashboardConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML with environment expansion and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate fills defaults and checks that all values are consistent.
func (c *Config) Validate() error {
	c.normalize()

	if _, err := logging.NewLogger(c.Logging(), io.Discard); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	switch c.Data.Provider {
	case ProviderCSV:
		if c.Data.Dir == "" {
			return fmt.Errorf("data.dir is required for the csv provider")
		}
	case ProviderClickHouse:
		if c.Data.ClickHouse.Addr == "" {
			return fmt.Errorf("data.clickhouse.addr is required for the clickhouse provider")
		}
	case ProviderSynthetic:
		if c.Data.Synthetic.Days <= 0 {
			return fmt.Errorf("data.synthetic.days must be > 0")
		}
		if _, err := c.parseDate("data.synthetic.start", c.Data.Synthetic.Start); err != nil {
			return err
		}
	default:
		return fmt.Errorf("data.provider must be 'csv', 'clickhouse' or 'synthetic'")
	}
	if _, err := time.LoadLocation(c.Data.Timezone); err != nil && c.Data.Timezone != defaultTimezone {
		return fmt.Errorf("data.timezone invalid: %w", err)
	}
	session, err := c.Session()
	if err != nil {
		return err
	}
	if session.Start >= session.End {
		return fmt.Errorf("data session_start must be before session_end")
	}
	for name, d := range map[string]string{
		"data.breaker.interval":      c.Data.Breaker.Interval,
		"data.breaker.timeout":       c.Data.Breaker.Timeout,
		"data.retry.initial_backoff": c.Data.Retry.InitialBackoff,
		"data.retry.max_backoff":     c.Data.Retry.MaxBackoff,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}
	if n := c.Data.Retry.MaxRetries; n != nil && *n < 0 {
		return fmt.Errorf("data.retry.max_retries must be >= 0")
	}
	if r := c.Data.Breaker.FailureRatio; r < 0 || r > 1 {
		return fmt.Errorf("data.breaker.failure_ratio must be within [0, 1]")
	}

	if _, err := c.ModelStrategy(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	if _, err := engine.ParseKind(c.Backtest.Engine); err != nil {
		return fmt.Errorf("backtest.engine: %w", err)
	}
	start, end, err := c.Window()
	if err != nil {
		return err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return fmt.Errorf("backtest.end (%s) is before backtest.start (%s)", c.Backtest.End, c.Backtest.Start)
	}
	if *c.Backtest.SlippagePct < 0 {
		return fmt.Errorf("backtest.slippage_pct must be >= 0")
	}
	if *c.Backtest.BrokeragePerLot < 0 {
		return fmt.Errorf("backtest.brokerage_per_lot must be >= 0")
	}
	if c.Backtest.LotSize <= 0 {
		return fmt.Errorf("backtest.lot_size must be > 0")
	}

	if c.MonteCarlo.Trials <= 0 {
		return fmt.Errorf("montecarlo.trials must be > 0")
	}
	if c.MonteCarlo.Capital <= 0 {
		return fmt.Errorf("montecarlo.capital must be > 0")
	}
	if r := *c.MonteCarlo.RuinPct; r < 0 || r > 100 {
		return fmt.Errorf("montecarlo.ruin_pct must be within [0, 100]")
	}

	seen := make(map[string]bool, len(c.Sweep))
	for i, o := range c.Sweep {
		if o.Name == "" {
			return fmt.Errorf("sweep[%d].name is required", i)
		}
		if seen[o.Name] {
			return fmt.Errorf("sweep name %q is duplicated", o.Name)
		}
		seen[o.Name] = true
	}

	if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}

	return nil
}

// normalize sets default values for optional fields.
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Data.Provider == "" {
		c.Data.Provider = ProviderCSV
	}
	if c.Data.Timezone == "" {
		c.Data.Timezone = defaultTimezone
	}
	if c.Data.SessionStart == "" {
		c.Data.SessionStart = defaultSessionStart
	}
	if c.Data.SessionEnd == "" {
		c.Data.SessionEnd = defaultSessionEnd
	}
	if c.Data.Provider == ProviderSynthetic && c.Data.Synthetic.Days == 0 {
		c.Data.Synthetic.Days = defaultSyntheticDays
	}
	if c.Backtest.Engine == "" {
		c.Backtest.Engine = string(engine.Optimized)
	}
	if c.Backtest.SlippagePct == nil {
		v := defaultSlippagePct
		c.Backtest.SlippagePct = &v
	}
	if c.Backtest.BrokeragePerLot == nil {
		v := defaultBrokeragePerLot
		c.Backtest.BrokeragePerLot = &v
	}
	if c.Backtest.LotSize == 0 {
		c.Backtest.LotSize = models.DefaultLotSize
	}
	if c.Backtest.Underlying == "" {
		c.Backtest.Underlying = defaultUnderlying
	}
	if c.MonteCarlo.Trials == 0 {
		c.MonteCarlo.Trials = defaultTrials
	}
	if c.MonteCarlo.Capital == 0 {
		c.MonteCarlo.Capital = defaultCapital
	}
	if c.MonteCarlo.RuinPct == nil {
		v := defaultRuinPct
		c.MonteCarlo.RuinPct = &v
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = defaultDashboardPort
	}
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:   c.Environment.LogLevel,
		Format:  c.Environment.LogFormat,
		Tracing: c.Environment.Tracing,
	}
}

// Location returns the IST market zone.
func (c *Config) Location() *time.Location { return pricedata.IST() }

// SourceLocation returns the zone of naive CSV timestamps, falling back to
// IST when the tz database lacks the configured name.
func (c *Config) SourceLocation() *time.Location {
	if c.Data.Timezone == "" || c.Data.Timezone == defaultTimezone {
		return pricedata.IST()
	}
	loc, err := time.LoadLocation(c.Data.Timezone)
	if err != nil {
		return pricedata.IST()
	}
	return loc
}

// Session returns the configured intraday window.
func (c *Config) Session() (pricedata.Session, error) {
	start, err := models.ParseClock(c.Data.SessionStart)
	if err != nil {
		return pricedata.Session{}, fmt.Errorf("data.session_start: %w", err)
	}
	end, err := models.ParseClock(c.Data.SessionEnd)
	if err != nil {
		return pricedata.Session{}, fmt.Errorf("data.session_end: %w", err)
	}
	return pricedata.Session{Start: start, End: end}, nil
}

// Breaker returns the circuit breaker settings with defaults filled in.
func (c *Config) Breaker() pricedata.CircuitBreakerSettings {
	s := pricedata.DefaultCircuitBreakerSettings
	b := c.Data.Breaker
	if b.MaxRequests > 0 {
		s.MaxRequests = b.MaxRequests
	}
	if d, err := time.ParseDuration(b.Interval); err == nil && d > 0 {
		s.Interval = d
	}
	if d, err := time.ParseDuration(b.Timeout); err == nil && d > 0 {
		s.Timeout = d
	}
	if b.MinRequests > 0 {
		s.MinRequests = b.MinRequests
	}
	if b.FailureRatio > 0 {
		s.FailureRatio = b.FailureRatio
	}
	return s
}

// Retry returns the retry policy with defaults filled in.
func (c *Config) Retry() retry.Config {
	cfg := retry.DefaultConfig
	r := c.Data.Retry
	if r.MaxRetries != nil {
		cfg.MaxRetries = *r.MaxRetries
	}
	if d, err := time.ParseDuration(r.InitialBackoff); err == nil && d > 0 {
		cfg.InitialBackoff = d
	}
	if d, err := time.ParseDuration(r.MaxBackoff); err == nil && d > 0 {
		cfg.MaxBackoff = d
	}
	return cfg
}

// ClickHouseSettings converts the clickhouse section.
func (c *Config) ClickHouseSettings() pricedata.ClickHouseConfig {
	ch := c.Data.ClickHouse
	return pricedata.ClickHouseConfig{
		Addr:     ch.Addr,
		Database: ch.Database,
		Username: ch.Username,
		Password: ch.Password,
		Table:    ch.Table,
	}
}

// SyntheticRange returns the first and last day the synthetic provider covers.
func (c *Config) SyntheticRange() (time.Time, time.Time, error) {
	first, err := c.parseDate("data.synthetic.start", c.Data.Synthetic.Start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if first.IsZero() {
		first = time.Date(2024, 1, 1, 0, 0, 0, 0, c.Location())
	}
	return first, first.AddDate(0, 0, c.Data.Synthetic.Days-1), nil
}

// Window returns the backtest start and end. Either may be zero when the
// provider's range should be used.
func (c *Config) Window() (time.Time, time.Time, error) {
	start, err := c.parseDate("backtest.start", c.Backtest.Start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := c.parseDate("backtest.end", c.Backtest.End)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func (c *Config) parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, c.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD: %w", field, err)
	}
	return t, nil
}

// ModelStrategy converts and validates the strategy section.
func (c *Config) ModelStrategy() (models.StrategyConfig, error) {
	s := c.Strategy
	out := models.StrategyConfig{
		Name:            s.Name,
		Underlying:      c.Backtest.Underlying,
		Mode:            models.Mode(strings.ToUpper(s.Mode)),
		MaxLoss:         s.MaxLoss,
		MaxProfit:       s.MaxProfit,
		ReentryOnSL:     s.ReentryOnSL,
		ReentryOnTarget: s.ReentryOnTarget,
	}
	if out.Underlying == "" {
		out.Underlying = defaultUnderlying
	}
	clocks := []struct {
		field string
		value string
		dst   *models.ClockTime
	}{
		{"entry_time", s.EntryTime, &out.EntryTime},
		{"no_entry_after", s.NoEntryAfter, &out.NoEntryAfter},
		{"exit_time", s.ExitTime, &out.ExitTime},
	}
	for _, ct := range clocks {
		v, err := models.ParseClock(ct.value)
		if err != nil {
			return models.StrategyConfig{}, fmt.Errorf("%s: %w", ct.field, err)
		}
		*ct.dst = v
	}
	for _, l := range s.Legs {
		leg, err := l.model()
		if err != nil {
			return models.StrategyConfig{}, err
		}
		out.Legs = append(out.Legs, leg)
	}
	if err := out.Validate(); err != nil {
		return models.StrategyConfig{}, err
	}
	return out, nil
}

func (l LegConfig) model() (models.LegConfig, error) {
	out := models.LegConfig{
		ID: l.ID,
		Instrument: models.Instrument{
			Strike:     strings.ToUpper(l.Strike),
			OptionType: models.OptionType(strings.ToUpper(l.OptionType)),
			Expiry:     models.ExpiryClass(strings.ToUpper(l.Expiry)),
		},
		Action: models.Action(strings.ToUpper(l.Action)),
		Lots:   l.Lots,
	}
	pairs := []struct {
		name            string
		points, percent *float64
		dst             *models.Threshold
	}{
		{"sl", l.SLPoints, l.SLPct, &out.SL},
		{"target", l.TargetPoints, l.TargetPct, &out.Target},
		{"underlying_sl", l.UnderlyingSLPoints, l.UnderlyingSLPct, &out.UnderlyingSL},
		{"underlying_target", l.UnderlyingTargetPoints, l.UnderlyingTargetPct, &out.UnderlyingTarget},
	}
	for _, p := range pairs {
		if p.points != nil && p.percent != nil {
			return models.LegConfig{}, fmt.Errorf("%w: leg %s sets both %s_points and %s_pct",
				models.ErrInvalidConfig, l.ID, p.name, p.name)
		}
		*p.dst = models.Threshold{Points: p.points, Percent: p.percent}
	}
	if l.TrailActivate != nil || l.TrailLock != nil || l.TrailType != "" {
		out.Trail = models.Trail{
			Type:     models.TrailType(strings.ToLower(l.TrailType)),
			Activate: l.TrailActivate,
			Lock:     l.TrailLock,
		}
		if out.Trail.Type == "" {
			out.Trail.Type = models.TrailPoints
		}
	}
	return out, nil
}

// RunRequest builds an engine request for the configured window. Zero
// start or end should be resolved by the caller first.
func (c *Config) RunRequest(strategy *models.StrategyConfig, start, end time.Time) engine.RunRequest {
	return engine.RunRequest{
		Strategy:        strategy,
		Start:           start,
		End:             end,
		SlippagePct:     *c.Backtest.SlippagePct,
		BrokeragePerLot: *c.Backtest.BrokeragePerLot,
	}
}

// MonteCarloOptions converts the montecarlo section.
func (c *Config) MonteCarloOptions() montecarlo.Options {
	return montecarlo.Options{
		Trials:  c.MonteCarlo.Trials,
		Capital: c.MonteCarlo.Capital,
		RuinPct: *c.MonteCarlo.RuinPct,
		Seed:    c.MonteCarlo.Seed,
		Workers: c.MonteCarlo.Workers,
	}
}

// SweepVariants turns the sweep list into engine variants.
func (c *Config) SweepVariants() []engine.Variant {
	variants := make([]engine.Variant, 0, len(c.Sweep))
	for _, o := range c.Sweep {
		variants = append(variants, engine.Variant{
			Name: o.Name,
			Mutate: func(s *models.StrategyConfig) {
				for i := range s.Legs {
					if o.SLPoints != nil {
						s.Legs[i].SL = models.PointsOf(*o.SLPoints)
					}
					if o.TargetPoints != nil {
						s.Legs[i].Target = models.PointsOf(*o.TargetPoints)
					}
				}
				if o.MaxLoss != nil {
					v := *o.MaxLoss
					s.MaxLoss = &v
				}
				if o.MaxProfit != nil {
					v := *o.MaxProfit
					s.MaxProfit = &v
				}
			},
		})
	}
	return variants
}
