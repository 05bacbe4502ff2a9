package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/nifty_backtester/internal/config"
	"github.com/eddiefleurent/nifty_backtester/internal/engine"
	"github.com/eddiefleurent/nifty_backtester/internal/logging"
	"github.com/eddiefleurent/nifty_backtester/internal/mock"
	"github.com/eddiefleurent/nifty_backtester/internal/models"
	"github.com/eddiefleurent/nifty_backtester/internal/pricedata"
	"github.com/eddiefleurent/nifty_backtester/internal/storage"
)

// app carries what every subcommand needs once the config is loaded.
type app struct {
	configPath string
	envFile    string
	out        io.Writer

	cfg      *config.Config
	logger   *logrus.Logger
	shutdown func(context.Context) error

	// newProvider is replaced in tests.
	newProvider func(ctx context.Context) (pricedata.Provider, func(), error)
}

func (a *app) init(cmd *cobra.Command) error {
	if err := loadEnvFile(a.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.NewLogger(cfg.Logging(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.logger = logger

	shutdown, err := logging.InitTracing(cmd.Context(), cfg.Environment.Tracing, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	a.shutdown = shutdown
	return nil
}

func (a *app) close(ctx context.Context) error {
	if a.shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return a.shutdown(ctx)
}

// loadEnvFile loads a .env file. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// provider builds the configured candle source. Remote stores retry
// transient failures behind a circuit breaker, and every source is cached.
func (a *app) provider(ctx context.Context) (pricedata.Provider, func(), error) {
	if a.newProvider != nil {
		return a.newProvider(ctx)
	}
	cfg := a.cfg
	noop := func() {}

	switch cfg.Data.Provider {
	case config.ProviderCSV:
		session, err := cfg.Session()
		if err != nil {
			return nil, nil, err
		}
		p := pricedata.NewCSVProvider(cfg.Data.Dir,
			pricedata.WithSession(session),
			pricedata.WithSourceLocation(cfg.SourceLocation()),
			pricedata.WithUnderlying(cfg.Backtest.Underlying),
		)
		return pricedata.NewCachedProvider(p), noop, nil

	case config.ProviderClickHouse:
		ch, err := pricedata.NewClickHouseProvider(ctx, cfg.ClickHouseSettings(), cfg.Backtest.Underlying)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to clickhouse: %w", err)
		}
		closer := func() {
			if err := ch.Close(); err != nil {
				a.logger.WithError(err).Warn("Failed to close clickhouse connection")
			}
		}
		retrying := pricedata.NewRetryingProvider(ch, cfg.Retry(), a.logger)
		guarded := pricedata.NewCircuitBreakerProvider(retrying, cfg.Breaker(), a.logger)
		return pricedata.NewCachedProvider(guarded), closer, nil

	case config.ProviderSynthetic:
		first, last, err := cfg.SyntheticRange()
		if err != nil {
			return nil, nil, err
		}
		p := mock.NewDataProvider(cfg.Data.Synthetic.Seed, first, last)
		return pricedata.NewCachedProvider(p), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown data provider %q", cfg.Data.Provider)
}

func (a *app) engine(kind engine.Kind, p pricedata.Provider) (*engine.Engine, error) {
	return engine.New(kind, p,
		engine.WithLogger(a.logger),
		engine.WithLotSize(a.cfg.Backtest.LotSize),
	)
}

func (a *app) storage() (storage.Interface, error) {
	return storage.NewStorage(a.cfg.Storage.Path)
}

// request resolves an open backtest window against the provider's range.
func (a *app) request(ctx context.Context, p pricedata.Provider) (engine.RunRequest, error) {
	strategy, err := a.cfg.ModelStrategy()
	if err != nil {
		return engine.RunRequest{}, err
	}
	start, end, err := a.cfg.Window()
	if err != nil {
		return engine.RunRequest{}, err
	}
	if start.IsZero() || end.IsZero() {
		first, last, err := p.DateRange(ctx, strategy.Legs[0].Instrument.Expiry)
		if err != nil {
			return engine.RunRequest{}, fmt.Errorf("resolving backtest window: %w", err)
		}
		if start.IsZero() {
			start = first
		}
		if end.IsZero() {
			end = last
		}
	}
	return a.cfg.RunRequest(&strategy, start, end), nil
}

// expiry is the calendar series of the strategy's first leg.
func (a *app) expiry() models.ExpiryClass {
	s, err := a.cfg.ModelStrategy()
	if err != nil || len(s.Legs) == 0 {
		return models.ExpiryWeek
	}
	return s.Legs[0].Instrument.Expiry
}

func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path) // #nosec G304 -- output path comes from the operator
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s: %w", path, err)
	}
	return f, f.Close, nil
}
