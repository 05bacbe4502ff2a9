// Package engine drives a Strategy through historical trading days candle by
// candle and aggregates the closed legs into a BacktestResult.
//
// Two engine kinds exist. Reference filters each leg's day series on every
// timestamp; Optimized pre-indexes each series by timestamp. Both share the
// same per-candle decision logic and must produce identical results.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eddiefleurent/nifty_backtester/internal/logging"
	"github.com/eddiefleurent/nifty_backtester/internal/models"
	"github.com/eddiefleurent/nifty_backtester/internal/pricedata"
)

// Kind selects the series lookup strategy.
type Kind string

const (
	Reference Kind = "reference"
	Optimized Kind = "optimized"
)

// ParseKind accepts "reference" or "optimized", case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Reference, Optimized:
		return k, nil
	default:
		return "", fmt.Errorf("%w: engine %q must be reference or optimized", models.ErrInvalidConfig, s)
	}
}

// Engine runs backtests against one price-data provider. An Engine holds no
// per-run state and may run several backtests concurrently.
type Engine struct {
	kind      Kind
	provider  pricedata.Provider
	logger    logrus.FieldLogger
	lotSize   int
	newSeries seriesFactory
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLotSize sets the contract multiplier applied to every leg.
func WithLotSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.lotSize = n
		}
	}
}

// New builds an engine of the given kind.
func New(kind Kind, p pricedata.Provider, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, errors.New("engine: provider is required")
	}
	e := &Engine{kind: kind, provider: p, lotSize: models.DefaultLotSize}
	switch kind {
	case Reference:
		e.newSeries = newScanSeries
	case Optimized:
		e.newSeries = newIndexedSeries
	default:
		return nil, fmt.Errorf("%w: unknown engine kind %q", models.ErrInvalidConfig, kind)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		e.logger = discard
	}
	return e, nil
}

// NewReference builds the reference engine.
func NewReference(p pricedata.Provider, opts ...Option) *Engine {
	e, err := New(Reference, p, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// NewOptimized builds the indexed engine.
func NewOptimized(p pricedata.Provider, opts ...Option) *Engine {
	e, err := New(Optimized, p, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// Kind reports the engine kind.
func (e *Engine) Kind() Kind { return e.kind }

// RunRequest describes one backtest run.
type RunRequest struct {
	Strategy        *models.StrategyConfig
	Start           time.Time
	End             time.Time
	SlippagePct     float64
	BrokeragePerLot float64
	Observer        Observer
}

func (r RunRequest) validate() error {
	if r.Strategy == nil {
		return fmt.Errorf("%w: strategy is required", models.ErrInvalidConfig)
	}
	if err := r.Strategy.Validate(); err != nil {
		return err
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: end %s is before start %s", models.ErrInvalidConfig,
			r.End.Format(models.DateLayout), r.Start.Format(models.DateLayout))
	}
	if r.SlippagePct < 0 || r.BrokeragePerLot < 0 {
		return fmt.Errorf("%w: slippage and brokerage must not be negative", models.ErrInvalidConfig)
	}
	return nil
}

// Run simulates req.Strategy over every trading day in [Start, End]. Missing
// price data for a leg or a day is absorbed; leg state violations and
// context cancellation are returned.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*models.BacktestResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	cfg := *req.Strategy

	ctx, span := logging.StartSpan(ctx, "engine.Run", trace.WithAttributes(
		attribute.String("engine", string(e.kind)),
		attribute.String("strategy", cfg.Name),
		attribute.String("mode", string(cfg.Mode)),
	))
	defer span.End()

	result, err := e.run(ctx, cfg, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("trades", result.NumTrades), attribute.Int("days", result.NumDays))
	return result, nil
}

func (e *Engine) run(ctx context.Context, cfg models.StrategyConfig, req RunRequest) (*models.BacktestResult, error) {
	result := &models.BacktestResult{
		RunID:        uuid.NewString(),
		StrategyName: cfg.Name,
		Engine:       string(e.kind),
		Start:        req.Start,
		End:          req.End,
	}
	log := e.logger.WithFields(logrus.Fields{
		"run_id":   result.RunID,
		"engine":   e.kind,
		"strategy": cfg.Name,
		"mode":     cfg.Mode,
	})

	days, err := e.provider.TradingDays(ctx, cfg.Legs[0].Instrument.Expiry, req.Start, req.End)
	switch {
	case errors.Is(err, pricedata.ErrNoData):
		log.Warn("No trading days in range")
		return result, nil
	case err != nil:
		return nil, fmt.Errorf("loading trading calendar: %w", err)
	}

	log.WithField("days", len(days)).Info("Backtest started")
	started := time.Now()

	strat := models.NewStrategy(cfg, e.lotSize)
	for i, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		strat.BeginDay()
		trades, err := e.runDay(ctx, strat, day, req)
		if err != nil {
			return nil, fmt.Errorf("simulating %s: %w", day.Format(models.DateLayout), err)
		}
		result.AddDay(day, trades)
		log.WithFields(logrus.Fields{"date": day.Format(models.DateLayout), "trades": len(trades)}).Debug("Day simulated")
		if req.Observer != nil {
			req.Observer.OnDay(i, len(days), day)
		}
	}

	log.WithFields(logrus.Fields{
		"trades":  result.NumTrades,
		"days":    result.NumDays,
		"net_pnl": result.NetPnL,
		"elapsed": time.Since(started).String(),
	}).Info("Backtest finished")
	return result, nil
}
