package engine

import (
	"context"
	"fmt"
	"runtime"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/nifty_backtester/internal/logging"
	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// Variant is one point of a parameter sweep. Mutate receives a private copy
// of the base strategy config.
type Variant struct {
	Name   string
	Mutate func(*models.StrategyConfig)
}

// SweepResult pairs a variant with its backtest result.
type SweepResult struct {
	Variant string
	Result  *models.BacktestResult
}

// Sweep runs one backtest per variant, at most workers at a time. Every run
// owns its own Strategy. Results come back in variant order. The base
// Observer is not shared with the concurrent runs.
func Sweep(ctx context.Context, e *Engine, base RunRequest, variants []Variant, workers int) ([]SweepResult, error) {
	if base.Strategy == nil {
		return nil, fmt.Errorf("%w: strategy is required", models.ErrInvalidConfig)
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	ctx, span := logging.StartSpan(ctx, "engine.Sweep", trace.WithAttributes(
		attribute.Int("variants", len(variants)),
		attribute.Int("workers", workers),
	))
	defer span.End()

	out := make([]SweepResult, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, v := range variants {
		cfg := cloneStrategy(*base.Strategy)
		if v.Mutate != nil {
			v.Mutate(&cfg)
		}
		req := base
		req.Strategy = &cfg
		req.Observer = nil
		g.Go(func() error {
			res, err := e.Run(gctx, req)
			if err != nil {
				return fmt.Errorf("variant %q: %w", v.Name, err)
			}
			out[i] = SweepResult{Variant: v.Name, Result: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

func cloneStrategy(cfg models.StrategyConfig) models.StrategyConfig {
	cfg.Legs = append([]models.LegConfig(nil), cfg.Legs...)
	return cfg
}
