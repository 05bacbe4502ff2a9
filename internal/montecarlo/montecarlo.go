// Package montecarlo estimates the risk profile of a strategy by resampling
// its realized trade outcomes with replacement.
package montecarlo

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/nifty_backtester/internal/logging"
	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

const (
	// MinTrades is the smallest trade list worth resampling.
	MinTrades = 10

	chunkSize      = 256
	tradingDays    = 252
	minCAGRYears   = 0.1
	defaultTrials  = 1000
	defaultCapital = 100000
)

// Options configures a simulation batch.
type Options struct {
	Trials  int
	Capital float64
	// RuinPct is the capital loss, in percent, that counts as ruin.
	RuinPct float64
	// Seed makes the batch reproducible. A nil Seed draws a random one,
	// reported back in Result.Seed.
	Seed    *uint64
	Workers int
	// MinTrades overrides the minimum trade count when positive.
	MinTrades        int
	KeepDistribution bool
}

func (o *Options) normalize() {
	if o.Trials <= 0 {
		o.Trials = defaultTrials
	}
	if o.Capital <= 0 {
		o.Capital = defaultCapital
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.MinTrades <= 0 {
		o.MinTrades = MinTrades
	}
}

// Percentiles holds the 5th, 50th and 95th percentiles of a distribution.
type Percentiles struct {
	P5  float64 `json:"p5"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
}

// Distribution keeps the per-trial outcomes.
type Distribution struct {
	MaxDrawdown []float64 `json:"max_drawdown"`
	FinalPnL    []float64 `json:"final_pnl"`
}

// Result summarises a batch. When the trade list is too short to resample
// the result is degenerate: Trials, Simulated and every statistic are zero,
// and only Seed, Capital and RuinPct echo the options.
type Result struct {
	Trials    int     `json:"trials"`
	Simulated int     `json:"simulated"`
	Seed      uint64  `json:"seed"`
	Capital   float64 `json:"capital"`
	RuinPct   float64 `json:"ruin_pct"`

	MaxDrawdown     Percentiles `json:"max_drawdown"`
	FinalPnL        Percentiles `json:"final_pnl"`
	LosingStreakP50 int         `json:"losing_streak_p50"`
	LosingStreakP95 int         `json:"losing_streak_p95"`
	// CAGR is the annualized return in percent.
	CAGR            Percentiles `json:"cagr"`
	RuinProbability float64     `json:"ruin_probability"`

	Distribution *Distribution `json:"distribution,omitempty"`
}

type trial struct {
	maxDD  float64
	streak int
	final  float64
	ruined bool
}

// Simulate resamples the net P&L of every trade in r. Trials are split
// into fixed-size chunks, each with its own generator seeded from the batch
// seed and the chunk index, so the output does not depend on Workers.
// Cancellation is checked between trials and returns ctx.Err().
func Simulate(ctx context.Context, r *models.BacktestResult, opts Options) (*Result, error) {
	opts.normalize()
	if opts.RuinPct < 0 || opts.RuinPct > 100 {
		return nil, fmt.Errorf("%w: ruin_pct %.2f must be within [0, 100]", models.ErrInvalidConfig, opts.RuinPct)
	}
	seed := rand.Uint64()
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	res := &Result{Seed: seed, Capital: opts.Capital, RuinPct: opts.RuinPct}

	if r == nil || len(r.Trades) < opts.MinTrades {
		return res, nil
	}
	res.Trials = opts.Trials
	returns := make([]float64, len(r.Trades))
	for i, t := range r.Trades {
		returns[i] = t.NetPnL
	}

	ctx, span := logging.StartSpan(ctx, "montecarlo.Simulate", trace.WithAttributes(
		attribute.Int("trials", opts.Trials),
		attribute.Int("trades", len(returns)),
	))
	defer span.End()

	trials := make([]trial, opts.Trials)
	ruinFloor := opts.Capital - opts.Capital*opts.RuinPct/100

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for chunk := 0; chunk*chunkSize < opts.Trials; chunk++ {
		lo := chunk * chunkSize
		hi := min(lo+chunkSize, opts.Trials)
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(seed, uint64(chunk)))
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				trials[i] = runTrial(rng, returns, opts.Capital, ruinFloor)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	res.Simulated = opts.Trials
	summarize(res, trials, r.NumDays)
	if opts.KeepDistribution {
		d := &Distribution{
			MaxDrawdown: make([]float64, len(trials)),
			FinalPnL:    make([]float64, len(trials)),
		}
		for i, t := range trials {
			d.MaxDrawdown[i] = t.maxDD
			d.FinalPnL[i] = t.final
		}
		res.Distribution = d
	}
	return res, nil
}

// runTrial draws len(returns) outcomes and walks the equity path. The
// starting capital itself is not a point on the path.
func runTrial(rng *rand.Rand, returns []float64, capital, ruinFloor float64) trial {
	var (
		t      trial
		cum    float64
		streak int
	)
	peak := math.Inf(-1)
	low := math.Inf(1)
	for range returns {
		v := returns[rng.IntN(len(returns))]
		cum += v
		equity := capital + cum
		peak = math.Max(peak, equity)
		low = math.Min(low, equity)
		t.maxDD = math.Max(t.maxDD, peak-equity)
		if v < 0 {
			streak++
			t.streak = max(t.streak, streak)
		} else {
			streak = 0
		}
	}
	t.final = cum
	t.ruined = low < ruinFloor
	return t
}

func summarize(res *Result, trials []trial, numDays int) {
	n := len(trials)
	dds := make([]float64, n)
	finals := make([]float64, n)
	streaks := make([]float64, n)
	cagrs := make([]float64, n)

	years := math.Max(float64(numDays)/tradingDays, minCAGRYears)
	ruined := 0
	for i, t := range trials {
		dds[i] = t.maxDD
		finals[i] = t.final
		streaks[i] = float64(t.streak)
		cagrs[i] = cagr(res.Capital, t.final, years)
		if t.ruined {
			ruined++
		}
	}

	res.MaxDrawdown = percentiles(dds)
	res.FinalPnL = percentiles(finals)
	res.CAGR = percentiles(cagrs)
	res.LosingStreakP50 = int(Percentile(streaks, 50))
	res.LosingStreakP95 = int(Percentile(streaks, 95))
	res.RuinProbability = float64(ruined) / float64(n) * 100
}

func cagr(capital, final, years float64) float64 {
	total := (capital + final) / capital
	if total <= 0 {
		return -100
	}
	return (math.Pow(total, 1/years) - 1) * 100
}

func percentiles(values []float64) Percentiles {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return Percentiles{
		P5:  percentileSorted(sorted, 5),
		P50: percentileSorted(sorted, 50),
		P95: percentileSorted(sorted, 95),
	}
}

// Percentile returns the p-th percentile of values, interpolating linearly
// between the two closest ranks. It returns 0 for an empty slice.
func Percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
