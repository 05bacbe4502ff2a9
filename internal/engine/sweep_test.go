package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
	"github.com/eddiefleurent/nifty_backtester/internal/pricedata"
)

func TestSweep_KeepsVariantOrder(t *testing.T) {
	p := pricedata.NewMemoryProvider().
		Add(atmCE, flat(2, "09:20", 100, 110, 120, 130, 140)...)
	base := strategyCfg(models.ModeIntraday, shortLeg("CE", atmCE))

	var variants []Variant
	for _, sl := range []float64{5, 15, 25, 100} {
		variants = append(variants, Variant{
			Name:   fmt.Sprintf("sl-%.0f", sl),
			Mutate: func(c *models.StrategyConfig) { c.Legs[0].SL = models.PointsOf(sl) },
		})
	}

	out, err := Sweep(context.Background(), NewOptimized(p), RunRequest{
		Strategy: base, Start: day(2), End: day(2),
	}, variants, 3)
	require.NoError(t, err)
	require.Len(t, out, 4)

	wantExit := []float64{105, 115, 125, 140}
	for i, r := range out {
		assert.Equal(t, variants[i].Name, r.Variant)
		require.Len(t, r.Result.Trades, 1)
		assert.Equal(t, wantExit[i], r.Result.Trades[0].ExitPrice, r.Variant)
	}
	assert.False(t, base.Legs[0].SL.IsSet(), "base config is not mutated")
}

func TestSweep_PropagatesErrors(t *testing.T) {
	base := strategyCfg(models.ModeIntraday, shortLeg("CE", atmCE))
	_, err := Sweep(context.Background(), NewReference(pricedata.NewMemoryProvider()), RunRequest{
		Strategy: base, Start: day(2), End: day(2),
	}, []Variant{
		{Name: "ok"},
		{Name: "broken", Mutate: func(c *models.StrategyConfig) { c.Legs[0].Lots = 0 }},
	}, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "broken")
}

func TestCompare(t *testing.T) {
	p := pricedata.NewMemoryProvider().
		Add(atmCE, flat(2, "09:20", 100, 101, 102)...).
		Add(atmPE, flat(2, "09:20", 90, 89, 88)...)
	cfg := strategyCfg(models.ModeIntraday, shortLeg("CE", atmCE), shortLeg("PE", atmPE))
	a := run(t, Reference, p, cfg, 2, 2)
	b := run(t, Optimized, p, cfg, 2, 2)

	cmp := Compare(a, b)
	assert.True(t, cmp.Equal())
	assert.Equal(t, -1, cmp.FirstMismatch)
	assert.Equal(t, map[models.ExitReason]int{models.ExitEOD: 2}, cmp.ReasonsA)
	assert.Contains(t, cmp.String(), "identical")

	changed := *b
	changed.Trades = append([]models.Trade(nil), b.Trades...)
	changed.Trades[1].ExitReason = models.ExitSL
	cmp = Compare(a, &changed)
	assert.False(t, cmp.Equal())
	assert.Equal(t, 1, cmp.FirstMismatch)
	assert.Contains(t, cmp.Detail, "exit reason")

	changed.Trades = changed.Trades[:1]
	changed.NumTrades = 1
	cmp = Compare(a, &changed)
	assert.Equal(t, 1, cmp.FirstMismatch)
	assert.Contains(t, cmp.Detail, "trade count")
}
