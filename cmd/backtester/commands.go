package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/nifty_backtester/internal/dashboard"
	"github.com/eddiefleurent/nifty_backtester/internal/engine"
	"github.com/eddiefleurent/nifty_backtester/internal/export"
	"github.com/eddiefleurent/nifty_backtester/internal/metrics"
	"github.com/eddiefleurent/nifty_backtester/internal/models"
	"github.com/eddiefleurent/nifty_backtester/internal/montecarlo"
	"github.com/eddiefleurent/nifty_backtester/internal/storage"
)

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "backtester",
		Short:         "Backtest NIFTY multi-leg option strategies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close(cmd.Context())
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.configPath, "config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Optional .env file loaded before the config")

	root.AddCommand(
		newRunCmd(a),
		newCompareCmd(a),
		newMonteCarloCmd(a),
		newSweepCmd(a),
		newServeCmd(a),
		newExportCmd(a),
		newRangeCmd(a),
	)
	return root
}

func newRunCmd(a *app) *cobra.Command {
	var (
		kind     string
		save     bool
		withMC   bool
		progress int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one backtest and print its metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if kind == "" {
				kind = a.cfg.Backtest.Engine
			}
			k, err := engine.ParseKind(kind)
			if err != nil {
				return err
			}

			p, closeProvider, err := a.provider(ctx)
			if err != nil {
				return err
			}
			defer closeProvider()

			e, err := a.engine(k, p)
			if err != nil {
				return err
			}
			req, err := a.request(ctx, p)
			if err != nil {
				return err
			}
			req.Observer = engine.LogObserver{Logger: a.logger, Every: progress}

			res, err := e.Run(ctx, req)
			if err != nil {
				return err
			}
			m := metrics.Calculate(res)
			printMetrics(a.out, res, m)

			rec := &storage.RunRecord{Strategy: *req.Strategy, Result: res, Metrics: &m}
			if withMC {
				mc, err := montecarlo.Simulate(ctx, res, a.cfg.MonteCarloOptions())
				if err != nil {
					return err
				}
				printMonteCarlo(a.out, mc)
				rec.MonteCarlo = mc
			}

			if save {
				store, err := a.storage()
				if err != nil {
					return err
				}
				id, err := store.SaveRun(rec)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "\nSaved run %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "engine", "", "Engine to use: reference or optimized (default from config)")
	cmd.Flags().BoolVar(&save, "save", false, "Store the run for the results API")
	cmd.Flags().BoolVar(&withMC, "montecarlo", false, "Also run a Monte Carlo simulation")
	cmd.Flags().IntVar(&progress, "progress-every", 20, "Log progress every N trading days")
	return cmd
}

func newCompareCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compare",
		Short: "Run both engines and check they agree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, closeProvider, err := a.provider(ctx)
			if err != nil {
				return err
			}
			defer closeProvider()

			req, err := a.request(ctx, p)
			if err != nil {
				return err
			}
			results := make(map[engine.Kind]*models.BacktestResult, 2)
			for _, k := range []engine.Kind{engine.Reference, engine.Optimized} {
				e, err := a.engine(k, p)
				if err != nil {
					return err
				}
				start := time.Now()
				res, err := e.Run(ctx, req)
				if err != nil {
					return fmt.Errorf("%s engine: %w", k, err)
				}
				a.logger.WithField("engine", k).WithField("elapsed", time.Since(start).String()).Info("Engine finished")
				results[k] = res
			}

			cmp := engine.Compare(results[engine.Reference], results[engine.Optimized])
			fmt.Fprintln(a.out, cmp.String())
			if !cmp.Equal() {
				return errors.New("engines disagree")
			}
			return nil
		},
	}
}

func newMonteCarloCmd(a *app) *cobra.Command {
	var (
		runID string
		seed  uint64
	)
	cmd := &cobra.Command{
		Use:   "montecarlo",
		Short: "Resample a stored run's trades",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.storage()
			if err != nil {
				return err
			}
			rec, err := store.GetRun(runID)
			if err != nil {
				return err
			}
			opts := a.cfg.MonteCarloOptions()
			if cmd.Flags().Changed("seed") {
				opts.Seed = &seed
			}
			mc, err := montecarlo.Simulate(cmd.Context(), rec.Result, opts)
			if err != nil {
				return err
			}
			printMonteCarlo(a.out, mc)

			rec.MonteCarlo = mc
			if _, err := store.SaveRun(rec); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Stored run to resample")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Seed for a reproducible batch")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the configured parameter variants concurrently",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			variants := a.cfg.SweepVariants()
			if len(variants) == 0 {
				return errors.New("no sweep variants configured")
			}
			p, closeProvider, err := a.provider(ctx)
			if err != nil {
				return err
			}
			defer closeProvider()

			k, err := engine.ParseKind(a.cfg.Backtest.Engine)
			if err != nil {
				return err
			}
			e, err := a.engine(k, p)
			if err != nil {
				return err
			}
			req, err := a.request(ctx, p)
			if err != nil {
				return err
			}

			results, err := engine.Sweep(ctx, e, req, variants, workers)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VARIANT\tTRADES\tNET P&L\tWIN RATE\tMAX DD")
			for _, r := range results {
				m := metrics.Calculate(r.Result)
				fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.1f%%\t%.2f\n", r.Variant, m.NumTrades, m.NetPnL, m.WinRate, m.MaxDrawdown)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent runs (default GOMAXPROCS)")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve stored runs over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.storage()
			if err != nil {
				return err
			}
			srv := dashboard.NewServer(dashboard.Config{
				Port:      a.cfg.Dashboard.Port,
				AuthToken: a.cfg.Dashboard.AuthToken,
			}, store, a.logger)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
				a.logger.Info("Shutting down dashboard server")
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	var runID, format, out, table string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a stored run's trades or daily results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.storage()
			if err != nil {
				return err
			}
			rec, err := store.GetRun(runID)
			if err != nil {
				return err
			}
			w, closeOut, err := openOutput(out, a.out)
			if err != nil {
				return err
			}

			switch {
			case format == "arrow" && table == "trades":
				err = export.WriteTradesArrow(w, rec.Result.Trades)
			case format == "csv" && table == "trades":
				err = export.WriteTradesCSV(w, rec.Result.Trades)
			case format == "csv" && table == "daily":
				err = export.WriteDailyCSV(w, rec.Result.DailyResults)
			default:
				err = fmt.Errorf("unsupported export %s/%s", format, table)
			}
			if cerr := closeOut(); err == nil {
				err = cerr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Stored run to export")
	cmd.Flags().StringVar(&format, "format", "csv", "Output format: csv or arrow")
	cmd.Flags().StringVar(&table, "table", "trades", "Table to export: trades or daily (csv only)")
	cmd.Flags().StringVar(&out, "out", "", "Output file (default stdout)")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func newRangeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "range",
		Short: "Print the dates covered by the data provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, closeProvider, err := a.provider(ctx)
			if err != nil {
				return err
			}
			defer closeProvider()

			expiry := a.expiry()
			first, last, err := p.DateRange(ctx, expiry)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s data: %s to %s\n", expiry,
				first.Format(models.DateLayout), last.Format(models.DateLayout))
			return nil
		},
	}
}

func printMetrics(w io.Writer, res *models.BacktestResult, m metrics.Metrics) {
	fmt.Fprintf(w, "%s (%s engine) %s to %s\n\n", res.StrategyName, res.Engine,
		res.Start.Format(models.DateLayout), res.End.Format(models.DateLayout))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, row := range m.Rows() {
		fmt.Fprintf(tw, "%s\t%s\n", row.Label, row.Value)
	}
	_ = tw.Flush()
}

func printMonteCarlo(w io.Writer, mc *montecarlo.Result) {
	fmt.Fprintf(w, "\nMonte Carlo: %d trials, seed %d\n", mc.Trials, mc.Seed)
	if mc.Simulated == 0 {
		fmt.Fprintln(w, "Not enough trades to resample")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tP5\tP50\tP95")
	fmt.Fprintf(tw, "Max drawdown\t%.2f\t%.2f\t%.2f\n", mc.MaxDrawdown.P5, mc.MaxDrawdown.P50, mc.MaxDrawdown.P95)
	fmt.Fprintf(tw, "Final P&L\t%.2f\t%.2f\t%.2f\n", mc.FinalPnL.P5, mc.FinalPnL.P50, mc.FinalPnL.P95)
	fmt.Fprintf(tw, "CAGR %%\t%.2f\t%.2f\t%.2f\n", mc.CAGR.P5, mc.CAGR.P50, mc.CAGR.P95)
	_ = tw.Flush()
	fmt.Fprintf(w, "Losing streak: median %d, p95 %d\n", mc.LosingStreakP50, mc.LosingStreakP95)
	fmt.Fprintf(w, "Probability of ruin (%.0f%% loss): %.2f%%\n", mc.RuinPct, mc.RuinProbability)
}
