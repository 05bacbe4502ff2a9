package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/nifty_backtester/internal/storage"
)

const testConfig = `
environment:
  log_level: warn
data:
  provider: synthetic
  synthetic:
    seed: 5
    days: 28
    start: "2024-01-01"
strategy:
  name: cli-straddle
  mode: INTRADAY
  entry_time: "09:20"
  no_entry_after: "14:30"
  exit_time: "15:15"
  max_loss: 4000
  legs:
    - {id: CE, strike: ATM, option_type: CE, expiry: WEEK, action: SELL, lots: 1, sl_pct: 25}
    - {id: PE, strike: ATM, option_type: PE, expiry: WEEK, action: SELL, lots: 1, sl_pct: 25}
backtest:
  start: "2024-01-01"
  end: "2024-01-26"
montecarlo:
  trials: 200
  seed: 3
  workers: 2
sweep:
  - {name: tight, sl_points: 10}
  - {name: wide, sl_points: 60}
storage:
  path: %s
dashboard:
  auth_token: "${BACKTESTER_TEST_TOKEN}"
`

func writeConfig(t *testing.T) (cfgPath, storePath string) {
	t.Helper()
	dir := t.TempDir()
	storePath = filepath.Join(dir, "runs.json")
	cfgPath = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(testConfig, storePath)), 0o600))
	return cfgPath, storePath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_RunSaveAndExport(t *testing.T) {
	cfgPath, storePath := writeConfig(t)

	out, err := execute(t, "--config", cfgPath, "--env-file", "", "run", "--save", "--montecarlo")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-straddle (optimized engine)")
	assert.Contains(t, out, "Monte Carlo: 200 trials, seed 3")
	assert.Contains(t, out, "Saved run ")

	store, err := storage.NewJSONStorage(storePath)
	require.NoError(t, err)
	runs := store.ListRuns()
	require.Len(t, runs, 1)
	id := runs[0].ID
	rec, err := store.GetRun(id)
	require.NoError(t, err)
	require.NotNil(t, rec.MonteCarlo)
	require.NotNil(t, rec.Metrics)

	tradesPath := filepath.Join(t.TempDir(), "trades.csv")
	_, err = execute(t, "--config", cfgPath, "export", "--run-id", id, "--out", tradesPath)
	require.NoError(t, err)
	f, err := os.Open(tradesPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, rec.Result.NumTrades+1)

	daily, err := execute(t, "--config", cfgPath, "export", "--run-id", id, "--table", "daily")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(daily, "date,num_trades,"))

	_, err = execute(t, "--config", cfgPath, "export", "--run-id", id, "--format", "arrow", "--table", "daily")
	assert.ErrorContains(t, err, "unsupported export")

	out, err = execute(t, "--config", cfgPath, "montecarlo", "--run-id", id, "--seed", "8")
	require.NoError(t, err)
	assert.Contains(t, out, "seed 8")
}

func TestCLI_CompareSweepRange(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, "--config", cfgPath, "compare")
	require.NoError(t, err)
	assert.Contains(t, out, "results are identical")

	out, err = execute(t, "--config", cfgPath, "sweep", "--workers", "2")
	require.NoError(t, err)
	tight := strings.Index(out, "tight")
	wide := strings.Index(out, "wide")
	require.True(t, tight > 0 && wide > tight, "variants print in order:\n%s", out)

	out, err = execute(t, "--config", cfgPath, "range")
	require.NoError(t, err)
	assert.Contains(t, out, "WEEK data: 2024-01-01 to 2024-01-28")
}

func TestCLI_Errors(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "range")
	assert.ErrorContains(t, err, "reading config file")

	_, err = execute(t, "--config", cfgPath, "run", "--engine", "turbo")
	assert.Error(t, err)

	_, err = execute(t, "--config", cfgPath, "montecarlo", "--run-id", "nope")
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, loadEnvFile(""))
	assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "absent.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BACKTESTER_TEST_TOKEN=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("BACKTESTER_TEST_TOKEN") })
	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "from-dotenv", os.Getenv("BACKTESTER_TEST_TOKEN"))
}
