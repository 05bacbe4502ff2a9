package storage

import (
	"time"

	"github.com/eddiefleurent/nifty_backtester/internal/metrics"
	"github.com/eddiefleurent/nifty_backtester/internal/models"
	"github.com/eddiefleurent/nifty_backtester/internal/montecarlo"
)

// Interface defines the contract for backtest run persistence.
//
// Implementations must be safe for concurrent use. Records passed in and
// returned are copies: mutating them never changes what is stored.
type Interface interface {
	// SaveRun stores rec, assigning an ID and CreatedAt when missing, and
	// returns the stored ID. Saving an existing ID replaces the record.
	SaveRun(rec *RunRecord) (string, error)
	GetRun(id string) (*RunRecord, error)
	// ListRuns returns run summaries, newest first.
	ListRuns() []RunSummary
	DeleteRun(id string) error
}

// RunRecord is one persisted backtest with its derived statistics.
type RunRecord struct {
	ID         string                 `json:"id"`
	CreatedAt  time.Time              `json:"created_at"`
	Strategy   models.StrategyConfig  `json:"strategy"`
	Result     *models.BacktestResult `json:"result"`
	Metrics    *metrics.Metrics       `json:"metrics,omitempty"`
	MonteCarlo *montecarlo.Result     `json:"montecarlo,omitempty"`
}

// RunSummary is the listing view of a RunRecord.
type RunSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	StrategyName string    `json:"strategy_name"`
	Engine       string    `json:"engine"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	NumTrades    int       `json:"num_trades"`
	NetPnL       float64   `json:"net_pnl"`
}

// Summary builds the listing view of r.
func (r *RunRecord) Summary() RunSummary {
	s := RunSummary{ID: r.ID, CreatedAt: r.CreatedAt, StrategyName: r.Strategy.Name}
	if r.Result != nil {
		s.Engine = r.Result.Engine
		s.Start = r.Result.Start
		s.End = r.Result.End
		s.NumTrades = r.Result.NumTrades
		s.NetPnL = r.Result.NetPnL
	}
	return s
}

// NewStorage creates the default file-backed run store.
func NewStorage(path string) (Interface, error) {
	return NewJSONStorage(path)
}

var _ Interface = (*JSONStorage)(nil)
