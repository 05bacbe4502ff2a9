// Package dashboard serves stored backtest runs over HTTP.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_backtester/internal/metrics"
	"github.com/eddiefleurent/nifty_backtester/internal/storage"
)

const indexTemplate = `<!DOCTYPE html>
<html>
<head><title>NIFTY backtests</title></head>
<body>
<h1>Backtest runs</h1>
<table>
<tr><th>Run</th><th>Strategy</th><th>Engine</th><th>From</th><th>To</th><th>Trades</th><th>Net P&amp;L</th></tr>
{{range .}}<tr>
<td><a href="/api/runs/{{.ID}}/metrics">{{.ID}}</a></td>
<td>{{.StrategyName}}</td>
<td>{{.Engine}}</td>
<td>{{.Start.Format "2006-01-02"}}</td>
<td>{{.End.Format "2006-01-02"}}</td>
<td>{{.NumTrades}}</td>
<td>{{printf "%.2f" .NetPnL}}</td>
</tr>{{else}}<tr><td colspan="7">No runs stored</td></tr>{{end}}
</table>
</body>
</html>
`

var index = template.Must(template.New("index").Parse(indexTemplate))

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	logger    *logrus.Logger
	port      int
	authToken string
	timeout   time.Duration
}

type Config struct {
	Port      int
	AuthToken string
	// Timeout bounds each request. Zero means 60s.
	Timeout time.Duration
}

func NewServer(cfg Config, store storage.Interface, logger *logrus.Logger) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		timeout:   cfg.Timeout,
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.timeout))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/", s.handleIndex)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Delete("/", s.handleDeleteRun)
			r.Get("/trades", s.handleTrades)
			r.Get("/daily", s.handleDaily)
			r.Get("/metrics", s.handleMetrics)
			r.Get("/montecarlo", s.handleMonteCarlo)
			r.Get("/monthly", s.handleMonthly)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := index.Execute(w, s.storage.ListRuns()); err != nil {
		s.logger.WithError(err).Error("Failed to execute index template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"runs":      len(s.storage.ListRuns()),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.storage.ListRuns())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.loadRun(w, r); ok {
		s.writeJSON(w, rec)
	}
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.storage.DeleteRun(id); err != nil {
		s.writeStorageError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	trades := rec.Result.Trades
	if reason := r.URL.Query().Get("reason"); reason != "" {
		filtered := trades[:0:0]
		for _, t := range trades {
			if string(t.ExitReason) == reason {
				filtered = append(filtered, t)
			}
		}
		trades = filtered
	}
	s.writeJSON(w, trades)
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.loadRun(w, r); ok {
		s.writeJSON(w, rec.Result.DailyResults)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if rec.Metrics != nil {
		s.writeJSON(w, rec.Metrics)
		return
	}
	s.writeJSON(w, metrics.Calculate(rec.Result))
}

func (s *Server) handleMonteCarlo(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if rec.MonteCarlo == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, rec.MonteCarlo)
}

func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("period") == "year" {
		s.writeJSON(w, metrics.YearlyPnL(rec.Result))
		return
	}
	s.writeJSON(w, metrics.MonthlyPnL(rec.Result))
}

// loadRun fetches the {id} run, writing the error response itself when it
// cannot.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*storage.RunRecord, bool) {
	id := chi.URLParam(r, "id")
	rec, err := s.storage.GetRun(id)
	if err != nil {
		s.writeStorageError(w, id, err)
		return nil, false
	}
	if rec.Result == nil {
		s.logger.WithField("run_id", id).Error("Stored run has no result")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}
	return rec, true
}

func (s *Server) writeStorageError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrRunNotFound) {
		s.logger.WithField("run_id", id).Debug("Run not found")
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.logger.WithError(err).WithField("run_id", id).Error("Failed to load run")
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
