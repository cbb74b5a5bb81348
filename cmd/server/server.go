package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/authority"
	"github.com/aonescu/aegis/internal/belief"
	"github.com/aonescu/aegis/internal/engine"
	"github.com/aonescu/aegis/internal/pipeline"
	"github.com/aonescu/aegis/internal/types"
)

// EventSource serves archived stage events. store.EventLog implementations
// satisfy it.
type EventSource interface {
	Events(ctx context.Context, runID string, limit int) ([]types.StageEvent, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Book *belief.Book
	// Events may be nil when the store keeps no event log.
	Events EventSource
	// Scenarios backs /api/v1/violations.
	Scenarios  pipeline.Loader
	Evaluator  *engine.EvaluationEngine
	Pinger     Pinger
	EventLimit int
	Logger     *zap.Logger
}

type APIServer struct {
	book       *belief.Book
	events     EventSource
	scenarios  pipeline.Loader
	evaluator  *engine.EvaluationEngine
	pinger     Pinger
	eventLimit int
	logger     *zap.Logger
	mux        *http.ServeMux
}

func NewAPIServer(opts Options) *APIServer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Book == nil {
		opts.Book = belief.NewBook(nil, opts.Logger)
	}
	if opts.Evaluator == nil {
		opts.Evaluator = engine.NewEvaluationEngine(authority.NewCauseAuthorityMap(), opts.Logger)
	}
	if opts.EventLimit <= 0 {
		opts.EventLimit = 1000
	}
	api := &APIServer{
		book:       opts.Book,
		events:     opts.Events,
		scenarios:  opts.Scenarios,
		evaluator:  opts.Evaluator,
		pinger:     opts.Pinger,
		eventLimit: opts.EventLimit,
		logger:     opts.Logger,
		mux:        http.NewServeMux(),
	}
	api.registerRoutes()
	return api
}

func (api *APIServer) registerRoutes() {
	// Run history
	api.mux.HandleFunc("/api/v1/events", api.handleEvents)

	// Learned state
	api.mux.HandleFunc("/api/v1/beliefs", api.handleBeliefs)
	api.mux.HandleFunc("/api/v1/rules", api.handleRules)

	// Invariants
	api.mux.HandleFunc("/api/v1/invariants", api.handleInvariants)
	api.mux.HandleFunc("/api/v1/violations", api.handleViolations)
	api.mux.HandleFunc("/api/v1/causal-chain", api.handleCausalChain)

	// Health check
	api.mux.HandleFunc("/health", api.handleHealth)
	api.mux.HandleFunc("/ready", api.handleReady)

	// Metrics/stats
	api.mux.Handle("/metrics", promhttp.Handler())
	api.mux.HandleFunc("/api/v1/stats", api.handleStats)
}

// Handler returns the routed handler with middleware applied.
func (api *APIServer) Handler() http.Handler {
	return api.corsMiddleware(api.loggingMiddleware(api.mux))
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (api *APIServer) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		api.logger.Info("starting API server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	api.logger.Info("API server stopped")
	return nil
}
