package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aonescu/aegis/cmd/server"
	"github.com/aonescu/aegis/internal/authority"
	"github.com/aonescu/aegis/internal/engine"
	"github.com/aonescu/aegis/internal/scenario"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run history, beliefs, rules and metrics over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		addr := a.cfg.Server.Address
		if cmd.Flags().Changed("addr") {
			addr = serveAddr
		}

		opts := server.Options{
			Book:       a.book,
			Scenarios:  scenario.DirLoader{Dir: a.cfg.ScenarioDir},
			Evaluator:  engine.NewEvaluationEngine(authority.NewCauseAuthorityMap(), a.logger.Named("invariants")),
			EventLimit: a.cfg.Server.EventLimit,
			Logger:     a.logger.Named("api"),
		}
		if src, ok := a.store.(server.EventSource); ok {
			opts.Events = src
		}
		if p, ok := a.store.(server.Pinger); ok {
			opts.Pinger = p
		}

		printAPIEndpoints(a.logger, addr)
		return server.NewAPIServer(opts).Start(ctx, addr, a.cfg.Server.ShutdownTimeout)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
}

func printAPIEndpoints(logger *zap.Logger, addr string) {
	baseURL := "http://localhost" + addr
	endpoints := []string{
		"GET  " + baseURL + "/health",
		"GET  " + baseURL + "/ready",
		"GET  " + baseURL + "/metrics",
		"GET  " + baseURL + "/api/v1/events?run_id=<run>",
		"GET  " + baseURL + "/api/v1/beliefs",
		"GET  " + baseURL + "/api/v1/rules",
		"GET  " + baseURL + "/api/v1/invariants",
		"GET  " + baseURL + "/api/v1/violations?scenario=oom-storm",
		"GET  " + baseURL + "/api/v1/causal-chain?invariant_id=pod_running",
		"GET  " + baseURL + "/api/v1/stats",
	}
	for _, endpoint := range endpoints {
		logger.Info("endpoint", zap.String("route", endpoint))
	}
}
