package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/engine"
	"github.com/aonescu/aegis/internal/pipeline"
	"github.com/aonescu/aegis/internal/state"
)

// GET /api/v1/events?run_id=uuid&limit=100
func (api *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}
	limit := api.limit(r, api.eventLimit)

	if api.events == nil {
		http.Error(w, "Events only available with a persistent event log", http.StatusServiceUnavailable)
		return
	}
	events, err := api.events.Events(r.Context(), runID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	api.respondJSON(w, map[string]interface{}{
		"run_id": runID,
		"count":  len(events),
		"events": events,
	})
}

// GET /api/v1/beliefs
func (api *APIServer) handleBeliefs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	api.respondJSON(w, api.book.Beliefs())
}

// GET /api/v1/rules
func (api *APIServer) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	api.respondJSON(w, api.book.Rules())
}

// GET /api/v1/invariants
func (api *APIServer) handleInvariants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	api.respondJSON(w, api.evaluator.Invariants())
}

// GET /api/v1/violations?scenario=oom-storm&severity=critical&limit=50
// evaluates the invariants over the scenario's starting cluster.
func (api *APIServer) handleViolations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("scenario")
	if id == "" {
		http.Error(w, "scenario is required", http.StatusBadRequest)
		return
	}
	if api.scenarios == nil {
		http.Error(w, "No scenario source configured", http.StatusServiceUnavailable)
		return
	}
	severity := r.URL.Query().Get("severity")
	limit := api.limit(r, 100)

	sc, err := api.scenarios.Load(r.Context(), id)
	if errors.Is(err, pipeline.ErrUnknownScenario) {
		http.Error(w, "Scenario not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	eng := engine.NewInvariantEngine(state.FromCluster(sc.State), api.evaluator)
	violations := make([]*engine.ViolationResult, 0)
	for _, v := range eng.EvaluateAll() {
		if !v.Violated {
			continue
		}
		if severity != "" && string(v.Severity) != severity {
			continue
		}
		violations = append(violations, v)
	}
	if len(violations) > limit {
		violations = violations[:limit]
	}

	api.respondJSON(w, violations)
}

// GET /api/v1/causal-chain?invariant_id=pod_ready
func (api *APIServer) handleCausalChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	invariantID := r.URL.Query().Get("invariant_id")
	if invariantID == "" {
		http.Error(w, "invariant_id is required", http.StatusBadRequest)
		return
	}

	chain := api.buildCausalChain(invariantID)

	response := map[string]interface{}{
		"invariant_id": invariantID,
		"chain":        chain,
		"depth":        len(chain),
	}

	api.respondJSON(w, response)
}

// GET /health
func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	}

	if api.pinger != nil {
		if err := api.pinger.Ping(r.Context()); err != nil {
			health["status"] = "unhealthy"
			health["database"] = "disconnected"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(health)
			return
		}
		health["database"] = "connected"
	}

	api.respondJSON(w, health)
}

// GET /ready
func (api *APIServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := map[string]interface{}{
		"ready":             true,
		"invariants_loaded": len(api.evaluator.Invariants()) > 0,
		"event_log":         api.events != nil,
	}
	api.respondJSON(w, ready)
}

// GET /api/v1/stats
func (api *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	beliefs := api.book.Beliefs()
	rules := api.book.Rules()

	stats := map[string]interface{}{
		"total_beliefs":    len(beliefs),
		"total_rules":      len(rules),
		"total_invariants": len(api.evaluator.Invariants()),
		"beliefs_by_kind":  make(map[string]int),
		"rules_by_kind":    make(map[string]int),
		"evaluation":       api.evaluator.GetEvaluationStats(),
	}

	for _, b := range beliefs {
		byKind := stats["beliefs_by_kind"].(map[string]int)
		byKind[b.Kind]++
	}

	var weight float64
	for _, rl := range rules {
		byKind := stats["rules_by_kind"].(map[string]int)
		byKind[rl.Pattern.HypothesisKind]++
		weight += rl.Weight
	}
	if len(rules) > 0 {
		stats["mean_rule_weight"] = weight / float64(len(rules))
	}

	api.respondJSON(w, stats)
}

func (api *APIServer) buildCausalChain(invariantID string) []map[string]interface{} {
	chain := make([]map[string]interface{}, 0)

	inv, exists := api.evaluator.Invariant(invariantID)
	if !exists {
		return chain
	}

	chain = append(chain, map[string]interface{}{
		"invariant_id": inv.ID,
		"description":  inv.Description,
		"severity":     inv.Severity,
		"cause":        inv.Cause.Primary,
	})

	for _, req := range inv.Requires {
		if reqInv, exists := api.evaluator.Invariant(req.Invariant); exists {
			chain = append(chain, map[string]interface{}{
				"invariant_id": reqInv.ID,
				"description":  reqInv.Description,
				"severity":     reqInv.Severity,
				"cause":        reqInv.Cause.Primary,
				"relation":     req.Scope.Relation,
			})
		}
	}

	return chain
}

func (api *APIServer) limit(r *http.Request, def int) int {
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		return l
	}
	return def
}

func (api *APIServer) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

func (api *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
