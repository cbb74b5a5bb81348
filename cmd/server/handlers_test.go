package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aonescu/aegis/internal/belief"
	"github.com/aonescu/aegis/internal/cluster"
	"github.com/aonescu/aegis/internal/dsl"
	"github.com/aonescu/aegis/internal/engine"
	"github.com/aonescu/aegis/internal/pipeline"
	"github.com/aonescu/aegis/internal/types"
)

type fakeEvents struct {
	events []types.StageEvent
	err    error
}

func (f *fakeEvents) Events(ctx context.Context, runID string, limit int) ([]types.StageEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []types.StageEvent
	for _, e := range f.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func scenarios() pipeline.Loader {
	s := cluster.NewState()
	s.Nodes["n1"] = &cluster.Node{ID: "n1", Capacity: cluster.MustResources("4", "8Gi")}
	s.Workloads["api"] = &cluster.Workload{ID: "api", Kind: cluster.Deployment, Namespace: "default", DesiredReplicas: 2}
	return pipeline.StaticLoader{"idle": {ID: "idle", State: s}}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestAPIServer_HandleHealth(t *testing.T) {
	api := NewAPIServer(Options{})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	api.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	decode(t, w, &response)

	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", response["status"])
	}
}

func TestAPIServer_HandleHealth_DatabaseDown(t *testing.T) {
	api := NewAPIServer(Options{Pinger: fakePinger{err: errors.New("connection refused")}})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	api.handleHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var response map[string]interface{}
	decode(t, w, &response)

	if response["database"] != "disconnected" {
		t.Errorf("Expected database 'disconnected', got '%v'", response["database"])
	}
}

func TestAPIServer_HandleReady(t *testing.T) {
	api := NewAPIServer(Options{})

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	api.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	decode(t, w, &response)

	if !response["ready"].(bool) {
		t.Error("Expected ready to be true")
	}
	if !response["invariants_loaded"].(bool) {
		t.Error("Expected invariants to be loaded")
	}
}

func TestAPIServer_HandleInvariants(t *testing.T) {
	api := NewAPIServer(Options{})

	req := httptest.NewRequest("GET", "/api/v1/invariants", nil)
	w := httptest.NewRecorder()

	api.handleInvariants(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var invariants []dsl.Invariant
	decode(t, w, &invariants)

	if len(invariants) == 0 {
		t.Error("Expected at least one invariant")
	}
}

func TestAPIServer_HandleEvents(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeEvents{events: []types.StageEvent{
		{RunID: "run-1", Stage: types.StageDiagnosis, Timestamp: now},
		{RunID: "run-2", Stage: types.StageDiagnosis, Timestamp: now},
		{RunID: "run-1", Stage: types.StagePlans, Timestamp: now},
	}}
	api := NewAPIServer(Options{Events: src})

	req := httptest.NewRequest("GET", "/api/v1/events?run_id=run-1&limit=1", nil)
	w := httptest.NewRecorder()

	api.handleEvents(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response struct {
		Count  int                `json:"count"`
		Events []types.StageEvent `json:"events"`
	}
	decode(t, w, &response)

	if response.Count != 1 || len(response.Events) != 1 {
		t.Fatalf("Expected 1 event, got %d", response.Count)
	}
	if response.Events[0].Stage != types.StagePlans {
		t.Errorf("Expected latest event to be %s, got %s", types.StagePlans, response.Events[0].Stage)
	}
}

func TestAPIServer_HandleEvents_Errors(t *testing.T) {
	tests := []struct {
		name   string
		src    EventSource
		url    string
		status int
	}{
		{"missing run id", &fakeEvents{}, "/api/v1/events", http.StatusBadRequest},
		{"no event log", nil, "/api/v1/events?run_id=x", http.StatusServiceUnavailable},
		{"store error", &fakeEvents{err: errors.New("boom")}, "/api/v1/events?run_id=x", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewAPIServer(Options{Events: tt.src})
			w := httptest.NewRecorder()
			api.handleEvents(w, httptest.NewRequest("GET", tt.url, nil))
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestAPIServer_HandleBeliefsAndRules(t *testing.T) {
	book := belief.NewBook(nil, nil)
	err := book.Apply(context.Background(), belief.Update{
		Beliefs: []belief.Belief{{Key: "oom_storm:workload/api", Kind: "oom_storm", Target: "workload/api", Confidence: 0.5, Evidence: 1}},
		Rules:   []belief.ProceduralRule{{ID: "r1", Pattern: belief.Pattern{HypothesisKind: "oom_storm", TargetKind: "workload"}, Signature: "scale_workload", Weight: 0.4}},
	})
	if err != nil {
		t.Fatalf("Failed to apply update: %v", err)
	}
	api := NewAPIServer(Options{Book: book})

	w := httptest.NewRecorder()
	api.handleBeliefs(w, httptest.NewRequest("GET", "/api/v1/beliefs", nil))
	var beliefs []belief.Belief
	decode(t, w, &beliefs)
	if len(beliefs) != 1 || beliefs[0].Key != "oom_storm:workload/api" {
		t.Errorf("Unexpected beliefs: %+v", beliefs)
	}

	w = httptest.NewRecorder()
	api.handleRules(w, httptest.NewRequest("GET", "/api/v1/rules", nil))
	var rules []belief.ProceduralRule
	decode(t, w, &rules)
	if len(rules) != 1 || rules[0].Weight != 0.4 {
		t.Errorf("Unexpected rules: %+v", rules)
	}

	w = httptest.NewRecorder()
	api.handleStats(w, httptest.NewRequest("GET", "/api/v1/stats", nil))
	var stats map[string]interface{}
	decode(t, w, &stats)
	if stats["total_beliefs"].(float64) != 1 {
		t.Errorf("Expected 1 belief, got %v", stats["total_beliefs"])
	}
	if stats["mean_rule_weight"].(float64) != 0.4 {
		t.Errorf("Expected mean rule weight 0.4, got %v", stats["mean_rule_weight"])
	}
	if stats["rules_by_kind"].(map[string]interface{})["oom_storm"].(float64) != 1 {
		t.Errorf("Expected one oom_storm rule, got %v", stats["rules_by_kind"])
	}
}

func TestAPIServer_HandleViolations(t *testing.T) {
	api := NewAPIServer(Options{Scenarios: scenarios()})

	req := httptest.NewRequest("GET", "/api/v1/violations?scenario=idle&severity=warning", nil)
	w := httptest.NewRecorder()

	api.handleViolations(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var violations []*engine.ViolationResult
	decode(t, w, &violations)

	found := false
	for _, v := range violations {
		if v.Severity != dsl.Warning {
			t.Errorf("Expected only warning violations, got %s", v.Severity)
		}
		if v.InvariantID == "workload_has_replicas" {
			found = true
		}
	}
	if !found {
		t.Error("Expected workload_has_replicas violation for a workload without pods")
	}
}

func TestAPIServer_HandleViolations_Errors(t *testing.T) {
	api := NewAPIServer(Options{Scenarios: scenarios()})

	w := httptest.NewRecorder()
	api.handleViolations(w, httptest.NewRequest("GET", "/api/v1/violations", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	api.handleViolations(w, httptest.NewRequest("GET", "/api/v1/violations?scenario=ghost", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	NewAPIServer(Options{}).handleViolations(w, httptest.NewRequest("GET", "/api/v1/violations?scenario=idle", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestAPIServer_HandleCausalChain(t *testing.T) {
	api := NewAPIServer(Options{})

	req := httptest.NewRequest("GET", "/api/v1/causal-chain?invariant_id=pod_running", nil)
	w := httptest.NewRecorder()

	api.handleCausalChain(w, req)

	var response map[string]interface{}
	decode(t, w, &response)

	if response["depth"].(float64) != 3 {
		t.Errorf("Expected depth 3, got %v", response["depth"])
	}
}

func TestAPIServer_MethodNotAllowed(t *testing.T) {
	api := NewAPIServer(Options{})

	for _, path := range []string{"/api/v1/beliefs", "/api/v1/rules", "/api/v1/stats", "/api/v1/invariants"} {
		w := httptest.NewRecorder()
		api.Handler().ServeHTTP(w, httptest.NewRequest("POST", path, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected status 405, got %d", path, w.Code)
		}
	}
}

func TestAPIServer_Metrics(t *testing.T) {
	api := NewAPIServer(Options{})

	w := httptest.NewRecorder()
	api.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("Expected Go runtime metrics")
	}
}

func TestAPIServer_CORSMiddleware(t *testing.T) {
	api := NewAPIServer(Options{})

	req := httptest.NewRequest("OPTIONS", "/health", nil)
	w := httptest.NewRecorder()

	handler := api.corsMiddleware(http.HandlerFunc(api.handleHealth))
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for OPTIONS, got %d", w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header to be set")
	}
}

func TestAPIServer_Start(t *testing.T) {
	api := NewAPIServer(Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- api.Start(ctx, "127.0.0.1:0", time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
