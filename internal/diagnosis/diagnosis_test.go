package diagnosis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/aegis/internal/authority"
	"github.com/aonescu/aegis/internal/belief"
	"github.com/aonescu/aegis/internal/cluster"
)

type brokenOracle struct{}

func (brokenOracle) Name() string { return "broken" }
func (brokenOracle) Propose(ctx context.Context, p Prompt) ([]Candidate, error) {
	return nil, errors.New("connection refused")
}

type fixedOracle []Candidate

func (fixedOracle) Name() string { return "fixed" }
func (f fixedOracle) Propose(ctx context.Context, p Prompt) ([]Candidate, error) {
	return f, nil
}

func oomState() *cluster.State {
	s := cluster.NewState()
	s.Tick = 6
	s.Nodes["n1"] = &cluster.Node{ID: "n1", Capacity: cluster.MustResources("4", "8Gi")}
	w := &cluster.Workload{
		ID:              "api",
		Namespace:       "default",
		DesiredReplicas: 3,
		Template: cluster.PodTemplate{
			Requests: cluster.MustResources("250m", "256Mi"),
			Limits:   cluster.MustResources("500m", "512Mi"),
		},
	}
	s.Workloads["api"] = w
	for i := 0; i < 3; i++ {
		p := s.SpawnPod(w)
		s.Bind(p, s.Nodes["n1"])
		p.Phase = cluster.CrashLooping
		p.LastReason = cluster.ReasonOOMKilled
		p.RestartCount = 1
		p.Backoff = 2
	}
	return s
}

func TestDiagnose_RanksOOMFirst(t *testing.T) {
	d := NewDiagnoser(nil, nil)

	diag, err := d.Diagnose(context.Background(), oomState(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, diag.Symptoms)

	top, ok := diag.Top()
	require.True(t, ok)
	assert.Equal(t, authority.OOMStorm, top.Kind)
	assert.Equal(t, "workload/api", top.Target)
	assert.Equal(t, "api", top.TargetName())
	assert.Equal(t, authority.TargetWorkload, top.TargetKind())
	assert.Greater(t, top.Support, 0)
	assert.False(t, diag.Degraded)
	assert.Equal(t, "rules", diag.Oracle)

	for i := 1; i < len(diag.Hypotheses); i++ {
		assert.GreaterOrEqual(t, diag.Hypotheses[i-1].Score, diag.Hypotheses[i].Score)
	}
}

func TestDiagnose_Deterministic(t *testing.T) {
	d := NewDiagnoser(nil, nil)
	a, err := d.Diagnose(context.Background(), oomState(), nil)
	require.NoError(t, err)
	b, err := d.Diagnose(context.Background(), oomState(), nil)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.Hypotheses, b.Hypotheses)
}

func TestDiagnose_EchoRejection(t *testing.T) {
	ctx := context.Background()
	book := belief.NewBook(nil, nil)
	key := Key(authority.OOMStorm, "workload/api")
	require.NoError(t, book.Apply(ctx, belief.Update{Beliefs: []belief.Belief{
		{Key: key, Kind: authority.OOMStorm, Target: "workload/api", Confidence: 0.5, Evidence: 1},
	}}))

	d := NewDiagnoser(nil, nil)
	s := oomState()

	// Re-diagnosing the unchanged symptom set never brings the hypothesis back.
	for i := 0; i < 3; i++ {
		diag, err := d.Diagnose(ctx, s, book)
		require.NoError(t, err)

		for _, h := range diag.Hypotheses {
			assert.NotEqual(t, key, h.Key)
		}
		require.Len(t, diag.Rejected, 1)
		assert.Equal(t, key, diag.Rejected[0].Hypothesis.Key)
		assert.Zero(t, diag.Rejected[0].Hypothesis.Confidence)
		assert.Equal(t, 0.5, diag.Rejected[0].Belief.Confidence)
	}
}

func TestDiagnose_OracleUnavailableDegrades(t *testing.T) {
	d := NewDiagnoser(brokenOracle{}, nil)

	diag, err := d.Diagnose(context.Background(), oomState(), nil)
	require.NoError(t, err)
	assert.True(t, diag.Degraded)
	assert.Equal(t, "rules", diag.Oracle)

	top, ok := diag.Top()
	require.True(t, ok)
	assert.Equal(t, authority.OOMStorm, top.Kind)
}

func TestDiagnose_UsesOracleConfidence(t *testing.T) {
	d := NewDiagnoser(fixedOracle{
		{Kind: authority.MemoryLimitTooLow, Target: "workload/api", Confidence: 0.99},
		{Kind: authority.OOMStorm, Target: "workload/api", Confidence: 0.1},
		{Kind: "", Target: "workload/api", Confidence: 1},
		{Kind: authority.TrafficSurge, Target: "workload/api", Confidence: 0},
	}, nil)

	diag, err := d.Diagnose(context.Background(), oomState(), nil)
	require.NoError(t, err)
	require.Len(t, diag.Hypotheses, 2)
	assert.Equal(t, authority.MemoryLimitTooLow, diag.Hypotheses[0].Kind)
	assert.Equal(t, "fixed", diag.Oracle)
}

func TestDiagnose_HealthyStateHasNoHypotheses(t *testing.T) {
	s := oomState()
	for _, p := range s.Pods {
		p.Phase = cluster.Running
		p.LastReason = ""
		p.RestartCount = 0
	}

	diag, err := NewDiagnoser(nil, nil).Diagnose(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Empty(t, diag.Symptoms)
	assert.Empty(t, diag.Hypotheses)
	_, ok := diag.Top()
	assert.False(t, ok)
}

func TestDiagnose_CordonedNodeTargetsNode(t *testing.T) {
	s := cluster.NewState()
	s.Nodes["n1"] = &cluster.Node{ID: "n1", Capacity: cluster.MustResources("4", "8Gi"), Cordoned: true}
	w := &cluster.Workload{
		ID:              "web",
		Namespace:       "default",
		DesiredReplicas: 1,
		Template:        cluster.PodTemplate{Requests: cluster.MustResources("100m", "64Mi")},
	}
	s.Workloads["web"] = w
	s.SpawnPod(w)

	diag, err := NewDiagnoser(nil, nil).Diagnose(context.Background(), s, nil)
	require.NoError(t, err)

	keys := make(map[string]bool)
	for _, h := range diag.Hypotheses {
		keys[h.Key] = true
	}
	assert.True(t, keys[Key(authority.NodeUnschedulable, "node/n1")])
	assert.True(t, keys[Key(authority.InsufficientCapacity, "workload/web")])
}

func TestDiagnose_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDiagnoser(nil, nil).Diagnose(ctx, oomState(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewPrompt(t *testing.T) {
	d := NewDiagnoser(nil, nil)
	s := oomState()
	p := NewPrompt(s.Tick, s.Hash(), d.Symptoms(s))

	assert.Contains(t, p.Text, "pod_not_oom_killed")
	assert.Contains(t, p.Text, "workload/api")
	assert.Contains(t, p.Kinds, authority.OOMStorm)
}
