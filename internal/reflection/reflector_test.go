package reflection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/aegis/internal/belief"
	"github.com/aonescu/aegis/internal/diagnosis"
	"github.com/aonescu/aegis/internal/plan"
	"github.com/aonescu/aegis/internal/shadow"
)

func oomDiagnosis() *diagnosis.Diagnosis {
	return &diagnosis.Diagnosis{
		ID: "diag-1",
		Hypotheses: []diagnosis.Hypothesis{
			{Key: "oom_storm:workload/api", Kind: "oom_storm", Target: "workload/api", Confidence: 0.8, Score: 0.9},
			{Key: "traffic_surge:workload/api", Kind: "traffic_surge", Target: "workload/api", Confidence: 0.4, Score: 0.5},
		},
	}
}

func outcomes(planID string, main, likely, worst float64, chaos ...[]string) [3]shadow.Outcome {
	var out [3]shadow.Outcome
	for i, r := range []float64{main, likely, worst} {
		out[i] = shadow.Outcome{PlanID: planID, Branch: shadow.Branches[i], Resilience: r, FinalHealth: r}
		if i < len(chaos) {
			out[i].Chaos = chaos[i]
		}
	}
	return out
}

func book(t *testing.T, u belief.Update) *belief.Snapshot {
	t.Helper()
	b := belief.NewBook(nil, nil)
	require.NoError(t, b.Apply(context.Background(), u))
	return b.Snapshot()
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard(nil, nil))
	assert.Equal(t, 0.0, Jaccard([]string{"a"}, nil))
	assert.InDelta(t, 1.0/3.0, Jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
	assert.Equal(t, 1.0, Jaccard([]string{"a", "a"}, []string{"a"}))
}

func TestReflect_WrongDiagnosisForbidsTopHypothesis(t *testing.T) {
	r := NewReflector(DefaultConfig(), nil)
	applied := plan.Plan{ID: "p1", Actions: []plan.Action{{Type: plan.RestartWorkload, Target: "workload/api"}}}

	u := r.Reflect(Input{
		RunID:     "run-1",
		Diagnosis: oomDiagnosis(),
		Applied:   applied,
		Actual:    shadow.Outcome{FinalHealth: 0.4, Resilience: 0.4},
		Predicted: outcomes("p1", 0.9, 0.8, 0.7),
		PreHealth: 0.6,
		Beliefs:   book(t, belief.Update{}),
	})

	assert.True(t, u.WrongDiagnosis)
	assert.Equal(t, "oom_storm:workload/api", u.Forbidden)
	require.Len(t, u.Changes.Beliefs, 1)
	assert.Equal(t, 0.5, u.Changes.Beliefs[0].Confidence)
	assert.Equal(t, 1, u.Changes.Beliefs[0].Evidence)
	assert.Equal(t, "run-1", u.Changes.Beliefs[0].UpdatedRun)
}

func TestReflect_RepeatedFailureStrengthensBelief(t *testing.T) {
	r := NewReflector(DefaultConfig(), nil)
	view := book(t, belief.Update{Beliefs: []belief.Belief{
		{Key: "oom_storm:workload/api", Kind: "oom_storm", Target: "workload/api", Confidence: 0.8, Evidence: 2},
	}})

	u := r.Reflect(Input{
		RunID:     "run-2",
		Diagnosis: oomDiagnosis(),
		Actual:    shadow.Outcome{FinalHealth: 0.3},
		Predicted: outcomes("p1", 0.9, 0.9, 0.9),
		PreHealth: 0.5,
		Beliefs:   view,
	})

	require.Len(t, u.Changes.Beliefs, 1)
	assert.Equal(t, 1.0, u.Changes.Beliefs[0].Confidence, "confidence is capped")
	assert.Equal(t, 3, u.Changes.Beliefs[0].Evidence)
}

func TestReflect_HealthyOutcomeDecaysAndForgets(t *testing.T) {
	r := NewReflector(DefaultConfig(), nil)
	view := book(t, belief.Update{Beliefs: []belief.Belief{
		{Key: "crash_loop:workload/db", Kind: "crash_loop", Target: "workload/db", Confidence: 0.5},
		{Key: "probe_failure:workload/db", Kind: "probe_failure", Target: "workload/db", Confidence: 0.05},
	}})

	u := r.Reflect(Input{
		RunID:     "run-3",
		Diagnosis: oomDiagnosis(),
		Actual:    shadow.Outcome{FinalHealth: 0.95, Resilience: 0.9},
		Predicted: outcomes("p1", 0.9, 0.9, 0.9),
		PreHealth: 0.5,
		Beliefs:   view,
	})

	assert.False(t, u.WrongDiagnosis)
	require.Len(t, u.Changes.Beliefs, 1)
	assert.Equal(t, "crash_loop:workload/db", u.Changes.Beliefs[0].Key)
	assert.InDelta(t, 0.45, u.Changes.Beliefs[0].Confidence, 1e-9)
	assert.Equal(t, []string{"probe_failure:workload/db"}, u.Changes.Forget)
}

func TestReflect_PreemptionEmitsRule(t *testing.T) {
	r := NewReflector(DefaultConfig(), nil)
	applied := plan.Plan{ID: "p1", Actions: []plan.Action{{Type: plan.Observe, Amount: 1}}}
	better := plan.Plan{ID: "p2", Actions: []plan.Action{{Type: plan.RaiseMemoryLimit, Target: "workload/api", Amount: 256 << 20}}}
	worse := plan.Plan{ID: "p3", Actions: []plan.Action{{Type: plan.ScaleWorkload, Target: "workload/api", Amount: 2}}}
	live := []string{"oom_storm:workload/api"}

	u := r.Reflect(Input{
		RunID:     "run-4",
		Diagnosis: oomDiagnosis(),
		Applied:   applied,
		Actual:    shadow.Outcome{FinalHealth: 0.7, Resilience: 0.6},
		Predicted: outcomes("p1", 0.7, 0.6, 0.5),
		PreHealth: 0.6,
		Chaos:     live,
		Alternatives: []Alternative{
			{Plan: applied, Outcomes: outcomes("p1", 0.99, 0.99, 0.99)},
			// the main branch scores highest but saw no chaos
			{Plan: better, Outcomes: outcomes("p2", 0.99, 0.85, 0.8, nil, live, live)},
			{Plan: worse, Outcomes: outcomes("p3", 0.6, 0.6, 0.6, nil, live, live)},
		},
		Beliefs: book(t, belief.Update{}),
	})

	require.NotNil(t, u.Preemption)
	assert.Equal(t, "p2", u.Preemption.PlanID)
	assert.Equal(t, shadow.Worst, u.Preemption.Branch, "ties in similarity prefer the worst branch")
	assert.InDelta(t, 0.2, u.Preemption.Advantage, 1e-9)

	require.Len(t, u.Changes.Rules, 1)
	rule := u.Changes.Rules[0]
	assert.Equal(t, "oom_storm", rule.Pattern.HypothesisKind)
	assert.Equal(t, "workload", rule.Pattern.TargetKind)
	assert.Equal(t, better.Signature(), rule.Signature)
	assert.Equal(t, belief.RuleID(rule.Pattern, rule.Signature), rule.ID)
	assert.Equal(t, "run-4", rule.ProvenanceRun)
	assert.Equal(t, "p2", rule.ProvenancePlan)
}

func TestReflect_RepeatedPreemptionStrengthensRule(t *testing.T) {
	r := NewReflector(DefaultConfig(), nil)
	better := plan.Plan{ID: "p2", Actions: []plan.Action{{Type: plan.RaiseMemoryLimit, Target: "workload/api", Amount: 256 << 20}}}
	pattern := belief.Pattern{HypothesisKind: "oom_storm", TargetKind: "workload"}
	view := book(t, belief.Update{Rules: []belief.ProceduralRule{
		{ID: belief.RuleID(pattern, better.Signature()), Pattern: pattern, Signature: better.Signature(), Weight: 0.9},
	}})

	u := r.Reflect(Input{
		Diagnosis:    oomDiagnosis(),
		Applied:      plan.Plan{ID: "p1"},
		Actual:       shadow.Outcome{FinalHealth: 0.9, Resilience: 0.5},
		Predicted:    outcomes("p1", 0.9, 0.9, 0.9),
		PreHealth:    0.5,
		Alternatives: []Alternative{{Plan: better, Outcomes: outcomes("p2", 0.8, 0.8, 0.8)}},
		Beliefs:      view,
	})

	require.Len(t, u.Changes.Rules, 1)
	assert.Equal(t, 1.0, u.Changes.Rules[0].Weight)
}

func TestReflect_SmallAdvantageIsIgnored(t *testing.T) {
	r := NewReflector(DefaultConfig(), nil)
	alt := plan.Plan{ID: "p2", Actions: []plan.Action{{Type: plan.Observe, Amount: 1}}}

	u := r.Reflect(Input{
		Diagnosis:    oomDiagnosis(),
		Applied:      plan.Plan{ID: "p1"},
		Actual:       shadow.Outcome{FinalHealth: 0.8, Resilience: 0.8},
		Predicted:    outcomes("p1", 0.8, 0.8, 0.8),
		PreHealth:    0.7,
		Alternatives: []Alternative{{Plan: alt, Outcomes: outcomes("p2", 0.82, 0.82, 0.82)}},
	})

	assert.Nil(t, u.Preemption)
	assert.True(t, u.Changes.Empty())
}

func TestReflect_FailedBranchesNeverPreempt(t *testing.T) {
	r := NewReflector(DefaultConfig(), nil)
	alt := plan.Plan{ID: "p2", Actions: []plan.Action{{Type: plan.DrainNode, Target: "node/n1"}}}
	outs := outcomes("p2", 1, 1, 1)
	for i := range outs {
		outs[i].Failed = true
	}

	u := r.Reflect(Input{
		Diagnosis:    oomDiagnosis(),
		Applied:      plan.Plan{ID: "p1"},
		Actual:       shadow.Outcome{FinalHealth: 0.5, Resilience: 0.2},
		Predicted:    outcomes("p1", 0.5, 0.5, 0.5),
		PreHealth:    0.5,
		Alternatives: []Alternative{{Plan: alt, Outcomes: outs}},
	})

	assert.Nil(t, u.Preemption)
}
