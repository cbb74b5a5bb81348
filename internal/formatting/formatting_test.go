package formatting

import (
	"strings"
	"testing"

	"github.com/aonescu/aegis/internal/belief"
	"github.com/aonescu/aegis/internal/diagnosis"
	"github.com/aonescu/aegis/internal/pareto"
	"github.com/aonescu/aegis/internal/pipeline"
	"github.com/aonescu/aegis/internal/plan"
	"github.com/aonescu/aegis/internal/reflection"
	"github.com/aonescu/aegis/internal/shadow"
)

func appliedCycle() pipeline.Cycle {
	p := plan.Plan{
		ID:      "3f0c2a9e-0000-5000-8000-000000000001",
		Actions: []plan.Action{{Type: plan.RaiseMemoryLimit, Target: "workload/api", Amount: 256 << 20}},
	}
	v := pareto.Vector{PlanID: p.ID, Stability: 0.91, Cost: 1.5, Resilience: 0.8, PropagationRisk: 0.12}
	return pipeline.Cycle{
		Index:     0,
		Tick:      6,
		PreHealth: 0.4,
		Diagnosis: &diagnosis.Diagnosis{
			Hypotheses: []diagnosis.Hypothesis{
				{Key: "oom_storm:workload/api", Kind: "oom_storm", Target: "workload/api", Confidence: 0.9, Support: 3},
			},
			Rejected: []diagnosis.Rejection{
				{Hypothesis: diagnosis.Hypothesis{Key: "pod_crash:workload/api"}, Belief: belief.Belief{Confidence: 0.8}},
			},
		},
		Plans:   []plan.Plan{p},
		Vectors: []pareto.Vector{v},
		Outcomes: [][3]shadow.Outcome{{
			{Branch: shadow.Main, FinalHealth: 1},
			{Branch: shadow.Likely, FinalHealth: 0.9},
			{Branch: shadow.Worst, Failed: true},
		}},
		Selection: &pareto.Selection{Plan: p, Vector: v, Front: []string{p.ID}},
		Utility:   1.5,
		Actual:    shadow.Outcome{FinalHealth: 0.95, Stability: 0.9},
		Reflection: reflection.Update{
			WrongDiagnosis: true,
			Forbidden:      "oom_storm:workload/api",
			Changes: belief.Update{
				Rules: []belief.ProceduralRule{{ID: "rule-1234567890", Weight: 0.2}},
			},
		},
	}
}

func TestFormatCycle(t *testing.T) {
	report := FormatCycle(appliedCycle())

	if report == "" {
		t.Fatal("Expected non-empty report")
	}

	for _, section := range []string{"DIAGNOSIS", "PLANS", "FORECAST", "SELECTION", "REFLECTION"} {
		if !strings.Contains(report, section) {
			t.Errorf("Expected '%s' section in report", section)
		}
	}

	if !strings.Contains(report, "oom_storm workload/api") {
		t.Error("Expected top hypothesis in report")
	}
	if !strings.Contains(report, "pod_crash:workload/api rejected") {
		t.Error("Expected rejected hypothesis in report")
	}
	if !strings.Contains(report, "3f0c2a9e") {
		t.Error("Expected short plan id in report")
	}
	if !strings.Contains(report, "worst-historical-chaos failed") {
		t.Error("Expected failed branch in forecast")
	}
	if !strings.Contains(report, "now forbidden") {
		t.Error("Expected wrong diagnosis in reflection")
	}
}

func TestFormatCycle_NoPlan(t *testing.T) {
	c := appliedCycle()
	c.Selection = nil

	report := FormatCycle(c)

	if !strings.Contains(report, "no viable plan") {
		t.Error("Expected no viable plan message")
	}
	if strings.Contains(report, "REFLECTION") {
		t.Error("Expected no reflection section without a selection")
	}
}

func TestGenerateSummary(t *testing.T) {
	noPlan := appliedCycle()
	noPlan.Selection = nil
	noPlan.Reflection = reflection.Update{}

	res := &pipeline.Result{
		RunID:    "run-1",
		Scenario: "oom-storm",
		Tier:     1,
		Cycles:   []pipeline.Cycle{appliedCycle(), noPlan},
	}

	summary := GenerateSummary(res)

	if summary["cycles"].(int) != 2 {
		t.Errorf("Expected 2 cycles, got %d", summary["cycles"])
	}
	if summary["applied"].(int) != 1 {
		t.Errorf("Expected 1 applied, got %d", summary["applied"])
	}
	if summary["no_plan"].(int) != 1 {
		t.Errorf("Expected 1 no_plan, got %d", summary["no_plan"])
	}
	if summary["wrong"].(int) != 1 {
		t.Errorf("Expected 1 wrong, got %d", summary["wrong"])
	}
	if summary["rules"].(int) != 1 {
		t.Errorf("Expected 1 rule, got %d", summary["rules"])
	}

	hyps := summary["hypotheses"].(map[string]int)
	if hyps["oom_storm"] != 2 {
		t.Errorf("Expected oom_storm count 2, got %d", hyps["oom_storm"])
	}

	if len(FormatResult(res)) != 2 {
		t.Error("Expected one report per cycle")
	}
}

func TestFormatBeliefs(t *testing.T) {
	out := FormatBeliefs(nil, nil)
	if strings.Count(out, "none") != 2 {
		t.Errorf("Expected empty sections, got %q", out)
	}

	out = FormatBeliefs(
		[]belief.Belief{{Key: "oom_storm:workload/api", Confidence: 0.5, Evidence: 1}},
		[]belief.ProceduralRule{{ID: "abcdef0123", Pattern: belief.Pattern{HypothesisKind: "oom_storm", TargetKind: "workload"}, Signature: "scale_workload", Weight: 0.3}},
	)
	if !strings.Contains(out, "oom_storm:workload/api confidence 0.50 evidence 1") {
		t.Errorf("Expected belief line, got %q", out)
	}
	if !strings.Contains(out, "abcdef01 oom_storm/workload") {
		t.Errorf("Expected rule line, got %q", out)
	}
}
