package formatting

import (
	"fmt"
	"strings"

	"github.com/aonescu/aegis/internal/belief"
	"github.com/aonescu/aegis/internal/pipeline"
	"github.com/aonescu/aegis/internal/shadow"
)

const rule = "────────────────────────\n"

func FormatResult(res *pipeline.Result) []string {
	reports := make([]string, 0, len(res.Cycles))
	for _, c := range res.Cycles {
		reports = append(reports, FormatCycle(c))
	}
	return reports
}

func GenerateSummary(res *pipeline.Result) map[string]interface{} {
	summary := map[string]interface{}{
		"run_id":     res.RunID,
		"scenario":   res.Scenario,
		"tier":       int(res.Tier),
		"cycles":     len(res.Cycles),
		"applied":    0,
		"no_plan":    0,
		"wrong":      0,
		"rules":      0,
		"hypotheses": make(map[string]int),
	}

	for _, c := range res.Cycles {
		if c.Selection != nil {
			summary["applied"] = summary["applied"].(int) + 1
		} else {
			summary["no_plan"] = summary["no_plan"].(int) + 1
		}
		if c.Reflection.WrongDiagnosis {
			summary["wrong"] = summary["wrong"].(int) + 1
		}
		summary["rules"] = summary["rules"].(int) + len(c.Reflection.Changes.Rules)

		if top, ok := c.Diagnosis.Top(); ok {
			hyps := summary["hypotheses"].(map[string]int)
			hyps[top.Kind]++
		}
	}

	return summary
}

func FormatCycle(c pipeline.Cycle) string {
	var output strings.Builder

	output.WriteString(fmt.Sprintf("\nCYCLE %d @ tick %d (health %.2f)\n", c.Index, c.Tick, c.PreHealth))

	output.WriteString("\nDIAGNOSIS\n")
	output.WriteString(rule)
	if c.Diagnosis == nil || len(c.Diagnosis.Hypotheses) == 0 {
		output.WriteString("no hypotheses\n")
	} else {
		for i, h := range c.Diagnosis.Hypotheses {
			output.WriteString(fmt.Sprintf("%d. %s %s (confidence %.2f, support %d)\n", i+1, h.Kind, h.Target, h.Confidence, h.Support))
		}
		for _, r := range c.Diagnosis.Rejected {
			output.WriteString(fmt.Sprintf("✗ %s rejected (belief %.2f)\n", r.Hypothesis.Key, r.Belief.Confidence))
		}
		if c.Diagnosis.Degraded {
			output.WriteString("oracle unavailable, deterministic ranking only\n")
		}
	}

	output.WriteString("\nPLANS\n")
	output.WriteString(rule)
	for i, p := range c.Plans {
		actions := make([]string, len(p.Actions))
		for j, a := range p.Actions {
			actions[j] = a.String()
		}
		output.WriteString(fmt.Sprintf("%d. %s [%s]\n", i+1, shortID(p.ID), strings.Join(actions, " → ")))
	}

	output.WriteString("\nFORECAST\n")
	output.WriteString(rule)
	for i, v := range c.Vectors {
		if v.Excluded {
			output.WriteString(fmt.Sprintf("%s excluded: every branch failed\n", shortID(v.PlanID)))
			continue
		}
		output.WriteString(fmt.Sprintf("%s stability %.3f cost %.2f resilience %.3f risk %.3f%s\n",
			shortID(v.PlanID), v.Stability, v.Cost, v.Resilience, v.PropagationRisk, branches(c.Outcomes, i)))
	}

	output.WriteString("\nSELECTION\n")
	output.WriteString(rule)
	if c.Selection == nil {
		output.WriteString("no viable plan, nothing applied\n")
	} else {
		output.WriteString(fmt.Sprintf("%s (utility %.3f, front %d)\n", shortID(c.Selection.Plan.ID), c.Utility, len(c.Selection.Front)))
		output.WriteString(fmt.Sprintf("actual health %.3f, stability %.3f\n", c.Actual.FinalHealth, c.Actual.Stability))
	}

	if c.Selection != nil {
		output.WriteString("\nREFLECTION\n")
		output.WriteString(rule)
		r := c.Reflection
		if r.WrongDiagnosis {
			output.WriteString(fmt.Sprintf("wrong diagnosis: %s now forbidden\n", r.Forbidden))
		}
		if r.Preemption != nil {
			output.WriteString(r.Preemption.String() + "\n")
		}
		for _, rl := range r.Changes.Rules {
			output.WriteString(fmt.Sprintf("✓ rule %s weight %.2f\n", shortID(rl.ID), rl.Weight))
		}
		output.WriteString(fmt.Sprintf("prediction gap %.3f, %d beliefs forgotten\n", r.PredictionGap, len(r.Changes.Forget)))
	}

	return output.String()
}

func FormatBeliefs(beliefs []belief.Belief, rules []belief.ProceduralRule) string {
	var output strings.Builder

	output.WriteString("BELIEFS\n")
	output.WriteString(rule)
	if len(beliefs) == 0 {
		output.WriteString("none\n")
	}
	for _, b := range beliefs {
		output.WriteString(fmt.Sprintf("%s confidence %.2f evidence %d\n", b.Key, b.Confidence, b.Evidence))
	}

	output.WriteString("\nRULES\n")
	output.WriteString(rule)
	if len(rules) == 0 {
		output.WriteString("none\n")
	}
	for _, r := range rules {
		output.WriteString(fmt.Sprintf("%s %s/%s → %s weight %.2f\n", shortID(r.ID), r.Pattern.HypothesisKind, r.Pattern.TargetKind, r.Signature, r.Weight))
	}

	return output.String()
}

func branches(outcomes [][3]shadow.Outcome, i int) string {
	if i >= len(outcomes) {
		return ""
	}
	parts := make([]string, 0, 3)
	for _, o := range outcomes[i] {
		if o.Failed {
			parts = append(parts, fmt.Sprintf("%s failed", o.Branch))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %.2f", o.Branch, o.FinalHealth))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
