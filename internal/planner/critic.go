package planner

import (
	"fmt"
	"sort"

	"github.com/aonescu/aegis/internal/diagnosis"
	"github.com/aonescu/aegis/internal/plan"
)

// Context is what a critic knows about the plan under review.
type Context struct {
	Hypothesis diagnosis.Hypothesis
	// Workload is "workload/<id>" in scope of the hypothesis, or "".
	Workload string
	// Owners maps symptomatic pod ids to their workload.
	Owners map[string]string
}

type Critique struct {
	Penalty  float64
	Reasons  []string
	Variants [][]plan.Action
}

// Critic challenges a plan and may propose refined variants.
type Critic interface {
	Challenge(p plan.Plan, ctx Context) Critique
}

// RiskCritic flags risky steps without a capacity guard, over-scaling and
// plans that never touch the hypothesis target.
type RiskCritic struct {
	RiskThreshold float64
	MaxScale      int64
	GuardPenalty  float64
	ScalePenalty  float64
	OffTarget     float64
}

func NewRiskCritic() *RiskCritic {
	return &RiskCritic{
		RiskThreshold: 0.2,
		MaxScale:      2,
		GuardPenalty:  0.1,
		ScalePenalty:  0.05,
		OffTarget:     0.15,
	}
}

func (c *RiskCritic) Challenge(p plan.Plan, ctx Context) Critique {
	var crit Critique
	if len(p.Actions) == 0 || (len(p.Actions) == 1 && p.Actions[0].Type == plan.Observe) {
		return crit
	}

	guarded := false
	for i, a := range p.Actions {
		if a.Type == plan.ScaleWorkload && a.Amount > 0 {
			guarded = true
			continue
		}
		if guarded || a.Risk() < c.RiskThreshold {
			continue
		}
		crit.Penalty += c.GuardPenalty
		crit.Reasons = append(crit.Reasons, fmt.Sprintf("%s runs without a capacity guard", a))
		if ctx.Workload != "" {
			guard := plan.Action{Type: plan.ScaleWorkload, Target: ctx.Workload, Amount: 1}
			crit.Variants = append(crit.Variants, prepend(guard, p.Actions))
		}
		if soft, ok := soften(a, ctx); ok {
			crit.Variants = append(crit.Variants, replace(p.Actions, i, soft))
		}
		break
	}

	for i, a := range p.Actions {
		if a.Type != plan.ScaleWorkload || abs(a.Amount) <= c.MaxScale {
			continue
		}
		crit.Penalty += c.ScalePenalty * float64(abs(a.Amount)-c.MaxScale)
		crit.Reasons = append(crit.Reasons, fmt.Sprintf("%s over-scales", a))
		reduced := a
		reduced.Amount = c.MaxScale
		if a.Amount < 0 {
			reduced.Amount = -c.MaxScale
		}
		crit.Variants = append(crit.Variants, replace(p.Actions, i, reduced))
	}

	if ctx.Hypothesis.Target != "" {
		owner := func(pod string) string { return ctx.Owners[pod] }
		touches := p.Touches(ctx.Hypothesis.Target, owner) || (ctx.Workload != "" && p.Touches(ctx.Workload, owner))
		if !touches {
			crit.Penalty += c.OffTarget
			crit.Reasons = append(crit.Reasons, fmt.Sprintf("does not act on %s", ctx.Hypothesis.Target))
		}
	}
	return crit
}

// soften swaps a disruptive step for a gentler one with the same intent.
func soften(a plan.Action, ctx Context) (plan.Action, bool) {
	switch a.Type {
	case plan.DrainNode:
		return plan.Action{Type: plan.CordonNode, Target: a.Target}, true
	case plan.RestartWorkload:
		var pods []string
		for pod, owner := range ctx.Owners {
			if "workload/"+owner == a.Target {
				pods = append(pods, pod)
			}
		}
		if len(pods) > 0 {
			sort.Strings(pods)
			return plan.Action{Type: plan.RestartPod, Target: "pod/" + pods[0]}, true
		}
	}
	return plan.Action{}, false
}

func prepend(a plan.Action, actions []plan.Action) []plan.Action {
	out := make([]plan.Action, 0, len(actions)+1)
	out = append(out, a)
	return append(out, actions...)
}

func replace(actions []plan.Action, i int, a plan.Action) []plan.Action {
	out := append([]plan.Action(nil), actions...)
	out[i] = a
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
