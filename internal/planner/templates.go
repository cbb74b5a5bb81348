package planner

import (
	"github.com/aonescu/aegis/internal/authority"
	"github.com/aonescu/aegis/internal/diagnosis"
	"github.com/aonescu/aegis/internal/plan"
)

// remedy is a candidate action sequence with its prior for a hypothesis.
type remedy struct {
	actions []plan.Action
	prior   float64
}

// subject collects the concrete resources a hypothesis can be acted on.
type subject struct {
	workload string // "workload/<id>" or ""
	target   string
	pod      string // a symptomatic pod of workload, "pod/<id>" or ""
}

func one(t plan.ActionType, target string, amount int64, prior float64) remedy {
	return remedy{actions: []plan.Action{{Type: t, Target: target, Amount: amount}}, prior: prior}
}

// templates returns the remedies for a hypothesis kind.
func (g *Generator) templates(h diagnosis.Hypothesis, sub subject) []remedy {
	w := sub.workload
	var out []remedy
	switch h.Kind {
	case authority.OOMStorm:
		out = append(out,
			one(plan.RaiseMemoryLimit, w, g.cfg.MemoryStep, 0.9),
			one(plan.RestartWorkload, w, 0, 0.6),
			one(plan.ScaleWorkload, w, 1, 0.5),
			one(plan.Observe, "", 2, 0.3),
		)
	case authority.MemoryLimitTooLow:
		out = append(out,
			one(plan.RaiseMemoryLimit, w, 2*g.cfg.MemoryStep, 0.95),
			one(plan.RaiseMemoryLimit, w, g.cfg.MemoryStep, 0.8),
		)
	case authority.TrafficSurge:
		out = append(out,
			one(plan.ScaleWorkload, w, int64(g.cfg.ScaleStep), 0.9),
			one(plan.RaiseHPAMax, w, int64(g.cfg.ScaleStep), 0.8),
			one(plan.RaiseCPULimit, w, g.cfg.CPUStep, 0.6),
		)
	case authority.ProbeFailure:
		out = append(out, one(plan.RestartWorkload, w, 0, 0.8))
		if sub.pod != "" {
			out = append(out, one(plan.RestartPod, sub.pod, 0, 0.7))
		}
	case authority.NetpolLockout:
		out = append(out, one(plan.RelaxNetworkPolicy, sub.target, 0, 0.95))
	case authority.NodeUnschedulable:
		out = append(out, one(plan.UncordonNode, sub.target, 0, 0.9))
	case authority.InsufficientCapacity:
		out = append(out,
			one(plan.ScaleWorkload, w, -1, 0.5),
			one(plan.Observe, "", 3, 0.3),
		)
	case authority.CrashLoop:
		out = append(out, one(plan.RestartWorkload, w, 0, 0.6))
		if sub.pod != "" {
			out = append(out, one(plan.EvictPod, sub.pod, 0, 0.5))
		}
		out = append(out, one(plan.ScaleWorkload, w, 1, 0.4))
	}

	valid := out[:0]
	for _, r := range out {
		if actionable(r.actions) {
			valid = append(valid, r)
		}
	}
	return valid
}

// generic remedies apply to any diagnosis with a workload in scope.
func (g *Generator) generic(sub subject) []remedy {
	out := []remedy{one(plan.Observe, "", 1, 0.2)}
	if sub.workload != "" {
		out = append(out,
			one(plan.ScaleWorkload, sub.workload, 1, 0.35),
			one(plan.RestartWorkload, sub.workload, 0, 0.3),
		)
	}
	return out
}

func actionable(actions []plan.Action) bool {
	for _, a := range actions {
		if a.Type != plan.Observe && a.TargetName() == "" {
			return false
		}
	}
	return true
}
