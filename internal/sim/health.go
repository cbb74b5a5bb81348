package sim

import (
	"math"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/aonescu/aegis/internal/cluster"
)

// evaluateHealth applies OOM kills, probe failures, dependency lockouts and
// crash-loop backoff. It is the only place pod phases change after binding.
func (e *Engine) evaluateHealth(s *cluster.State, rep *TickReport) {
	for _, id := range s.PodIDs() {
		p := s.Pods[id]
		switch p.Phase {
		case cluster.Running:
			p.BlockedBy = blockingPolicy(s, p)
			switch {
			case p.CrashCause != "":
				e.crash(p, p.CrashCause, rep)
			case p.Limits.Memory > 0 && p.Usage.Memory > p.Limits.Memory:
				e.crash(p, cluster.ReasonOOMKilled, rep)
			case !p.ProbeHealthy || p.BlockedBy != "":
				p.ProbeFailures++
				if p.ProbeFailures >= e.cfg.ProbeFailureThreshold {
					e.crash(p, cluster.ReasonProbeFailed, rep)
				}
			default:
				p.ProbeFailures = 0
			}
		case cluster.CrashLooping:
			p.Backoff--
			if p.Backoff <= 0 {
				p.Phase = cluster.Running
				p.Backoff = 0
				p.ProbeHealthy = true
				p.ProbeFailures = 0
				p.MemPressure /= 2
				rep.Restarted = append(rep.Restarted, p.ID)
			}
		case cluster.Pending:
			p.CrashCause = ""
			p.BlockedBy = ""
		}
		p.MemPressure = int64(math.Round(float64(p.MemPressure) * (1 - e.cfg.MemoryDecay)))
	}
}

func (e *Engine) crash(p *cluster.Pod, reason string, rep *TickReport) {
	p.RestartCount++
	p.LastReason = reason
	p.CrashCause = ""
	p.ProbeFailures = 0
	p.Usage = cluster.Resources{}
	if rep.Crashed == nil {
		rep.Crashed = make(map[string]string)
	}
	rep.Crashed[p.ID] = reason

	if e.cfg.MaxRestarts > 0 && p.RestartCount >= e.cfg.MaxRestarts {
		p.Phase = cluster.Terminated
		e.logger.Debug("pod terminated", zap.String("pod", p.ID), zap.String("reason", reason), zap.Int("restarts", p.RestartCount))
		return
	}
	p.Phase = cluster.CrashLooping
	p.Backoff = min(1<<min(p.RestartCount, 6), max(e.cfg.MaxBackoff, 1))
}

// blockingPolicy returns the id of an enforced policy that denies traffic from
// p to one of its workload's dependencies, or "".
func blockingPolicy(s *cluster.State, p *cluster.Pod) string {
	w, ok := s.Workloads[p.Workload]
	if !ok {
		return ""
	}
	src := labels.Set(p.Labels)
	for _, dep := range w.DependsOn {
		targets := s.PodsOf(dep)
		if len(targets) == 0 {
			continue
		}
		dst := targets[0]
		for _, pid := range s.PolicyIDs() {
			np := s.Policies[pid]
			if !np.Enforced || (np.Namespace != "" && np.Namespace != dst.Namespace) {
				continue
			}
			if !labels.SelectorFromSet(labels.Set(np.PodSelector)).Matches(labels.Set(dst.Labels)) {
				continue
			}
			allowed := false
			for _, rule := range np.Ingress {
				if labels.SelectorFromSet(labels.Set(rule.From)).Matches(src) {
					allowed = true
					break
				}
			}
			if !allowed {
				return np.ID
			}
		}
	}
	return ""
}
