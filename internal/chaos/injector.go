package chaos

import (
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/cluster"
)

type Status string

const (
	Applied   Status = "applied"
	Duplicate Status = "duplicate"
	NoTarget  Status = "no_target"
	NotFired  Status = "not_fired"
	Failed    Status = "failed"
)

type Result struct {
	Event   Event    `json:"event"`
	Status  Status   `json:"status"`
	Targets []string `json:"targets,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// Injector applies chaos events to a working copy of the cluster state.
type Injector struct {
	logger *zap.Logger
}

func NewInjector(logger *zap.Logger) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{logger: logger}
}

// Apply mutates s. Each occurrence is applied at most once; a missing target
// is recorded in the result and never returned as an error.
func (inj *Injector) Apply(s *cluster.State, e Event, rng *rand.Rand) Result {
	occ := e.Occurrence()
	if s.Applied[occ] {
		return Result{Event: e, Status: Duplicate}
	}
	s.Applied[occ] = true

	if !Known(e.Kind) {
		inj.logger.Warn("unknown chaos kind", zap.String("event", e.ID), zap.String("kind", string(e.Kind)))
		return Result{Event: e, Status: Failed, Detail: "unknown kind " + string(e.Kind)}
	}
	if e.Probability > 0 && e.Probability < 1 && rng.Float64() >= e.Probability {
		return Result{Event: e, Status: NotFired}
	}

	var targets []string
	switch e.Kind {
	case PodCrash:
		for _, p := range targetPods(s, e.Target) {
			p.CrashCause = cluster.ReasonError
			targets = append(targets, p.ID)
		}
	case OOMStorm:
		for _, p := range targetPods(s, e.Target) {
			p.MemPressure += e.Magnitude
			targets = append(targets, p.ID)
		}
	case ProbeFailure:
		for _, p := range targetPods(s, e.Target) {
			p.ProbeHealthy = false
			targets = append(targets, p.ID)
		}
	case BurstTraffic:
		for _, w := range targetWorkloads(s, e.Target) {
			w.TrafficCPU += e.Magnitude
			targets = append(targets, w.ID)
		}
	case NodeCordon, NodeDrain:
		// drain only cordons; eviction is a plan action
		if n, ok := s.Nodes[e.Target.Node]; ok {
			n.Cordoned = true
			targets = append(targets, n.ID)
		}
	case NetpolLockout:
		if np, ok := s.Policies[e.Target.Policy]; ok {
			np.Enforced = true
			targets = append(targets, np.ID)
		}
	}

	if len(targets) == 0 {
		inj.logger.Debug("chaos target missing", zap.String("event", e.ID), zap.String("target", e.Target.String()))
		return Result{Event: e, Status: NoTarget, Detail: "target " + e.Target.String() + " not found"}
	}
	inj.logger.Debug("chaos applied",
		zap.String("event", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.Int("tick", s.Tick),
		zap.Strings("targets", targets),
	)
	return Result{Event: e, Status: Applied, Targets: targets}
}

func targetPods(s *cluster.State, t Target) []*cluster.Pod {
	var pods []*cluster.Pod
	switch {
	case len(t.Pods) > 0:
		for _, id := range t.Pods {
			if p, ok := s.Pods[id]; ok {
				pods = append(pods, p)
			}
		}
	case t.Workload != "":
		pods = s.PodsOf(t.Workload)
	case len(t.Selector) > 0:
		pods = s.PodsMatching(t.Namespace, t.Selector)
	}
	live := pods[:0:0]
	for _, p := range pods {
		if p.Phase != cluster.Terminated {
			live = append(live, p)
		}
	}
	return live
}

func targetWorkloads(s *cluster.State, t Target) []*cluster.Workload {
	if t.Workload != "" {
		if w, ok := s.Workloads[t.Workload]; ok {
			return []*cluster.Workload{w}
		}
		return nil
	}
	seen := make(map[string]bool)
	var out []*cluster.Workload
	for _, p := range targetPods(s, t) {
		if w, ok := s.Workloads[p.Workload]; ok && !seen[w.ID] {
			seen[w.ID] = true
			out = append(out, w)
		}
	}
	return out
}
