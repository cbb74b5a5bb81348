package plan

import (
	"fmt"
	"math"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/aonescu/aegis/internal/cluster"
)

type ActionType string

const (
	Observe            ActionType = "observe"
	RestartPod         ActionType = "restart_pod"
	RestartWorkload    ActionType = "restart_workload"
	ScaleWorkload      ActionType = "scale_workload"
	RaiseMemoryLimit   ActionType = "raise_memory_limit"
	RaiseCPULimit      ActionType = "raise_cpu_limit"
	RaiseHPAMax        ActionType = "raise_hpa_max"
	UncordonNode       ActionType = "uncordon_node"
	CordonNode         ActionType = "cordon_node"
	DrainNode          ActionType = "drain_node"
	RelaxNetworkPolicy ActionType = "relax_network_policy"
	EvictPod           ActionType = "evict_pod"
)

// Action is one remediation step. Target is "<kind>/<id>" where kind is
// workload, node, policy or pod. Amount is a replica delta, a byte or
// millicore increment, or an observation length depending on Type.
type Action struct {
	Type   ActionType `json:"type"`
	Target string     `json:"target,omitempty"`
	Amount int64      `json:"amount,omitempty"`
}

type profile struct {
	risk float64
	cost float64
}

var profiles = map[ActionType]profile{
	Observe:            {0, 0},
	RestartPod:         {0.10, 1},
	RestartWorkload:    {0.20, 2},
	RaiseMemoryLimit:   {0.08, 1},
	RaiseCPULimit:      {0.06, 1},
	RaiseHPAMax:        {0.04, 0.5},
	UncordonNode:       {0.10, 0.5},
	CordonNode:         {0.25, 1},
	DrainNode:          {0.40, 3},
	RelaxNetworkPolicy: {0.30, 1},
	EvictPod:           {0.15, 1},
}

// Risk is the local risk of the step before any observed health impact.
func (a Action) Risk() float64 {
	if a.Type == ScaleWorkload {
		return 0.05 * math.Abs(float64(a.Amount))
	}
	return profiles[a.Type].risk
}

// Cost is the disruption cost of the step.
func (a Action) Cost() float64 {
	if a.Type == ScaleWorkload {
		return 0.5 * math.Abs(float64(a.Amount))
	}
	return profiles[a.Type].cost
}

func (a Action) Known() bool {
	if a.Type == ScaleWorkload {
		return true
	}
	_, ok := profiles[a.Type]
	return ok
}

func (a Action) TargetKind() string {
	kind, _, _ := strings.Cut(a.Target, "/")
	return kind
}

func (a Action) TargetName() string {
	_, name, _ := strings.Cut(a.Target, "/")
	return name
}

func (a Action) String() string {
	switch a.Type {
	case Observe:
		return fmt.Sprintf("observe(%d)", max(a.Amount, 1))
	case ScaleWorkload, RaiseHPAMax:
		return fmt.Sprintf("%s(%s,%+d)", a.Type, a.Target, a.Amount)
	case RaiseMemoryLimit:
		return fmt.Sprintf("%s(%s,+%s)", a.Type, a.Target, resource.NewQuantity(a.Amount, resource.BinarySI).String())
	case RaiseCPULimit:
		return fmt.Sprintf("%s(%s,+%s)", a.Type, a.Target, resource.NewMilliQuantity(a.Amount, resource.DecimalSI).String())
	}
	return fmt.Sprintf("%s(%s)", a.Type, a.Target)
}

// Apply performs a on s in place and reports whether anything changed.
// s must be a private clone. Missing targets are a no-op.
func Apply(s *cluster.State, a Action) bool {
	name := a.TargetName()
	switch a.Type {
	case Observe:
		return false

	case RestartPod:
		p, ok := s.Pods[name]
		if !ok {
			return false
		}
		restart(p)
		return true

	case RestartWorkload:
		pods := s.PodsOf(name)
		for _, p := range pods {
			restart(p)
		}
		return len(pods) > 0

	case ScaleWorkload:
		w, ok := s.Workloads[name]
		if !ok || a.Amount == 0 {
			return false
		}
		w.DesiredReplicas = max(w.DesiredReplicas+int(a.Amount), 0)
		if h := s.HPAFor(w.ID); h != nil {
			if a.Amount > 0 {
				h.Max = max(h.Max, w.DesiredReplicas)
				h.Min = max(h.Min, w.DesiredReplicas)
			} else {
				h.Min = min(h.Min, w.DesiredReplicas)
				h.Max = max(h.Min, w.DesiredReplicas)
			}
		}
		return true

	case RaiseMemoryLimit, RaiseCPULimit:
		w, ok := s.Workloads[name]
		if !ok || a.Amount <= 0 {
			return false
		}
		bump := cluster.Resources{Memory: a.Amount}
		if a.Type == RaiseCPULimit {
			bump = cluster.Resources{CPU: a.Amount}
		}
		w.Template.Limits = w.Template.Limits.Add(bump)
		for _, p := range s.PodsOf(w.ID) {
			p.Limits = p.Limits.Add(bump)
		}
		return true

	case RaiseHPAMax:
		h := s.HPAFor(name)
		if h == nil || a.Amount <= 0 {
			return false
		}
		h.Max += int(a.Amount)
		return true

	case UncordonNode, CordonNode:
		n, ok := s.Nodes[name]
		if !ok {
			return false
		}
		want := a.Type == CordonNode
		if n.Cordoned == want {
			return false
		}
		n.Cordoned = want
		return true

	case DrainNode:
		n, ok := s.Nodes[name]
		if !ok {
			return false
		}
		n.Cordoned = true
		for _, id := range append([]string(nil), n.Pods...) {
			s.RemovePod(id)
		}
		return true

	case RelaxNetworkPolicy:
		np, ok := s.Policies[name]
		if !ok || !np.Enforced {
			return false
		}
		np.Enforced = false
		return true

	case EvictPod:
		if _, ok := s.Pods[name]; !ok {
			return false
		}
		s.RemovePod(name)
		return true
	}
	return false
}

// restart gives a pod a fresh process. Crash-looping pods skip the rest
// of their backoff; the phase change itself happens during health
// evaluation.
func restart(p *cluster.Pod) {
	p.MemPressure = 0
	p.ProbeHealthy = true
	p.ProbeFailures = 0
	p.CrashCause = ""
	if p.Phase == cluster.CrashLooping {
		p.Backoff = 0
	}
}
