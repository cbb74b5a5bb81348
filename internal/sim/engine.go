package sim

import (
	"fmt"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/chaos"
	"github.com/aonescu/aegis/internal/cluster"
	"github.com/aonescu/aegis/internal/scheduler"
)

type Config struct {
	// MaxSurge bounds pod creations and deletions per workload per tick.
	MaxSurge int `json:"max_surge" mapstructure:"max_surge"`
	// ProbeFailureThreshold is the number of consecutive failed probes
	// before a pod is restarted.
	ProbeFailureThreshold int `json:"probe_failure_threshold" mapstructure:"probe_failure_threshold"`
	// MaxRestarts moves a crash-looping pod to Terminated.
	MaxRestarts int `json:"max_restarts" mapstructure:"max_restarts"`
	// MaxBackoff caps the crash-loop backoff in ticks.
	MaxBackoff int `json:"max_backoff" mapstructure:"max_backoff"`
	// BaseUtilization is the fraction of its CPU request a pod burns idle.
	BaseUtilization float64 `json:"base_utilization" mapstructure:"base_utilization"`
	// Noise is the relative CPU jitter drawn from the seeded source.
	Noise float64 `json:"noise" mapstructure:"noise"`
	// LoadDecay is the per-tick decay of workload traffic pressure.
	LoadDecay float64 `json:"load_decay" mapstructure:"load_decay"`
	// MemoryDecay is the per-tick decay of pod memory pressure.
	MemoryDecay float64 `json:"memory_decay" mapstructure:"memory_decay"`
	// HPAWindow is the number of utilization samples the HPA averages.
	HPAWindow int `json:"hpa_window" mapstructure:"hpa_window"`
}

func DefaultConfig() Config {
	return Config{
		MaxSurge:              2,
		ProbeFailureThreshold: 3,
		MaxRestarts:           6,
		MaxBackoff:            8,
		BaseUtilization:       0.5,
		Noise:                 0.05,
		LoadDecay:             0.2,
		MemoryDecay:           0.1,
		HPAWindow:             5,
	}
}

// TickReport summarises what happened during one tick.
type TickReport struct {
	Tick      int                `json:"tick"`
	Chaos     []chaos.Result     `json:"chaos,omitempty"`
	Schedule  scheduler.Result   `json:"schedule"`
	Scaled    map[string][2]int  `json:"scaled,omitempty"`
	Created   []string           `json:"created,omitempty"`
	Removed   []string           `json:"removed,omitempty"`
	Crashed   map[string]string  `json:"crashed,omitempty"`
	Restarted []string           `json:"restarted,omitempty"`
	Health    float64            `json:"health"`
	Pending   int                `json:"pending"`
}

// Churn counts disruptive pod lifecycle events in the tick.
func (r *TickReport) Churn() int {
	return len(r.Crashed) + len(r.Removed)
}

// Engine advances cluster snapshots one tick at a time.
type Engine struct {
	cfg      Config
	injector *chaos.Injector
	logger   *zap.Logger
}

func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HPAWindow <= 0 {
		cfg.HPAWindow = DefaultConfig().HPAWindow
	}
	if cfg.MaxSurge <= 0 {
		cfg.MaxSurge = 1
	}
	return &Engine{cfg: cfg, injector: chaos.NewInjector(logger), logger: logger}
}

func (e *Engine) Config() Config { return e.cfg }

// Advance produces the successor of s. The input is never modified; all
// randomness comes from rng.
func (e *Engine) Advance(s *cluster.State, schedule chaos.Schedule, rng *rand.Rand) (*cluster.State, *TickReport, error) {
	if err := Validate(s); err != nil {
		return nil, nil, err
	}
	next := s.Clone()
	rep := &TickReport{Tick: s.Tick}

	for _, ev := range schedule.At(next.Tick) {
		rep.Chaos = append(rep.Chaos, e.injector.Apply(next, ev, rng))
	}
	e.updateMetrics(next, rng)
	rep.Schedule = scheduler.Schedule(next)
	e.autoscale(next, rep)
	e.reconcile(next, rep)
	e.evaluateHealth(next, rep)

	next.Tick++
	rep.Health = cluster.Health(next)
	for _, p := range next.Pods {
		if p.Phase == cluster.Pending {
			rep.Pending++
		}
	}

	if err := Validate(next); err != nil {
		return nil, nil, err
	}
	return next, rep, nil
}

// updateMetrics recomputes usage for running pods and nodes and decays
// transient pressure.
func (e *Engine) updateMetrics(s *cluster.State, rng *rand.Rand) {
	for _, wid := range s.WorkloadIDs() {
		w := s.Workloads[wid]
		var running []*cluster.Pod
		for _, p := range s.PodsOf(wid) {
			if p.Phase == cluster.Running {
				running = append(running, p)
			}
		}
		share := int64(0)
		if len(running) > 0 {
			share = w.TrafficCPU / int64(len(running))
		}
		for _, p := range running {
			cpu := float64(p.Requests.CPU)*e.cfg.BaseUtilization + float64(share)
			if e.cfg.Noise > 0 {
				cpu += float64(p.Requests.CPU) * e.cfg.Noise * (2*rng.Float64() - 1)
			}
			c := int64(math.Round(math.Max(cpu, 0)))
			if p.Limits.CPU > 0 && c > p.Limits.CPU {
				c = p.Limits.CPU
			}
			p.Usage = cluster.Resources{CPU: c, Memory: p.Requests.Memory + p.MemPressure}
		}
		for _, p := range s.PodsOf(wid) {
			if p.Phase != cluster.Running {
				p.Usage = cluster.Resources{}
			}
		}
		w.TrafficCPU = int64(float64(w.TrafficCPU) * (1 - e.cfg.LoadDecay))
	}

	for _, nid := range s.NodeIDs() {
		n := s.Nodes[nid]
		var usage cluster.Resources
		for _, pid := range n.Pods {
			if p, ok := s.Pods[pid]; ok {
				usage = usage.Add(p.Usage)
			}
		}
		n.Usage = usage
	}
}

// autoscale feeds the HPA windows and updates desired replicas.
func (e *Engine) autoscale(s *cluster.State, rep *TickReport) {
	for _, hid := range s.HPAIDs() {
		h := s.HPAs[hid]
		w, ok := s.Workloads[h.Workload]
		if !ok || h.TargetCPUPercent <= 0 {
			continue
		}
		var used, requested int64
		for _, p := range s.PodsOf(w.ID) {
			if p.Phase == cluster.Running {
				used += p.Usage.CPU
				requested += p.Requests.CPU
			}
		}
		if requested == 0 {
			continue
		}
		h.Window = append(h.Window, float64(used)/float64(requested)*100)
		if len(h.Window) > e.cfg.HPAWindow {
			h.Window = h.Window[len(h.Window)-e.cfg.HPAWindow:]
		}
		var sum float64
		for _, v := range h.Window {
			sum += v
		}
		avg := sum / float64(len(h.Window))
		current := max(w.DesiredReplicas, 1)
		desired := h.Clamp(int(math.Ceil(float64(current) * avg / float64(h.TargetCPUPercent))))
		if desired != w.DesiredReplicas {
			if rep.Scaled == nil {
				rep.Scaled = make(map[string][2]int)
			}
			rep.Scaled[w.ID] = [2]int{w.DesiredReplicas, desired}
			w.DesiredReplicas = desired
		}
	}
}

// reconcile moves each workload's pod count toward its desired replicas by at
// most MaxSurge pods per tick. Terminated pods are removed first.
func (e *Engine) reconcile(s *cluster.State, rep *TickReport) {
	for _, pid := range s.PodIDs() {
		if s.Pods[pid].Phase == cluster.Terminated {
			s.RemovePod(pid)
			rep.Removed = append(rep.Removed, pid)
		}
	}
	for _, wid := range s.WorkloadIDs() {
		w := s.Workloads[wid]
		pods := s.PodsOf(wid)
		diff := w.DesiredReplicas - len(pods)
		switch {
		case diff > 0:
			for i := 0; i < min(diff, e.cfg.MaxSurge); i++ {
				rep.Created = append(rep.Created, s.SpawnPod(w).ID)
			}
		case diff < 0:
			for _, p := range surplus(pods, min(-diff, e.cfg.MaxSurge)) {
				s.RemovePod(p.ID)
				rep.Removed = append(rep.Removed, p.ID)
			}
		}
	}
}

// surplus picks pods to delete: Pending first, then CrashLooping, then the
// newest Running pods.
func surplus(pods []*cluster.Pod, n int) []*cluster.Pod {
	rank := func(p *cluster.Pod) int {
		switch p.Phase {
		case cluster.Pending:
			return 0
		case cluster.CrashLooping:
			return 1
		}
		return 2
	}
	ordered := append([]*cluster.Pod(nil), pods...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0; j-- {
			a, b := ordered[j-1], ordered[j]
			if rank(a) < rank(b) || (rank(a) == rank(b) && a.ID > b.ID) {
				break
			}
			ordered[j-1], ordered[j] = b, a
		}
	}
	if n > len(ordered) {
		n = len(ordered)
	}
	return ordered[:n]
}

// Validate reports invalid snapshots as a SimulationFault.
func Validate(s *cluster.State) error {
	for _, id := range s.NodeIDs() {
		n := s.Nodes[id]
		if n.Capacity.Negative() {
			return &SimulationFault{Tick: s.Tick, Resource: "node/" + id, Reason: "negative capacity"}
		}
		if n.Allocated.Negative() {
			return &SimulationFault{Tick: s.Tick, Resource: "node/" + id, Reason: "negative allocation"}
		}
		if !n.Capacity.Covers(n.Allocated) {
			return &SimulationFault{
				Tick:     s.Tick,
				Resource: "node/" + id,
				Reason:   fmt.Sprintf("allocated %s exceeds capacity %s", n.Allocated, n.Capacity),
			}
		}
	}
	for _, id := range s.WorkloadIDs() {
		if s.Workloads[id].DesiredReplicas < 0 {
			return &SimulationFault{Tick: s.Tick, Resource: "workload/" + id, Reason: "negative replicas"}
		}
	}
	for _, id := range s.PodIDs() {
		p := s.Pods[id]
		if p.Node == "" {
			continue
		}
		if _, ok := s.Nodes[p.Node]; !ok {
			return &SimulationFault{Tick: s.Tick, Resource: "pod/" + id, Reason: "bound to unknown node " + p.Node}
		}
	}
	return nil
}
