// Package scenario loads simulation scenarios from YAML files.
package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"

	"github.com/aonescu/aegis/internal/chaos"
	"github.com/aonescu/aegis/internal/cluster"
	"github.com/aonescu/aegis/internal/kube"
	"github.com/aonescu/aegis/internal/pareto"
	"github.com/aonescu/aegis/internal/pipeline"
)

// File is the on-disk scenario format.
type File struct {
	ID         string             `yaml:"id"`
	Class      string             `yaml:"class"`
	Seed       uint64             `yaml:"seed"`
	// Objectives only weigh the reported cycle utility, not plan selection.
	Objectives *pareto.Objectives `yaml:"objectives"`
	Nodes      []NodeSpec         `yaml:"nodes"`
	Workloads  []WorkloadSpec     `yaml:"workloads"`
	HPAs       []HPASpec          `yaml:"hpas"`
	Policies   []PolicySpec       `yaml:"policies"`
	Chaos      []EventSpec        `yaml:"chaos"`
	// Manifests holds Kubernetes objects appended after the native specs.
	Manifests string `yaml:"manifests"`
}

type ResourceSpec struct {
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
}

type TaintSpec struct {
	Key    string `yaml:"key"`
	Value  string `yaml:"value"`
	Effect string `yaml:"effect"`
}

type TolerationSpec struct {
	Key      string `yaml:"key"`
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
	Effect   string `yaml:"effect"`
}

type NodeSpec struct {
	ID       string            `yaml:"id"`
	CPU      string            `yaml:"cpu"`
	Memory   string            `yaml:"memory"`
	Labels   map[string]string `yaml:"labels"`
	Taints   []TaintSpec       `yaml:"taints"`
	Cordoned bool              `yaml:"cordoned"`
}

type WorkloadSpec struct {
	ID          string            `yaml:"id"`
	Kind        string            `yaml:"kind"`
	Namespace   string            `yaml:"namespace"`
	Replicas    int               `yaml:"replicas"`
	Labels      map[string]string `yaml:"labels"`
	Requests    ResourceSpec      `yaml:"requests"`
	Limits      ResourceSpec      `yaml:"limits"`
	Tolerations []TolerationSpec  `yaml:"tolerations"`
	TrafficCPU  string            `yaml:"traffic_cpu"`
	DependsOn   []string          `yaml:"depends_on"`
}

type HPASpec struct {
	ID               string `yaml:"id"`
	Workload         string `yaml:"workload"`
	TargetCPUPercent int    `yaml:"target_cpu_percent"`
	Min              int    `yaml:"min"`
	Max              int    `yaml:"max"`
}

type PolicySpec struct {
	ID          string              `yaml:"id"`
	Namespace   string              `yaml:"namespace"`
	PodSelector map[string]string   `yaml:"pod_selector"`
	Ingress     []map[string]string `yaml:"ingress"`
	Enforced    bool                `yaml:"enforced"`
}

type TargetSpec struct {
	Pods      []string          `yaml:"pods"`
	Workload  string            `yaml:"workload"`
	Node      string            `yaml:"node"`
	Policy    string            `yaml:"policy"`
	Namespace string            `yaml:"namespace"`
	Selector  map[string]string `yaml:"selector"`
}

type EventSpec struct {
	ID     string     `yaml:"id"`
	Kind   string     `yaml:"kind"`
	Tick   int        `yaml:"tick"`
	Target TargetSpec `yaml:"target"`
	// Magnitude is a memory quantity for oom_storm and a CPU quantity for
	// burst_traffic.
	Magnitude   string  `yaml:"magnitude"`
	Probability float64 `yaml:"probability"`
}

// ValidationError lists every problem found in a scenario.
type ValidationError struct {
	Scenario string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid scenario %s: %s", e.Scenario, strings.Join(e.Problems, "; "))
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*pipeline.Scenario, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	return f.Build()
}

// Build converts the file into a pipeline scenario.
func (f *File) Build() (*pipeline.Scenario, error) {
	v := &ValidationError{Scenario: f.ID}
	bad := func(format string, args ...interface{}) {
		v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
	}
	if f.ID == "" {
		bad("id is required")
	}

	s := cluster.NewState()
	for _, n := range f.Nodes {
		capacity, err := cluster.ParseResources(n.CPU, n.Memory)
		if err != nil {
			bad("node %s: %v", n.ID, err)
			continue
		}
		if n.ID == "" {
			bad("node without id")
			continue
		}
		if _, dup := s.Nodes[n.ID]; dup {
			bad("duplicate node %s", n.ID)
		}
		if capacity.CPU <= 0 || capacity.Memory <= 0 {
			bad("node %s: capacity must be positive", n.ID)
		}
		node := &cluster.Node{ID: n.ID, Capacity: capacity, Labels: n.Labels, Cordoned: n.Cordoned}
		for _, t := range n.Taints {
			node.Taints = append(node.Taints, corev1.Taint{Key: t.Key, Value: t.Value, Effect: corev1.TaintEffect(t.Effect)})
		}
		s.Nodes[n.ID] = node
	}

	for _, w := range f.Workloads {
		wl, err := w.build()
		if err != nil {
			bad("workload %s: %v", w.ID, err)
			continue
		}
		if _, dup := s.Workloads[wl.ID]; dup {
			bad("duplicate workload %s", wl.ID)
		}
		s.Workloads[wl.ID] = wl
	}

	for _, h := range f.HPAs {
		if h.Min < 0 || h.Max < h.Min || h.Max == 0 {
			bad("hpa %s: invalid bounds [%d, %d]", h.ID, h.Min, h.Max)
		}
		target := h.TargetCPUPercent
		if target == 0 {
			target = 80
		}
		if target < 0 {
			bad("hpa %s: negative cpu target", h.ID)
		}
		s.HPAs[h.ID] = &cluster.HPA{ID: h.ID, Workload: h.Workload, TargetCPUPercent: target, Min: h.Min, Max: h.Max}
	}

	for _, p := range f.Policies {
		np := &cluster.NetworkPolicy{ID: p.ID, Namespace: p.Namespace, PodSelector: p.PodSelector, Enforced: p.Enforced}
		for _, from := range p.Ingress {
			np.Ingress = append(np.Ingress, cluster.IngressRule{From: from})
		}
		s.Policies[p.ID] = np
	}

	if strings.TrimSpace(f.Manifests) != "" {
		objs, err := kube.Decode([]byte(f.Manifests))
		if err == nil {
			err = kube.Apply(s, objs)
		}
		if err != nil {
			bad("manifests: %v", err)
		}
	}

	for _, h := range s.HPAs {
		if _, ok := s.Workloads[h.Workload]; !ok {
			bad("hpa %s targets unknown workload %s", h.ID, h.Workload)
		}
	}

	schedule := make(chaos.Schedule, 0, len(f.Chaos))
	for i, e := range f.Chaos {
		ev, err := e.build()
		if err != nil {
			bad("chaos[%d] %s: %v", i, e.ID, err)
			continue
		}
		schedule = append(schedule, ev)
	}
	sort.SliceStable(schedule, func(i, j int) bool {
		if schedule[i].Tick != schedule[j].Tick {
			return schedule[i].Tick < schedule[j].Tick
		}
		return schedule[i].ID < schedule[j].ID
	})

	if len(v.Problems) > 0 {
		sort.Strings(v.Problems)
		return nil, v
	}

	out := &pipeline.Scenario{
		ID:         f.ID,
		Class:      f.Class,
		Seed:       f.Seed,
		State:      s,
		Chaos:      schedule,
		Objectives: pareto.DefaultObjectives(),
	}
	if out.Class == "" {
		out.Class = f.ID
	}
	if f.Objectives != nil {
		out.Objectives = *f.Objectives
	}
	return out, nil
}

func (w WorkloadSpec) build() (*cluster.Workload, error) {
	if w.ID == "" {
		return nil, errors.New("id is required")
	}
	if w.Replicas < 0 {
		return nil, fmt.Errorf("negative replicas %d", w.Replicas)
	}
	req, err := cluster.ParseResources(w.Requests.CPU, w.Requests.Memory)
	if err != nil {
		return nil, fmt.Errorf("requests: %w", err)
	}
	lim, err := cluster.ParseResources(w.Limits.CPU, w.Limits.Memory)
	if err != nil {
		return nil, fmt.Errorf("limits: %w", err)
	}
	kind := cluster.WorkloadKind(w.Kind)
	switch kind {
	case "":
		kind = cluster.Deployment
	case cluster.Deployment, cluster.StatefulSet:
	default:
		return nil, fmt.Errorf("unknown kind %q", w.Kind)
	}
	ns := w.Namespace
	if ns == "" {
		ns = "default"
	}
	labels := w.Labels
	if len(labels) == 0 {
		labels = map[string]string{"app": w.ID}
	}
	wl := &cluster.Workload{
		ID:              w.ID,
		Kind:            kind,
		Namespace:       ns,
		DesiredReplicas: w.Replicas,
		Selector:        labels,
		Template:        cluster.PodTemplate{Labels: labels, Requests: req, Limits: lim},
		DependsOn:       w.DependsOn,
	}
	for _, t := range w.Tolerations {
		wl.Template.Tolerations = append(wl.Template.Tolerations, corev1.Toleration{
			Key:      t.Key,
			Operator: corev1.TolerationOperator(t.Operator),
			Value:    t.Value,
			Effect:   corev1.TaintEffect(t.Effect),
		})
	}
	if w.TrafficCPU != "" {
		cpu, err := cluster.ParseCPU(w.TrafficCPU)
		if err != nil {
			return nil, fmt.Errorf("traffic_cpu: %w", err)
		}
		wl.TrafficCPU = cpu
	}
	return wl, nil
}

func (e EventSpec) build() (chaos.Event, error) {
	ev := chaos.Event{
		ID:          e.ID,
		Kind:        chaos.Kind(e.Kind),
		Tick:        e.Tick,
		Probability: e.Probability,
		Target: chaos.Target{
			Pods:      e.Target.Pods,
			Workload:  e.Target.Workload,
			Node:      e.Target.Node,
			Policy:    e.Target.Policy,
			Namespace: e.Target.Namespace,
			Selector:  e.Target.Selector,
		},
	}
	switch {
	case e.ID == "":
		return ev, errors.New("id is required")
	case !chaos.Known(ev.Kind):
		return ev, fmt.Errorf("unknown chaos kind %q", e.Kind)
	case e.Tick < 0:
		return ev, fmt.Errorf("negative tick %d", e.Tick)
	case e.Probability < 0 || e.Probability > 1:
		return ev, fmt.Errorf("probability %v outside [0, 1]", e.Probability)
	}
	if e.Magnitude != "" {
		var err error
		switch ev.Kind {
		case chaos.OOMStorm:
			ev.Magnitude, err = cluster.ParseMemory(e.Magnitude)
		case chaos.BurstTraffic:
			ev.Magnitude, err = cluster.ParseCPU(e.Magnitude)
		default:
			err = fmt.Errorf("%s takes no magnitude", ev.Kind)
		}
		if err != nil {
			return ev, fmt.Errorf("magnitude: %w", err)
		}
	}
	return ev, nil
}

// LoadFile reads and parses one scenario file.
func LoadFile(path string) (*pipeline.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}

// DirLoader resolves scenario ids to <Dir>/<id>.yaml (or .yml). An id that
// names an existing file is loaded directly.
type DirLoader struct {
	Dir string
}

func (l DirLoader) Load(ctx context.Context, id string) (*pipeline.Scenario, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates := []string{id}
	if l.Dir != "" {
		candidates = append(candidates,
			filepath.Join(l.Dir, id+".yaml"),
			filepath.Join(l.Dir, id+".yml"))
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("%w: %s", pipeline.ErrUnknownScenario, id)
}

// List returns the ids of the scenarios in the directory.
func (l DirLoader) List() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if ext := filepath.Ext(name); !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			ids = append(ids, strings.TrimSuffix(name, ext))
		}
	}
	sort.Strings(ids)
	return ids, nil
}
