package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
)

// State is one snapshot of the simulated cluster. Snapshots handed between
// components are treated as immutable; callers Clone before mutating.
type State struct {
	Tick      int                       `json:"tick"`
	Nodes     map[string]*Node          `json:"nodes"`
	Pods      map[string]*Pod           `json:"pods"`
	Workloads map[string]*Workload      `json:"workloads"`
	HPAs      map[string]*HPA           `json:"hpas"`
	Policies  map[string]*NetworkPolicy `json:"policies"`
	Applied   map[string]bool           `json:"applied,omitempty"`
	PodSeq    int                       `json:"pod_seq"`
	Lineage   Lineage                   `json:"lineage"`
}

func NewState() *State {
	return &State{
		Nodes:     make(map[string]*Node),
		Pods:      make(map[string]*Pod),
		Workloads: make(map[string]*Workload),
		HPAs:      make(map[string]*HPA),
		Policies:  make(map[string]*NetworkPolicy),
		Applied:   make(map[string]bool),
	}
}

// Hash returns the content address of the snapshot: sha256 over its canonical
// JSON encoding with the lineage left out.
func (s *State) Hash() string {
	c := *s
	c.Lineage = Lineage{}
	data, err := json.Marshal(&c)
	if err != nil {
		// every field is a plain value; Marshal cannot fail here
		panic(fmt.Sprintf("cluster: hash state: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fork clones the state and records it as a child of s on the given branch.
func (s *State) Fork(branch string) *State {
	c := s.Clone()
	c.Lineage = Lineage{Parent: s.Hash(), Branch: branch}
	return c
}

func (s *State) Clone() *State {
	c := &State{
		Tick:      s.Tick,
		Nodes:     make(map[string]*Node, len(s.Nodes)),
		Pods:      make(map[string]*Pod, len(s.Pods)),
		Workloads: make(map[string]*Workload, len(s.Workloads)),
		HPAs:      make(map[string]*HPA, len(s.HPAs)),
		Policies:  make(map[string]*NetworkPolicy, len(s.Policies)),
		Applied:   make(map[string]bool, len(s.Applied)),
		PodSeq:    s.PodSeq,
		Lineage:   s.Lineage,
	}
	for id, n := range s.Nodes {
		nn := *n
		nn.Labels = cloneMap(n.Labels)
		nn.Taints = slices.Clone(n.Taints)
		nn.Pods = slices.Clone(n.Pods)
		c.Nodes[id] = &nn
	}
	for id, p := range s.Pods {
		pp := *p
		pp.Labels = cloneMap(p.Labels)
		pp.Tolerations = cloneTolerations(p.Tolerations)
		c.Pods[id] = &pp
	}
	for id, w := range s.Workloads {
		ww := *w
		ww.Selector = cloneMap(w.Selector)
		ww.Template.Labels = cloneMap(w.Template.Labels)
		ww.Template.Tolerations = cloneTolerations(w.Template.Tolerations)
		ww.DependsOn = slices.Clone(w.DependsOn)
		c.Workloads[id] = &ww
	}
	for id, h := range s.HPAs {
		hh := *h
		hh.Window = slices.Clone(h.Window)
		c.HPAs[id] = &hh
	}
	for id, np := range s.Policies {
		pp := *np
		pp.PodSelector = cloneMap(np.PodSelector)
		if np.Ingress != nil {
			pp.Ingress = make([]IngressRule, len(np.Ingress))
			for i, r := range np.Ingress {
				pp.Ingress[i] = IngressRule{From: cloneMap(r.From)}
			}
		}
		c.Policies[id] = &pp
	}
	for k, v := range s.Applied {
		c.Applied[k] = v
	}
	return c
}

func (s *State) NodeIDs() []string     { return sortedKeys(s.Nodes) }
func (s *State) PodIDs() []string      { return sortedKeys(s.Pods) }
func (s *State) WorkloadIDs() []string { return sortedKeys(s.Workloads) }
func (s *State) HPAIDs() []string      { return sortedKeys(s.HPAs) }
func (s *State) PolicyIDs() []string   { return sortedKeys(s.Policies) }

// PodsOf returns the pods owned by a workload in id order.
func (s *State) PodsOf(workload string) []*Pod {
	var pods []*Pod
	for _, id := range s.PodIDs() {
		if p := s.Pods[id]; p.Workload == workload {
			pods = append(pods, p)
		}
	}
	return pods
}

// PodsMatching returns the pods in namespace (any when empty) whose labels
// match selector, in id order.
func (s *State) PodsMatching(namespace string, selector map[string]string) []*Pod {
	sel := labels.SelectorFromSet(labels.Set(selector))
	var pods []*Pod
	for _, id := range s.PodIDs() {
		p := s.Pods[id]
		if namespace != "" && p.Namespace != namespace {
			continue
		}
		if sel.Matches(labels.Set(p.Labels)) {
			pods = append(pods, p)
		}
	}
	return pods
}

// HPAFor returns the autoscaler targeting a workload, if any.
func (s *State) HPAFor(workload string) *HPA {
	for _, id := range s.HPAIDs() {
		if h := s.HPAs[id]; h.Workload == workload {
			return h
		}
	}
	return nil
}

// SpawnPod creates a Pending pod from the workload template.
func (s *State) SpawnPod(w *Workload) *Pod {
	s.PodSeq++
	p := &Pod{
		ID:           fmt.Sprintf("%s-%d", w.ID, s.PodSeq),
		Workload:     w.ID,
		Namespace:    w.Namespace,
		Labels:       cloneMap(w.Template.Labels),
		Requests:     w.Template.Requests,
		Limits:       w.Template.Limits,
		Tolerations:  cloneTolerations(w.Template.Tolerations),
		Phase:        Pending,
		ProbeHealthy: true,
	}
	s.Pods[p.ID] = p
	return p
}

// Bind places a pod on a node and reserves its requests.
func (s *State) Bind(p *Pod, n *Node) {
	p.Node = n.ID
	p.Phase = Running
	n.Allocated = n.Allocated.Add(p.Requests)
	n.Pods = append(n.Pods, p.ID)
	sort.Strings(n.Pods)
}

// RemovePod deletes a pod and releases whatever it held on its node.
func (s *State) RemovePod(id string) {
	p, ok := s.Pods[id]
	if !ok {
		return
	}
	if n, ok := s.Nodes[p.Node]; ok {
		n.Allocated = n.Allocated.Sub(p.Requests)
		n.Pods = slices.DeleteFunc(n.Pods, func(pid string) bool { return pid == id })
	}
	delete(s.Pods, id)
}

// Health is the fraction of desired replicas that are ready, in [0, 1].
func Health(s *State) float64 {
	desired, ready := 0, 0
	for _, id := range s.WorkloadIDs() {
		w := s.Workloads[id]
		n := 0
		for _, p := range s.PodsOf(id) {
			if p.Ready() {
				n++
			}
		}
		desired += w.DesiredReplicas
		ready += min(n, w.DesiredReplicas)
	}
	if desired == 0 {
		return 1
	}
	return float64(ready) / float64(desired)
}

// Reservation returns the total allocated resources across nodes.
func Reservation(s *State) Resources {
	var total Resources
	for _, n := range s.Nodes {
		total = total.Add(n.Allocated)
	}
	return total
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneTolerations(ts []corev1.Toleration) []corev1.Toleration {
	if ts == nil {
		return nil
	}
	c := make([]corev1.Toleration, len(ts))
	for i, t := range ts {
		c[i] = t
		if t.TolerationSeconds != nil {
			v := *t.TolerationSeconds
			c[i].TolerationSeconds = &v
		}
	}
	return c
}
