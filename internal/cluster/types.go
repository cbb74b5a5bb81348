package cluster

import (
	corev1 "k8s.io/api/core/v1"
)

// Resources holds CPU in millicores and memory in bytes.
type Resources struct {
	CPU    int64 `json:"cpu"`
	Memory int64 `json:"memory"`
}

func (r Resources) Add(o Resources) Resources {
	return Resources{CPU: r.CPU + o.CPU, Memory: r.Memory + o.Memory}
}

func (r Resources) Sub(o Resources) Resources {
	return Resources{CPU: r.CPU - o.CPU, Memory: r.Memory - o.Memory}
}

// Covers reports whether r is at least o on both dimensions.
func (r Resources) Covers(o Resources) bool {
	return r.CPU >= o.CPU && r.Memory >= o.Memory
}

func (r Resources) Negative() bool {
	return r.CPU < 0 || r.Memory < 0
}

type Phase string

const (
	Pending      Phase = "Pending"
	Running      Phase = "Running"
	CrashLooping Phase = "CrashLooping"
	Terminated   Phase = "Terminated"
)

// Termination reasons recorded on a pod when it leaves Running.
const (
	ReasonOOMKilled   = "OOMKilled"
	ReasonProbeFailed = "ProbeFailed"
	ReasonError       = "Error"
	ReasonEvicted     = "Evicted"
)

type WorkloadKind string

const (
	Deployment  WorkloadKind = "Deployment"
	StatefulSet WorkloadKind = "StatefulSet"
)

type Node struct {
	ID        string            `json:"id"`
	Capacity  Resources         `json:"capacity"`
	Allocated Resources         `json:"allocated"`
	Usage     Resources         `json:"usage"`
	Labels    map[string]string `json:"labels,omitempty"`
	Taints    []corev1.Taint    `json:"taints,omitempty"`
	Cordoned  bool              `json:"cordoned"`
	Pods      []string          `json:"pods,omitempty"`
}

// Free returns the unallocated capacity of the node.
func (n *Node) Free() Resources {
	return n.Capacity.Sub(n.Allocated)
}

type Pod struct {
	ID            string              `json:"id"`
	Workload      string              `json:"workload"`
	Namespace     string              `json:"namespace"`
	Labels        map[string]string   `json:"labels,omitempty"`
	Requests      Resources           `json:"requests"`
	Limits        Resources           `json:"limits"`
	Usage         Resources           `json:"usage"`
	Phase         Phase               `json:"phase"`
	RestartCount  int                 `json:"restart_count"`
	Node          string              `json:"node,omitempty"`
	Tolerations   []corev1.Toleration `json:"tolerations,omitempty"`
	ProbeHealthy  bool                `json:"probe_healthy"`
	ProbeFailures int                 `json:"probe_failures"`
	Backoff       int                 `json:"backoff"`
	MemPressure   int64               `json:"mem_pressure"`
	CrashCause    string              `json:"crash_cause,omitempty"`
	LastReason    string              `json:"last_reason,omitempty"`
	BlockedBy     string              `json:"blocked_by,omitempty"`
}

// Ready reports whether the pod is serving.
func (p *Pod) Ready() bool {
	return p.Phase == Running && p.Node != "" && p.ProbeHealthy && p.BlockedBy == ""
}

type PodTemplate struct {
	Labels      map[string]string   `json:"labels,omitempty"`
	Requests    Resources           `json:"requests"`
	Limits      Resources           `json:"limits"`
	Tolerations []corev1.Toleration `json:"tolerations,omitempty"`
}

type Workload struct {
	ID              string            `json:"id"`
	Kind            WorkloadKind      `json:"kind"`
	Namespace       string            `json:"namespace"`
	DesiredReplicas int               `json:"desired_replicas"`
	Selector        map[string]string `json:"selector,omitempty"`
	Template        PodTemplate       `json:"template"`
	TrafficCPU      int64             `json:"traffic_cpu"`
	DependsOn       []string          `json:"depends_on,omitempty"`
}

type HPA struct {
	ID               string    `json:"id"`
	Workload         string    `json:"workload"`
	TargetCPUPercent int       `json:"target_cpu_percent"`
	Min              int       `json:"min"`
	Max              int       `json:"max"`
	Window           []float64 `json:"window,omitempty"`
}

// Clamp bounds a replica recommendation to [Min, Max].
func (h *HPA) Clamp(n int) int {
	if n < h.Min {
		return h.Min
	}
	if n > h.Max {
		return h.Max
	}
	return n
}

type IngressRule struct {
	From map[string]string `json:"from,omitempty"`
}

type NetworkPolicy struct {
	ID          string            `json:"id"`
	Namespace   string            `json:"namespace"`
	PodSelector map[string]string `json:"pod_selector,omitempty"`
	Ingress     []IngressRule     `json:"ingress,omitempty"`
	Enforced    bool              `json:"enforced"`
}

// Lineage addresses a snapshot in the branch tree.
type Lineage struct {
	Parent string `json:"parent,omitempty"`
	Branch string `json:"branch,omitempty"`
}
