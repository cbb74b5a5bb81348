package state

import (
	"github.com/aonescu/aegis/internal/cluster"
	"github.com/aonescu/aegis/internal/types"
)

// UID helpers keep fact identifiers consistent across packages.
func PodUID(id string) string      { return "pod/" + id }
func NodeUID(id string) string     { return "node/" + id }
func WorkloadUID(id string) string { return "workload/" + id }

// FromCluster flattens a snapshot into facts.
func FromCluster(s *cluster.State) *MemoryStore {
	store := NewMemoryStore()
	for _, id := range s.NodeIDs() {
		store.Record(nodeFact(s, s.Nodes[id]))
	}
	for _, id := range s.WorkloadIDs() {
		store.Record(workloadFact(s, s.Workloads[id]))
	}
	for _, id := range s.PodIDs() {
		store.Record(podFact(s, s.Pods[id]))
	}
	return store
}

func podFact(s *cluster.State, p *cluster.Pod) types.Fact {
	fields := map[string]interface{}{
		"status.phase":             string(p.Phase),
		"status.restartCount":      p.RestartCount,
		"status.probeHealthy":      p.ProbeHealthy,
		"status.memoryUtilization": ratio(p.Usage.Memory, p.Limits.Memory),
		"status.cpuUtilization":    ratio(p.Usage.CPU, p.Limits.CPU),
		"status.dependencyBlocked": p.BlockedBy != "",
		"spec.requests.cpu":        p.Requests.CPU,
		"spec.requests.memory":     p.Requests.Memory,
		"spec.limits.memory":       p.Limits.Memory,
		"status.usage.memory":      p.Usage.Memory,
	}
	if p.Node != "" {
		fields["spec.nodeName"] = p.Node
	}
	if p.BlockedBy != "" {
		fields["status.blockedBy"] = p.BlockedBy
	}
	if p.Phase == cluster.CrashLooping || p.Phase == cluster.Terminated {
		fields["status.terminationReason"] = p.LastReason
	}
	return types.Fact{
		UID:       PodUID(p.ID),
		Kind:      "Pod",
		Namespace: p.Namespace,
		Name:      p.ID,
		Tick:      s.Tick,
		Owner:     p.Workload,
		Fields:    fields,
	}
}

func nodeFact(s *cluster.State, n *cluster.Node) types.Fact {
	return types.Fact{
		UID:  NodeUID(n.ID),
		Kind: "Node",
		Name: n.ID,
		Tick: s.Tick,
		Fields: map[string]interface{}{
			"spec.unschedulable":     n.Cordoned,
			"status.allocatedCPU":    ratio(n.Allocated.CPU, n.Capacity.CPU),
			"status.allocatedMemory": ratio(n.Allocated.Memory, n.Capacity.Memory),
			"status.pods":            len(n.Pods),
		},
	}
}

func workloadFact(s *cluster.State, w *cluster.Workload) types.Fact {
	pods := s.PodsOf(w.ID)
	ready := 0
	for _, p := range pods {
		if p.Ready() {
			ready++
		}
	}
	readyRatio := 1.0
	if w.DesiredReplicas > 0 {
		readyRatio = float64(min(ready, w.DesiredReplicas)) / float64(w.DesiredReplicas)
	}
	return types.Fact{
		UID:       WorkloadUID(w.ID),
		Kind:      "Workload",
		Namespace: w.Namespace,
		Name:      w.ID,
		Tick:      s.Tick,
		Owner:     w.ID,
		Fields: map[string]interface{}{
			"spec.replicas":        w.DesiredReplicas,
			"status.replicas":      len(pods),
			"status.readyReplicas": ready,
			"status.readyRatio":    readyRatio,
			"status.trafficCPU":    w.TrafficCPU,
		},
	}
}

func ratio(a, b int64) float64 {
	if b <= 0 {
		return 0
	}
	return float64(a) / float64(b)
}
