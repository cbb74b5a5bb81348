package authority

import (
	"sort"
	"strings"
)

// Hypothesis kinds the diagnoser can propose.
const (
	OOMStorm             = "oom_storm"
	MemoryLimitTooLow    = "memory_limit_too_low"
	TrafficSurge         = "traffic_surge"
	ProbeFailure         = "probe_failure"
	NetpolLockout        = "netpol_lockout"
	NodeUnschedulable    = "node_unschedulable"
	InsufficientCapacity = "insufficient_capacity"
	CrashLoop            = "crash_loop"
)

// Target kinds a hypothesis can point at.
const (
	TargetWorkload = "workload"
	TargetNode     = "node"
	TargetPolicy   = "policy"
)

// CauseAuthorityMap records which root causes can explain a change in a
// given fact field, mirroring who has write authority over it.
type CauseAuthorityMap struct {
	mappings map[string][]string // field -> []causes
	metadata map[string]CauseMetadata
}

type CauseMetadata struct {
	Name        string
	Description string
	TargetKind  string
	Prior       float64 // base likelihood when a symptom implicates the cause
	Priority    int     // For conflict resolution
}

func NewCauseAuthorityMap() *CauseAuthorityMap {
	cam := &CauseAuthorityMap{
		mappings: make(map[string][]string),
		metadata: make(map[string]CauseMetadata),
	}
	cam.initializeAuthorities()
	return cam
}

func (cam *CauseAuthorityMap) initializeAuthorities() {
	// Pod lifecycle
	cam.addAuthority("status.phase", []string{CrashLoop})
	cam.addAuthority("status.terminationReason", []string{OOMStorm, MemoryLimitTooLow, CrashLoop})
	cam.addAuthority("status.restartCount", []string{CrashLoop, OOMStorm, ProbeFailure})
	cam.addAuthority("status.probeHealthy", []string{ProbeFailure})
	cam.addAuthority("status.dependencyBlocked", []string{NetpolLockout})

	// Resource pressure
	cam.addAuthority("status.memoryUtilization", []string{MemoryLimitTooLow, OOMStorm})
	cam.addAuthority("status.cpuUtilization", []string{TrafficSurge})

	// Scheduling
	cam.addAuthority("spec.nodeName", []string{InsufficientCapacity, NodeUnschedulable})
	cam.addAuthority("spec.unschedulable", []string{NodeUnschedulable})

	// Workload rollout
	cam.addAuthority("status.readyRatio", []string{CrashLoop, InsufficientCapacity})
	cam.addAuthority("status.replicas", []string{InsufficientCapacity})

	cam.metadata[OOMStorm] = CauseMetadata{
		Name:        OOMStorm,
		Description: "Transient memory spike pushing pods past their limit",
		TargetKind:  TargetWorkload,
		Prior:       0.85,
		Priority:    1,
	}
	cam.metadata[MemoryLimitTooLow] = CauseMetadata{
		Name:        MemoryLimitTooLow,
		Description: "Memory limit below the steady-state working set",
		TargetKind:  TargetWorkload,
		Prior:       0.6,
		Priority:    2,
	}
	cam.metadata[TrafficSurge] = CauseMetadata{
		Name:        TrafficSurge,
		Description: "Load exceeds what the current replicas can serve",
		TargetKind:  TargetWorkload,
		Prior:       0.7,
		Priority:    2,
	}
	cam.metadata[ProbeFailure] = CauseMetadata{
		Name:        ProbeFailure,
		Description: "Readiness probes failing on otherwise running pods",
		TargetKind:  TargetWorkload,
		Prior:       0.65,
		Priority:    2,
	}
	cam.metadata[NetpolLockout] = CauseMetadata{
		Name:        NetpolLockout,
		Description: "Enforced network policy cuts a workload off from a dependency",
		TargetKind:  TargetPolicy,
		Prior:       0.8,
		Priority:    1,
	}
	cam.metadata[NodeUnschedulable] = CauseMetadata{
		Name:        NodeUnschedulable,
		Description: "Cordoned node removes schedulable capacity",
		TargetKind:  TargetNode,
		Prior:       0.6,
		Priority:    3,
	}
	cam.metadata[InsufficientCapacity] = CauseMetadata{
		Name:        InsufficientCapacity,
		Description: "Cluster cannot fit the requested replicas",
		TargetKind:  TargetWorkload,
		Prior:       0.55,
		Priority:    3,
	}
	cam.metadata[CrashLoop] = CauseMetadata{
		Name:        CrashLoop,
		Description: "Pods restarting repeatedly without a clearer cause",
		TargetKind:  TargetWorkload,
		Prior:       0.4,
		Priority:    4,
	}
}

func (cam *CauseAuthorityMap) addAuthority(field string, causes []string) {
	cam.mappings[field] = causes
}

func (cam *CauseAuthorityMap) GetAuthorizedCauses(field string) []string {
	if causes, exists := cam.mappings[field]; exists {
		return causes
	}

	// Longest prefix wins so that nested paths resolve deterministically
	best := ""
	for mappedField := range cam.mappings {
		if strings.HasPrefix(field, mappedField) && len(mappedField) > len(best) {
			best = mappedField
		}
	}
	if best != "" {
		return cam.mappings[best]
	}
	return []string{}
}

// GetAllCauses returns every cause named in the map, sorted.
func (cam *CauseAuthorityMap) GetAllCauses() []string {
	seen := make(map[string]bool)
	causes := make([]string, 0)

	for _, cs := range cam.mappings {
		for _, c := range cs {
			if !seen[c] {
				seen[c] = true
				causes = append(causes, c)
			}
		}
	}
	sort.Strings(causes)
	return causes
}

func (cam *CauseAuthorityMap) GetCauseMetadata(cause string) (CauseMetadata, bool) {
	metadata, exists := cam.metadata[cause]
	return metadata, exists
}

func (cam *CauseAuthorityMap) ValidateAuthority(cause, field string) bool {
	for _, c := range cam.GetAuthorizedCauses(field) {
		if c == cause {
			return true
		}
	}
	return false
}
