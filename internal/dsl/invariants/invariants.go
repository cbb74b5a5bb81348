package invariants

import "github.com/aonescu/aegis/internal/dsl"

// GetSymptomInvariants returns the invariants whose violations count as
// symptoms of a degraded simulated cluster.
func GetSymptomInvariants() []dsl.Invariant {
	return []dsl.Invariant{
		{
			ID:          "pod_scheduled",
			Version:     1,
			Description: "Pod should be bound to a node",
			Subject:     dsl.Subject{Kind: "Pod"},
			Predicate: &dsl.Predicate{
				Field:    "spec.nodeName",
				Operator: dsl.Exists,
			},
			Cause:    dsl.Cause{Primary: "insufficient_capacity", Secondary: "node_unschedulable"},
			Severity: dsl.Degraded,
		},
		{
			ID:          "pod_not_oom_killed",
			Version:     1,
			Description: "Pod should not be down after an OOM kill",
			Subject:     dsl.Subject{Kind: "Pod"},
			Predicate: &dsl.Predicate{
				Field:    "status.terminationReason",
				Operator: dsl.NotEquals,
				Value:    "OOMKilled",
			},
			Cause:    dsl.Cause{Primary: "oom_storm", Secondary: "memory_limit_too_low"},
			Severity: dsl.Critical,
		},
		{
			ID:          "memory_within_limit",
			Version:     1,
			Description: "Pod memory usage should stay below 90% of its limit",
			Subject:     dsl.Subject{Kind: "Pod"},
			Predicate: &dsl.Predicate{
				Field:    "status.memoryUtilization",
				Operator: dsl.LessThan,
				Value:    0.9,
			},
			Cause:    dsl.Cause{Primary: "memory_limit_too_low", Secondary: "oom_storm"},
			Severity: dsl.Warning,
		},
		{
			ID:          "cpu_headroom",
			Version:     1,
			Description: "Pod CPU usage should stay below 95% of its limit",
			Subject:     dsl.Subject{Kind: "Pod"},
			Predicate: &dsl.Predicate{
				Field:    "status.cpuUtilization",
				Operator: dsl.LessThan,
				Value:    0.95,
			},
			Cause:    dsl.Cause{Primary: "traffic_surge"},
			Severity: dsl.Warning,
		},
		{
			ID:          "probe_healthy",
			Version:     1,
			Description: "Pod readiness probe should succeed",
			Subject:     dsl.Subject{Kind: "Pod"},
			Predicate: &dsl.Predicate{
				Field:    "status.probeHealthy",
				Operator: dsl.Equals,
				Value:    true,
			},
			Cause:    dsl.Cause{Primary: "probe_failure"},
			Severity: dsl.Degraded,
		},
		{
			ID:          "dependencies_reachable",
			Version:     1,
			Description: "Pod should reach the workloads it depends on",
			Subject:     dsl.Subject{Kind: "Pod"},
			Predicate: &dsl.Predicate{
				Field:    "status.dependencyBlocked",
				Operator: dsl.Equals,
				Value:    false,
			},
			Cause:    dsl.Cause{Primary: "netpol_lockout"},
			Severity: dsl.Critical,
		},
		{
			ID:          "restarts_under_threshold",
			Version:     1,
			Description: "Pod should restart fewer than 3 times",
			Subject:     dsl.Subject{Kind: "Pod"},
			Predicate: &dsl.Predicate{
				Field:    "status.restartCount",
				Operator: dsl.LessThan,
				Value:    3,
			},
			Cause:    dsl.Cause{Primary: "crash_loop"},
			Severity: dsl.Warning,
		},
		{
			ID:          "pod_running",
			Version:     1,
			Description: "Pod should be running",
			Subject:     dsl.Subject{Kind: "Pod"},
			Predicate: &dsl.Predicate{
				Field:    "status.phase",
				Operator: dsl.Equals,
				Value:    "Running",
			},
			Requires: []dsl.Requirement{
				{
					Invariant: "pod_scheduled",
					Scope:     dsl.Scope{Relation: dsl.Same},
				},
				{
					Invariant: "node_schedulable",
					Scope:     dsl.Scope{Relation: dsl.Node},
				},
			},
			Cause:    dsl.Cause{Primary: "crash_loop"},
			Severity: dsl.Critical,
		},
		{
			ID:          "node_schedulable",
			Version:     1,
			Description: "Node should accept new pods",
			Subject:     dsl.Subject{Kind: "Node"},
			Predicate: &dsl.Predicate{
				Field:    "spec.unschedulable",
				Operator: dsl.Equals,
				Value:    false,
			},
			Cause:    dsl.Cause{Primary: "node_unschedulable"},
			Severity: dsl.Degraded,
		},
		{
			ID:          "workload_available",
			Version:     1,
			Description: "Workload should have all desired replicas ready",
			Subject:     dsl.Subject{Kind: "Workload"},
			Predicate: &dsl.Predicate{
				Field:    "status.readyRatio",
				Operator: dsl.GreaterThan,
				Value:    0.99,
			},
			Requires: []dsl.Requirement{
				{
					Invariant: "workload_has_replicas",
					Scope:     dsl.Scope{Relation: dsl.Same},
				},
			},
			Cause:    dsl.Cause{Primary: "crash_loop", Secondary: "insufficient_capacity"},
			Severity: dsl.Degraded,
		},
		{
			ID:          "workload_has_replicas",
			Version:     1,
			Description: "Workload should own at least one pod",
			Subject:     dsl.Subject{Kind: "Workload"},
			Predicate: &dsl.Predicate{
				Field:    "status.replicas",
				Operator: dsl.GreaterThan,
				Value:    0,
			},
			Cause:    dsl.Cause{Primary: "insufficient_capacity"},
			Severity: dsl.Warning,
		},
	}
}
