package authority

import (
	"testing"
)

func TestCauseAuthorityMap_GetAuthorizedCauses(t *testing.T) {
	cam := NewCauseAuthorityMap()

	// Test exact match
	causes := cam.GetAuthorizedCauses("status.dependencyBlocked")
	if len(causes) != 1 || causes[0] != NetpolLockout {
		t.Errorf("Expected [%s], got %v", NetpolLockout, causes)
	}

	// Test prefix match for nested fields
	causes = cam.GetAuthorizedCauses("status.memoryUtilization.peak")
	if !contains(causes, OOMStorm) {
		t.Errorf("Expected '%s' in causes, got %v", OOMStorm, causes)
	}

	// Test non-existent field
	causes = cam.GetAuthorizedCauses("non.existent.field")
	if len(causes) != 0 {
		t.Errorf("Expected empty slice for non-existent field, got %v", causes)
	}
}

func TestCauseAuthorityMap_GetAllCauses(t *testing.T) {
	cam := NewCauseAuthorityMap()

	causes := cam.GetAllCauses()
	expected := []string{
		CrashLoop, InsufficientCapacity, MemoryLimitTooLow, NetpolLockout,
		NodeUnschedulable, OOMStorm, ProbeFailure, TrafficSurge,
	}
	if len(causes) != len(expected) {
		t.Fatalf("Expected %d causes, got %v", len(expected), causes)
	}
	for i := range expected {
		if causes[i] != expected[i] {
			t.Errorf("Expected causes sorted as %v, got %v", expected, causes)
			break
		}
	}
}

func TestCauseAuthorityMap_GetCauseMetadata(t *testing.T) {
	cam := NewCauseAuthorityMap()

	for _, cause := range cam.GetAllCauses() {
		metadata, exists := cam.GetCauseMetadata(cause)
		if !exists {
			t.Errorf("Expected metadata for %s", cause)
			continue
		}
		if metadata.Prior <= 0 || metadata.Prior > 1 {
			t.Errorf("Prior for %s out of range: %v", cause, metadata.Prior)
		}
		if metadata.TargetKind == "" {
			t.Errorf("Expected target kind for %s", cause)
		}
	}

	oom, _ := cam.GetCauseMetadata(OOMStorm)
	limit, _ := cam.GetCauseMetadata(MemoryLimitTooLow)
	if oom.Prior <= limit.Prior {
		t.Errorf("Expected oom_storm to outrank memory_limit_too_low, got %v <= %v", oom.Prior, limit.Prior)
	}

	// Test non-existent cause
	_, exists := cam.GetCauseMetadata("solar_flare")
	if exists {
		t.Error("Expected metadata to not exist for unknown cause")
	}
}

func TestCauseAuthorityMap_ValidateAuthority(t *testing.T) {
	cam := NewCauseAuthorityMap()

	if !cam.ValidateAuthority(NodeUnschedulable, "spec.nodeName") {
		t.Error("node_unschedulable should explain spec.nodeName")
	}
	if cam.ValidateAuthority(TrafficSurge, "spec.nodeName") {
		t.Error("traffic_surge should not explain spec.nodeName")
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
