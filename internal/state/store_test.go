package state

import (
	"fmt"
	"testing"

	"github.com/aonescu/aegis/internal/cluster"
	"github.com/aonescu/aegis/internal/types"
)

func TestMemoryStore_Record(t *testing.T) {
	store := NewMemoryStore()

	fact := types.Fact{
		UID:       "pod/api-1",
		Kind:      "Pod",
		Namespace: "default",
		Name:      "api-1",
		Fields: map[string]interface{}{
			"status.phase": "Running",
		},
	}

	if err := store.Record(fact); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	retrieved, exists := store.GetByUID("pod/api-1")
	if !exists {
		t.Fatal("Fact not found after Record()")
	}
	if retrieved.Name != fact.Name {
		t.Errorf("Expected Name %s, got %s", fact.Name, retrieved.Name)
	}
}

func TestMemoryStore_GetLatestByKindIsSorted(t *testing.T) {
	store := NewMemoryStore()
	for _, uid := range []string{"pod/c", "pod/a", "node/x", "pod/b"} {
		kind := "Pod"
		if uid == "node/x" {
			kind = "Node"
		}
		store.Record(types.Fact{UID: uid, Kind: kind})
	}

	pods := store.GetLatestByKind("Pod")
	if len(pods) != 3 {
		t.Fatalf("Expected 3 pods, got %d", len(pods))
	}
	for i, want := range []string{"pod/a", "pod/b", "pod/c"} {
		if pods[i].UID != want {
			t.Errorf("Expected %s at %d, got %s", want, i, pods[i].UID)
		}
	}
}

func TestMemoryStore_UpdateReplacesFact(t *testing.T) {
	store := NewMemoryStore()
	store.Record(types.Fact{UID: "pod/a", Kind: "Pod", Fields: map[string]interface{}{"status.phase": "Pending"}})
	store.Record(types.Fact{UID: "pod/a", Kind: "Pod", Fields: map[string]interface{}{"status.phase": "Running"}})

	pods := store.GetLatestByKind("Pod")
	if len(pods) != 1 {
		t.Fatalf("Expected 1 pod, got %d", len(pods))
	}
	if pods[0].Fields["status.phase"] != "Running" {
		t.Errorf("Expected latest phase Running, got %v", pods[0].Fields["status.phase"])
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(id int) {
			store.Record(types.Fact{UID: fmt.Sprintf("pod/%d", id), Kind: "Pod"})
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if n := len(store.GetLatestByKind("Pod")); n != 10 {
		t.Errorf("Expected 10 pods, got %d", n)
	}
}

func TestFromCluster(t *testing.T) {
	s := cluster.NewState()
	s.Nodes["n1"] = &cluster.Node{ID: "n1", Capacity: cluster.MustResources("4", "8Gi"), Cordoned: true}
	w := &cluster.Workload{
		ID:              "api",
		Namespace:       "default",
		DesiredReplicas: 2,
		Template: cluster.PodTemplate{
			Requests: cluster.MustResources("250m", "256Mi"),
			Limits:   cluster.MustResources("500m", "512Mi"),
		},
	}
	s.Workloads["api"] = w
	p := s.SpawnPod(w)
	p.Phase = cluster.CrashLooping
	p.LastReason = cluster.ReasonOOMKilled
	p.Node = "n1"

	store := FromCluster(s)

	if store.Len() != 3 {
		t.Fatalf("Expected 3 facts, got %d", store.Len())
	}
	pod, ok := store.GetByUID(PodUID(p.ID))
	if !ok {
		t.Fatal("pod fact missing")
	}
	if pod.Fields["status.terminationReason"] != cluster.ReasonOOMKilled {
		t.Errorf("Expected OOMKilled, got %v", pod.Fields["status.terminationReason"])
	}
	if pod.Owner != "api" {
		t.Errorf("Expected owner api, got %s", pod.Owner)
	}
	node, _ := store.GetByUID(NodeUID("n1"))
	if node.Fields["spec.unschedulable"] != true {
		t.Errorf("Expected cordoned node to be unschedulable")
	}
	wl, _ := store.GetByUID(WorkloadUID("api"))
	if wl.Fields["status.readyRatio"] != 0.0 {
		t.Errorf("Expected ready ratio 0, got %v", wl.Fields["status.readyRatio"])
	}
}
