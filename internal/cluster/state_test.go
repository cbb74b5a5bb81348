package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func sampleState() *State {
	s := NewState()
	s.Nodes["node-a"] = &Node{
		ID:       "node-a",
		Capacity: MustResources("4", "8Gi"),
		Labels:   map[string]string{"zone": "a"},
		Taints:   []corev1.Taint{{Key: "dedicated", Value: "db", Effect: corev1.TaintEffectNoSchedule}},
	}
	w := &Workload{
		ID:              "api",
		Kind:            Deployment,
		Namespace:       "default",
		DesiredReplicas: 2,
		Selector:        map[string]string{"app": "api"},
		Template: PodTemplate{
			Labels:   map[string]string{"app": "api"},
			Requests: MustResources("250m", "256Mi"),
			Limits:   MustResources("500m", "512Mi"),
		},
	}
	s.Workloads[w.ID] = w
	s.SpawnPod(w)
	s.SpawnPod(w)
	return s
}

func TestParseResources(t *testing.T) {
	r, err := ParseResources("1500m", "1Gi")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), r.CPU)
	assert.Equal(t, int64(1<<30), r.Memory)

	_, err = ParseResources("lots", "")
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	s := sampleState()
	c := s.Clone()

	c.Nodes["node-a"].Labels["zone"] = "b"
	c.Nodes["node-a"].Taints[0].Value = "web"
	c.Workloads["api"].Template.Labels["app"] = "other"
	c.Pods["api-1"].Labels["app"] = "other"
	c.Applied["x@1"] = true

	assert.Equal(t, "a", s.Nodes["node-a"].Labels["zone"])
	assert.Equal(t, "db", s.Nodes["node-a"].Taints[0].Value)
	assert.Equal(t, "api", s.Workloads["api"].Template.Labels["app"])
	assert.Equal(t, "api", s.Pods["api-1"].Labels["app"])
	assert.Empty(t, s.Applied)
}

func TestHashTracksContentNotLineage(t *testing.T) {
	s := sampleState()
	h := s.Hash()
	assert.Equal(t, h, s.Clone().Hash())

	child := s.Fork("main")
	assert.Equal(t, h, child.Lineage.Parent)
	assert.Equal(t, "main", child.Lineage.Branch)
	assert.Equal(t, h, child.Hash())

	child.Tick++
	assert.NotEqual(t, h, child.Hash())
}

func TestBindAndRemoveAccounting(t *testing.T) {
	s := sampleState()
	n := s.Nodes["node-a"]
	s.Bind(s.Pods["api-1"], n)
	s.Bind(s.Pods["api-2"], n)
	assert.Equal(t, MustResources("500m", "512Mi"), n.Allocated)
	assert.Equal(t, []string{"api-1", "api-2"}, n.Pods)

	s.RemovePod("api-1")
	assert.Equal(t, MustResources("250m", "256Mi"), n.Allocated)
	assert.Equal(t, []string{"api-2"}, n.Pods)
	assert.NotContains(t, s.Pods, "api-1")
}

func TestHealth(t *testing.T) {
	s := sampleState()
	assert.Equal(t, 0.0, Health(s))

	s.Bind(s.Pods["api-1"], s.Nodes["node-a"])
	assert.Equal(t, 0.5, Health(s))

	s.Pods["api-1"].BlockedBy = "deny-all"
	assert.Equal(t, 0.0, Health(s))

	empty := NewState()
	assert.Equal(t, 1.0, Health(empty))
}

func TestPodsMatching(t *testing.T) {
	s := sampleState()
	assert.Len(t, s.PodsMatching("default", map[string]string{"app": "api"}), 2)
	assert.Len(t, s.PodsMatching("other", map[string]string{"app": "api"}), 0)
	assert.Len(t, s.PodsMatching("", nil), 2)
}
