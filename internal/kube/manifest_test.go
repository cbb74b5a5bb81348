package kube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/aonescu/aegis/internal/cluster"
)

const manifests = `
# nodes
apiVersion: v1
kind: Node
metadata:
  name: worker-1
  labels:
    zone: a
spec:
  taints:
  - key: dedicated
    value: batch
    effect: NoSchedule
status:
  allocatable:
    cpu: "4"
    memory: 8Gi
---
apiVersion: v1
kind: Node
metadata:
  name: worker-2
spec:
  unschedulable: true
status:
  capacity:
    cpu: 2500m
    memory: 4Gi
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: api
  annotations:
    aegis.io/traffic-cpu: 300m
    aegis.io/depends-on: db, cache
spec:
  replicas: 3
  selector:
    matchLabels:
      app: api
  template:
    metadata:
      labels:
        app: api
    spec:
      tolerations:
      - key: dedicated
        operator: Equal
        value: batch
        effect: NoSchedule
      containers:
      - name: app
        image: api:1
        resources:
          requests: {cpu: 250m, memory: 256Mi}
          limits: {cpu: 500m, memory: 512Mi}
      - name: sidecar
        image: proxy:1
        resources:
          requests: {cpu: 50m, memory: 64Mi}
          limits: {cpu: 100m, memory: 128Mi}
---
apiVersion: apps/v1
kind: StatefulSet
metadata:
  name: db
  namespace: data
spec:
  selector:
    matchLabels:
      app: db
  template:
    metadata:
      labels:
        app: db
    spec:
      containers:
      - name: pg
        image: postgres:16
---
apiVersion: autoscaling/v2
kind: HorizontalPodAutoscaler
metadata:
  name: api
spec:
  scaleTargetRef:
    apiVersion: apps/v1
    kind: Deployment
    name: api
  minReplicas: 2
  maxReplicas: 6
  metrics:
  - type: Resource
    resource:
      name: cpu
      target:
        type: Utilization
        averageUtilization: 70
---
apiVersion: networking.k8s.io/v1
kind: NetworkPolicy
metadata:
  name: db-ingress
  namespace: data
  annotations:
    aegis.io/enforced: "true"
spec:
  podSelector:
    matchLabels:
      app: db
  ingress:
  - from:
    - podSelector:
        matchLabels:
          app: api
`

func TestDecodeAndApply(t *testing.T) {
	objs, err := Decode([]byte(manifests))
	require.NoError(t, err)
	require.Len(t, objs, 6)

	s := cluster.NewState()
	require.NoError(t, Apply(s, objs))

	n1 := s.Nodes["worker-1"]
	require.NotNil(t, n1)
	assert.Equal(t, cluster.MustResources("4", "8Gi"), n1.Capacity)
	assert.Equal(t, "a", n1.Labels["zone"])
	require.Len(t, n1.Taints, 1)
	assert.Equal(t, corev1.TaintEffectNoSchedule, n1.Taints[0].Effect)
	assert.False(t, n1.Cordoned)

	n2 := s.Nodes["worker-2"]
	require.NotNil(t, n2)
	assert.True(t, n2.Cordoned)
	assert.Equal(t, int64(2500), n2.Capacity.CPU)

	api := s.Workloads["api"]
	require.NotNil(t, api)
	assert.Equal(t, cluster.Deployment, api.Kind)
	assert.Equal(t, "default", api.Namespace)
	assert.Equal(t, 3, api.DesiredReplicas)
	assert.Equal(t, cluster.MustResources("300m", "320Mi"), api.Template.Requests)
	assert.Equal(t, cluster.MustResources("600m", "640Mi"), api.Template.Limits)
	assert.Equal(t, int64(300), api.TrafficCPU)
	assert.Equal(t, []string{"cache", "db"}, api.DependsOn)
	assert.Equal(t, map[string]string{"app": "api"}, api.Selector)
	assert.Len(t, api.Template.Tolerations, 1)

	db := s.Workloads["db"]
	require.NotNil(t, db)
	assert.Equal(t, cluster.StatefulSet, db.Kind)
	assert.Equal(t, "data", db.Namespace)
	assert.Equal(t, 1, db.DesiredReplicas)

	hpa := s.HPAs["api"]
	require.NotNil(t, hpa)
	assert.Equal(t, "api", hpa.Workload)
	assert.Equal(t, 2, hpa.Min)
	assert.Equal(t, 6, hpa.Max)
	assert.Equal(t, 70, hpa.TargetCPUPercent)

	np := s.Policies["db-ingress"]
	require.NotNil(t, np)
	assert.True(t, np.Enforced)
	assert.Equal(t, "data", np.Namespace)
	require.Len(t, np.Ingress, 1)
	assert.Equal(t, map[string]string{"app": "api"}, np.Ingress[0].From)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte("apiVersion: v1\nkind: Bogus\nmetadata:\n  name: x\n"))
	assert.Error(t, err)

	_, err = Decode([]byte("{not yaml"))
	assert.Error(t, err)

	objs, err := Decode([]byte("# only a comment\n---\n"))
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestApply_UnsupportedKind(t *testing.T) {
	objs, err := Decode([]byte("apiVersion: v1\nkind: Service\nmetadata:\n  name: api\n"))
	require.NoError(t, err)
	err = Apply(cluster.NewState(), objs)
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestApply_BadTrafficAnnotation(t *testing.T) {
	objs, err := Decode([]byte(`apiVersion: apps/v1
kind: Deployment
metadata:
  name: api
  annotations:
    aegis.io/traffic-cpu: lots
spec:
  selector:
    matchLabels: {app: api}
  template:
    metadata:
      labels: {app: api}
    spec:
      containers:
      - name: app
        image: api:1
`))
	require.NoError(t, err)
	assert.Error(t, Apply(cluster.NewState(), objs))
}
