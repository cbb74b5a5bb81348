// Package kube converts Kubernetes API manifests into simulated cluster
// resources. It never talks to an API server.
package kube

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/kubernetes/scheme"

	"github.com/aonescu/aegis/internal/cluster"
)

// Annotations carrying simulation inputs that have no Kubernetes field.
const (
	AnnotationTrafficCPU = "aegis.io/traffic-cpu"
	AnnotationDependsOn  = "aegis.io/depends-on"
	AnnotationEnforced   = "aegis.io/enforced"
)

var ErrUnsupportedKind = errors.New("unsupported manifest kind")

// Decode splits a multi-document YAML or JSON stream and decodes every
// non-empty document with the client-go scheme.
func Decode(data []byte) ([]runtime.Object, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(data)))
	decoder := scheme.Codecs.UniversalDeserializer()

	var objs []runtime.Object
	for i := 0; ; i++ {
		doc, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read manifest document %d: %w", i, err)
		}
		if len(bytes.TrimSpace(doc)) == 0 || isComment(doc) {
			continue
		}
		obj, gvk, err := decoder.Decode(doc, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("decode manifest document %d: %w", i, err)
		}
		if gvk != nil && gvk.Kind == "" {
			return nil, fmt.Errorf("manifest document %d has no kind", i)
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func isComment(doc []byte) bool {
	for _, line := range strings.Split(string(doc), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return false
		}
	}
	return true
}

// Apply adds the decoded objects to s. Objects of an unsupported kind fail
// the whole import.
func Apply(s *cluster.State, objs []runtime.Object) error {
	for _, obj := range objs {
		switch o := obj.(type) {
		case *corev1.Node:
			n := Node(o)
			s.Nodes[n.ID] = n
		case *appsv1.Deployment:
			w, err := Deployment(o)
			if err != nil {
				return err
			}
			s.Workloads[w.ID] = w
		case *appsv1.StatefulSet:
			w, err := StatefulSet(o)
			if err != nil {
				return err
			}
			s.Workloads[w.ID] = w
		case *autoscalingv2.HorizontalPodAutoscaler:
			h := HPA(o)
			s.HPAs[h.ID] = h
		case *networkingv1.NetworkPolicy:
			np := NetworkPolicy(o)
			s.Policies[np.ID] = np
		default:
			return fmt.Errorf("%w: %T", ErrUnsupportedKind, obj)
		}
	}
	return nil
}

func Node(n *corev1.Node) *cluster.Node {
	capacity := n.Status.Allocatable
	if len(capacity) == 0 {
		capacity = n.Status.Capacity
	}
	return &cluster.Node{
		ID:       n.Name,
		Capacity: fromList(capacity),
		Labels:   copyLabels(n.Labels),
		Taints:   append([]corev1.Taint(nil), n.Spec.Taints...),
		Cordoned: n.Spec.Unschedulable,
	}
}

func Deployment(d *appsv1.Deployment) (*cluster.Workload, error) {
	return workload(d.ObjectMeta, cluster.Deployment, d.Spec.Replicas, d.Spec.Selector, d.Spec.Template)
}

func StatefulSet(st *appsv1.StatefulSet) (*cluster.Workload, error) {
	return workload(st.ObjectMeta, cluster.StatefulSet, st.Spec.Replicas, st.Spec.Selector, st.Spec.Template)
}

func workload(meta metav1.ObjectMeta, kind cluster.WorkloadKind, replicas *int32, sel *metav1.LabelSelector, tpl corev1.PodTemplateSpec) (*cluster.Workload, error) {
	w := &cluster.Workload{
		ID:              meta.Name,
		Kind:            kind,
		Namespace:       namespace(meta),
		DesiredReplicas: 1,
		Template: cluster.PodTemplate{
			Labels:      copyLabels(tpl.Labels),
			Tolerations: append([]corev1.Toleration(nil), tpl.Spec.Tolerations...),
		},
	}
	if replicas != nil {
		w.DesiredReplicas = int(*replicas)
	}
	if sel != nil {
		w.Selector = copyLabels(sel.MatchLabels)
	}
	for _, c := range tpl.Spec.Containers {
		w.Template.Requests = w.Template.Requests.Add(fromList(c.Resources.Requests))
		w.Template.Limits = w.Template.Limits.Add(fromList(c.Resources.Limits))
	}
	if v, ok := meta.Annotations[AnnotationTrafficCPU]; ok {
		cpu, err := cluster.ParseCPU(v)
		if err != nil {
			return nil, fmt.Errorf("workload %s: %s: %w", meta.Name, AnnotationTrafficCPU, err)
		}
		w.TrafficCPU = cpu
	}
	if v := meta.Annotations[AnnotationDependsOn]; v != "" {
		for _, dep := range strings.Split(v, ",") {
			if dep = strings.TrimSpace(dep); dep != "" {
				w.DependsOn = append(w.DependsOn, dep)
			}
		}
		sort.Strings(w.DependsOn)
	}
	return w, nil
}

// HPA converts an autoscaling/v2 object. Only the CPU utilization target is
// honoured; the default target is 80%.
func HPA(h *autoscalingv2.HorizontalPodAutoscaler) *cluster.HPA {
	out := &cluster.HPA{
		ID:               h.Name,
		Workload:         h.Spec.ScaleTargetRef.Name,
		TargetCPUPercent: 80,
		Min:              1,
		Max:              int(h.Spec.MaxReplicas),
	}
	if h.Spec.MinReplicas != nil {
		out.Min = int(*h.Spec.MinReplicas)
	}
	for _, m := range h.Spec.Metrics {
		if m.Type == autoscalingv2.ResourceMetricSourceType && m.Resource != nil &&
			m.Resource.Name == corev1.ResourceCPU && m.Resource.Target.AverageUtilization != nil {
			out.TargetCPUPercent = int(*m.Resource.Target.AverageUtilization)
		}
	}
	return out
}

// NetworkPolicy converts a policy. Imported policies start unenforced unless
// annotated, so lockouts are driven by chaos.
func NetworkPolicy(np *networkingv1.NetworkPolicy) *cluster.NetworkPolicy {
	out := &cluster.NetworkPolicy{
		ID:          np.Name,
		Namespace:   namespace(np.ObjectMeta),
		PodSelector: copyLabels(np.Spec.PodSelector.MatchLabels),
	}
	if v, ok := np.Annotations[AnnotationEnforced]; ok {
		out.Enforced, _ = strconv.ParseBool(v)
	}
	for _, rule := range np.Spec.Ingress {
		if len(rule.From) == 0 {
			// no peers admits every source
			out.Ingress = append(out.Ingress, cluster.IngressRule{})
		}
		for _, peer := range rule.From {
			if peer.PodSelector != nil {
				out.Ingress = append(out.Ingress, cluster.IngressRule{From: copyLabels(peer.PodSelector.MatchLabels)})
			}
		}
	}
	return out
}

func fromList(l corev1.ResourceList) cluster.Resources {
	var r cluster.Resources
	if q, ok := l[corev1.ResourceCPU]; ok {
		r.CPU = q.MilliValue()
	}
	if q, ok := l[corev1.ResourceMemory]; ok {
		r.Memory = q.Value()
	}
	return r
}

func namespace(meta metav1.ObjectMeta) string {
	if meta.Namespace == "" {
		return metav1.NamespaceDefault
	}
	return meta.Namespace
}

func copyLabels(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
