package scheduler

import (
	corev1 "k8s.io/api/core/v1"

	"github.com/aonescu/aegis/internal/cluster"
)

// Binding records a pod placed on a node.
type Binding struct {
	Pod  string `json:"pod"`
	Node string `json:"node"`
}

// Unschedulable records a pod that stays Pending and why.
type Unschedulable struct {
	Pod    string `json:"pod"`
	Reason string `json:"reason"`
}

type Result struct {
	Bound         []Binding       `json:"bound,omitempty"`
	Unschedulable []Unschedulable `json:"unschedulable,omitempty"`
}

// Schedule binds Pending pods in id order. A node is feasible when it is not
// cordoned, its free capacity covers the pod requests, and the pod tolerates
// every NoSchedule/NoExecute taint. Among feasible nodes the one with the most
// free capacity wins, then the lowest id. Running pods are never moved.
func Schedule(s *cluster.State) Result {
	var res Result
	nodes := s.NodeIDs()
	for _, id := range s.PodIDs() {
		p := s.Pods[id]
		if p.Phase != cluster.Pending || p.Node != "" {
			continue
		}

		var best *cluster.Node
		bestScore := -1.0
		reason := "no nodes"
		for _, nid := range nodes {
			n := s.Nodes[nid]
			if why := infeasible(n, p); why != "" {
				reason = why
				continue
			}
			if score := freeScore(n); score > bestScore {
				best, bestScore = n, score
			}
		}
		if best == nil {
			res.Unschedulable = append(res.Unschedulable, Unschedulable{Pod: p.ID, Reason: reason})
			continue
		}
		s.Bind(p, best)
		res.Bound = append(res.Bound, Binding{Pod: p.ID, Node: best.ID})
	}
	return res
}

func infeasible(n *cluster.Node, p *cluster.Pod) string {
	if n.Cordoned {
		return "node " + n.ID + " cordoned"
	}
	if !n.Free().Covers(p.Requests) {
		return "insufficient resources on " + n.ID
	}
	for i := range n.Taints {
		t := &n.Taints[i]
		if t.Effect != corev1.TaintEffectNoSchedule && t.Effect != corev1.TaintEffectNoExecute {
			continue
		}
		if !tolerated(p.Tolerations, t) {
			return "untolerated taint " + t.Key + " on " + n.ID
		}
	}
	return ""
}

func tolerated(tolerations []corev1.Toleration, taint *corev1.Taint) bool {
	for _, tol := range tolerations {
		if tol.Effect != "" && tol.Effect != taint.Effect {
			continue
		}
		if tol.Key != "" && tol.Key != taint.Key {
			continue
		}
		switch tol.Operator {
		case corev1.TolerationOpExists:
			return true
		case corev1.TolerationOpEqual, "":
			// an empty key only makes sense with Exists
			if tol.Key != "" && tol.Value == taint.Value {
				return true
			}
		}
	}
	return false
}

// freeScore is the sum of the free CPU and memory fractions.
func freeScore(n *cluster.Node) float64 {
	free := n.Free()
	var score float64
	if n.Capacity.CPU > 0 {
		score += float64(free.CPU) / float64(n.Capacity.CPU)
	}
	if n.Capacity.Memory > 0 {
		score += float64(free.Memory) / float64(n.Capacity.Memory)
	}
	return score
}
