package diagnosis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/authority"
	"github.com/aonescu/aegis/internal/belief"
	"github.com/aonescu/aegis/internal/cluster"
	"github.com/aonescu/aegis/internal/dsl"
	"github.com/aonescu/aegis/internal/engine"
	"github.com/aonescu/aegis/internal/metrics"
	"github.com/aonescu/aegis/internal/state"
)

// Symptom is one violated invariant on one resource.
type Symptom struct {
	InvariantID string       `json:"invariant_id"`
	UID         string       `json:"uid"`
	Resource    string       `json:"resource"`
	Field       string       `json:"field"`
	Reason      string       `json:"reason"`
	Severity    dsl.Severity `json:"severity"`
	Cause       string       `json:"cause"`
	Candidates  []string     `json:"candidates,omitempty"`
	Workload    string       `json:"workload,omitempty"`
	Node        string       `json:"node,omitempty"`
	Policy      string       `json:"policy,omitempty"`
}

type Hypothesis struct {
	Key        string  `json:"key"`
	Kind       string  `json:"kind"`
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
	Support    int     `json:"support"`
	Score      float64 `json:"score"`
	Rationale  string  `json:"rationale,omitempty"`
}

// TargetKind returns the prefix of Target ("workload", "node", "policy").
func (h Hypothesis) TargetKind() string {
	kind, _, _ := strings.Cut(h.Target, "/")
	return kind
}

// TargetName returns Target without its kind prefix.
func (h Hypothesis) TargetName() string {
	_, name, _ := strings.Cut(h.Target, "/")
	return name
}

type Rejection struct {
	Hypothesis Hypothesis    `json:"hypothesis"`
	Belief     belief.Belief `json:"belief"`
}

type Diagnosis struct {
	ID         string       `json:"id"`
	StateHash  string       `json:"state_hash"`
	Tick       int          `json:"tick"`
	Symptoms   []Symptom    `json:"symptoms"`
	Hypotheses []Hypothesis `json:"hypotheses"`
	Rejected   []Rejection  `json:"rejected,omitempty"`
	Degraded   bool         `json:"degraded"`
	Oracle     string       `json:"oracle"`
}

// Top returns the highest ranked surviving hypothesis.
func (d *Diagnosis) Top() (Hypothesis, bool) {
	if d == nil || len(d.Hypotheses) == 0 {
		return Hypothesis{}, false
	}
	return d.Hypotheses[0], true
}

var causes = authority.NewCauseAuthorityMap()

// Key identifies a hypothesis across cycles.
func Key(kind, target string) string {
	return kind + ":" + target
}

type Diagnoser struct {
	oracle   Oracle
	fallback *RuleOracle
	eval     *engine.EvaluationEngine
	logger   *zap.Logger
}

// NewDiagnoser uses oracle for hypotheses and the rule oracle when it fails.
// A nil oracle means rules only.
func NewDiagnoser(oracle Oracle, logger *zap.Logger) *Diagnoser {
	if logger == nil {
		logger = zap.NewNop()
	}
	fallback := NewRuleOracle(causes)
	if oracle == nil {
		oracle = fallback
	}
	return &Diagnoser{
		oracle:   oracle,
		fallback: fallback,
		eval:     engine.NewEvaluationEngine(causes, logger.Named("invariants")),
		logger:   logger,
	}
}

// Symptoms evaluates the symptom invariants over s.
func (d *Diagnoser) Symptoms(s *cluster.State) []Symptom {
	inv := engine.NewInvariantEngine(state.FromCluster(s), d.eval)

	var cordoned string
	for _, id := range s.NodeIDs() {
		if s.Nodes[id].Cordoned {
			cordoned = id
			break
		}
	}

	var out []Symptom
	for _, v := range inv.EvaluateAll() {
		sym := Symptom{
			InvariantID: v.InvariantID,
			UID:         v.UID,
			Resource:    v.AffectedResource,
			Field:       v.Field,
			Reason:      v.Reason,
			Severity:    v.Severity,
			Cause:       v.Cause,
			Candidates:  v.Candidates,
		}
		switch v.Kind {
		case "Pod":
			p := s.Pods[strings.TrimPrefix(v.UID, "pod/")]
			if p == nil {
				continue
			}
			sym.Workload = p.Workload
			sym.Node = p.Node
			sym.Policy = p.BlockedBy
			if p.Node == "" {
				sym.Node = cordoned
			}
		case "Node":
			sym.Node = strings.TrimPrefix(v.UID, "node/")
		case "Workload":
			sym.Workload = strings.TrimPrefix(v.UID, "workload/")
			sym.Node = cordoned
		}
		out = append(out, sym)
	}
	return out
}

// Diagnose ranks hypotheses for s and drops any that views forbids.
func (d *Diagnoser) Diagnose(ctx context.Context, s *cluster.State, view belief.View) (*Diagnosis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash := s.Hash()
	diag := &Diagnosis{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(hash)).String(),
		StateHash: hash,
		Tick:      s.Tick,
		Symptoms:  d.Symptoms(s),
		Oracle:    d.oracle.Name(),
	}
	if len(diag.Symptoms) == 0 {
		return diag, nil
	}

	prompt := NewPrompt(s.Tick, hash, diag.Symptoms)
	candidates, err := d.oracle.Propose(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.OracleRequests.WithLabelValues(d.oracle.Name(), "error").Inc()
		d.logger.Warn("oracle unavailable, using rule fallback",
			zap.String("oracle", d.oracle.Name()), zap.Error(err))
		candidates, _ = d.fallback.Propose(ctx, prompt)
		diag.Degraded = true
		diag.Oracle = d.fallback.Name()
	} else {
		metrics.OracleRequests.WithLabelValues(d.oracle.Name(), "ok").Inc()
	}

	support := Support(diag.Symptoms)
	best := make(map[string]Hypothesis)
	for _, c := range candidates {
		if c.Kind == "" || c.Target == "" || c.Confidence <= 0 {
			continue
		}
		conf := clamp01(c.Confidence)
		key := Key(c.Kind, c.Target)
		n := support[key]
		h := Hypothesis{
			Key:        key,
			Kind:       c.Kind,
			Target:     c.Target,
			Confidence: conf,
			Support:    n,
			Score:      conf * (1 + 0.1*float64(min(n, 10))),
			Rationale:  c.Rationale,
		}
		if prev, ok := best[key]; !ok || h.Score > prev.Score {
			best[key] = h
		}
	}

	ranked := make([]Hypothesis, 0, len(best))
	for _, h := range best {
		ranked = append(ranked, h)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Key < ranked[j].Key
	})

	for _, h := range ranked {
		if view != nil {
			if bl, forbidden := view.Forbidden(h.Key); forbidden {
				original := h.Confidence
				h.Confidence = 0
				h.Score = 0
				diag.Rejected = append(diag.Rejected, Rejection{Hypothesis: h, Belief: bl})
				metrics.HypothesesRejected.WithLabelValues(h.Kind).Inc()
				d.logger.Info("rejected echoed hypothesis",
					zap.String("hypothesis", h.Key),
					zap.Float64("proposed_confidence", original),
					zap.Float64("belief_confidence", bl.Confidence),
					zap.Int("evidence", bl.Evidence))
				continue
			}
		}
		diag.Hypotheses = append(diag.Hypotheses, h)
	}

	d.logger.Debug("diagnosis complete",
		zap.Int("tick", s.Tick),
		zap.Int("symptoms", len(diag.Symptoms)),
		zap.Int("hypotheses", len(diag.Hypotheses)),
		zap.Int("rejected", len(diag.Rejected)),
		zap.Bool("degraded", diag.Degraded))
	return diag, nil
}

// Support counts, per hypothesis key, the symptoms that implicate it.
func Support(symptoms []Symptom) map[string]int {
	support := make(map[string]int)
	for _, sym := range symptoms {
		seen := make(map[string]bool)
		for _, kind := range causesOf(sym) {
			target, ok := TargetFor(kind, sym)
			if !ok {
				continue
			}
			key := Key(kind, target)
			if !seen[key] {
				seen[key] = true
				support[key]++
			}
		}
	}
	return support
}

func causesOf(sym Symptom) []string {
	out := []string{}
	if sym.Cause != "" {
		out = append(out, sym.Cause)
	}
	for _, c := range sym.Candidates {
		if c != sym.Cause {
			out = append(out, c)
		}
	}
	return out
}

// TargetFor resolves the resource a hypothesis kind points at for a symptom.
func TargetFor(kind string, sym Symptom) (string, bool) {
	meta, ok := causes.GetCauseMetadata(kind)
	targetKind := authority.TargetWorkload
	if ok {
		targetKind = meta.TargetKind
	}
	switch targetKind {
	case authority.TargetNode:
		if sym.Node == "" {
			return "", false
		}
		return authority.TargetNode + "/" + sym.Node, true
	case authority.TargetPolicy:
		if sym.Policy == "" {
			return "", false
		}
		return authority.TargetPolicy + "/" + sym.Policy, true
	default:
		if sym.Workload == "" {
			return "", false
		}
		return authority.TargetWorkload + "/" + sym.Workload, true
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// String renders a one-line hypothesis summary.
func (h Hypothesis) String() string {
	return fmt.Sprintf("%s (conf %.2f, support %d, score %.3f)", h.Key, h.Confidence, h.Support, h.Score)
}
