package diagnosis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aonescu/aegis/internal/authority"
)

// Prompt is what the diagnoser sends to an oracle.
type Prompt struct {
	Tick      int       `json:"tick"`
	StateHash string    `json:"state_hash"`
	Symptoms  []Symptom `json:"symptoms"`
	Kinds     []string  `json:"kinds"`
	Text      string    `json:"text"`
}

// Candidate is one hypothesis proposed by an oracle.
type Candidate struct {
	Kind       string  `json:"kind"`
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Oracle turns symptoms into ranked hypothesis candidates.
type Oracle interface {
	Name() string
	Propose(ctx context.Context, prompt Prompt) ([]Candidate, error)
}

func NewPrompt(tick int, hash string, symptoms []Symptom) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Cluster snapshot %s at tick %d shows %d symptoms:\n", short(hash), tick, len(symptoms))
	for _, s := range symptoms {
		fmt.Fprintf(&b, "- [%s] %s on %s: %s", s.Severity, s.InvariantID, s.Resource, s.Reason)
		var refs []string
		if s.Workload != "" {
			refs = append(refs, "workload/"+s.Workload)
		}
		if s.Node != "" {
			refs = append(refs, "node/"+s.Node)
		}
		if s.Policy != "" {
			refs = append(refs, "policy/"+s.Policy)
		}
		if len(refs) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(refs, ", "))
		}
		b.WriteString("\n")
	}
	return Prompt{
		Tick:      tick,
		StateHash: hash,
		Symptoms:  symptoms,
		Kinds:     causes.GetAllCauses(),
		Text:      b.String(),
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// RuleOracle derives candidates from the cause authority map. It never
// fails and is deterministic.
type RuleOracle struct {
	authority *authority.CauseAuthorityMap
}

// Weight applied to authorized causes that are not the responsible one.
const alternativeDiscount = 0.6

func NewRuleOracle(cam *authority.CauseAuthorityMap) *RuleOracle {
	if cam == nil {
		cam = authority.NewCauseAuthorityMap()
	}
	return &RuleOracle{authority: cam}
}

func (o *RuleOracle) Name() string { return "rules" }

func (o *RuleOracle) Propose(ctx context.Context, prompt Prompt) ([]Candidate, error) {
	best := make(map[string]Candidate)
	for _, sym := range prompt.Symptoms {
		for _, kind := range causesOf(sym) {
			meta, ok := o.authority.GetCauseMetadata(kind)
			if !ok {
				continue
			}
			target, ok := TargetFor(kind, sym)
			if !ok {
				continue
			}
			conf := meta.Prior * sym.Severity.Weight()
			if kind != sym.Cause {
				conf *= alternativeDiscount
			}
			key := Key(kind, target)
			if prev, ok := best[key]; ok && prev.Confidence >= conf {
				continue
			}
			best[key] = Candidate{
				Kind:       kind,
				Target:     target,
				Confidence: conf,
				Rationale:  fmt.Sprintf("%s violated on %s", sym.InvariantID, sym.Resource),
			}
		}
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return Key(out[i].Kind, out[i].Target) < Key(out[j].Kind, out[j].Target)
	})
	return out, nil
}
