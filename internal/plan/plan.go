package plan

import (
	"strings"

	"github.com/google/uuid"
)

type Origin string

const (
	OriginTemplate Origin = "template"
	OriginGeneric  Origin = "generic"
	OriginCombo    Origin = "combo"
	OriginCritic   Origin = "critic"
	OriginPadding  Origin = "padding"
)

// Plan is an ordered remediation for one diagnosis. Plans are never
// mutated after generation.
type Plan struct {
	ID             string   `json:"id"`
	DiagnosisID    string   `json:"diagnosis_id"`
	Hypothesis     string   `json:"hypothesis"`
	HypothesisKind string   `json:"hypothesis_kind"`
	TargetKind     string   `json:"target_kind"`
	Actions        []Action `json:"actions"`
	Priority       float64  `json:"priority"`
	Origin         Origin   `json:"origin"`
	Critique       string   `json:"critique,omitempty"`
}

// Signature identifies the action sequence independent of diagnosis.
func Signature(actions []Action) string {
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = a.String()
	}
	return strings.Join(parts, " -> ")
}

func (p Plan) Signature() string { return Signature(p.Actions) }

// NewID derives a stable plan id from its diagnosis and signature.
func NewID(diagnosisID, signature string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(diagnosisID+"|"+signature)).String()
}

// Cost sums the disruption cost of every step.
func (p Plan) Cost() float64 {
	total := 0.0
	for _, a := range p.Actions {
		total += a.Cost()
	}
	return total
}

// Touches reports whether any step acts on target ("<kind>/<id>"). Pod
// targets count for the workload that owns them when owner is set.
func (p Plan) Touches(target string, owner func(pod string) string) bool {
	for _, a := range p.Actions {
		if a.Target == target {
			return true
		}
		if owner != nil && a.TargetKind() == "pod" && "workload/"+owner(a.TargetName()) == target {
			return true
		}
	}
	return false
}
