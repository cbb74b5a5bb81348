package pareto

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aonescu/aegis/internal/plan"
	"github.com/aonescu/aegis/internal/risk"
	"github.com/aonescu/aegis/internal/shadow"
)

var ErrNoViablePlan = errors.New("no viable plan")

// Vector is the objective tuple of a plan. Build it with Derive.
type Vector struct {
	PlanID          string  `json:"plan_id"`
	Stability       float64 `json:"stability"`
	Cost            float64 `json:"cost"`
	Resilience      float64 `json:"resilience"`
	PropagationRisk float64 `json:"propagation_risk"`
	Excluded        bool    `json:"excluded"`
}

// Derive aggregates the outcomes of one plan. Failed branches are left out;
// if every branch failed the vector is excluded from selection.
func Derive(planID string, outcomes []shadow.Outcome, w shadow.Weights, scorer risk.Scorer) Vector {
	v := Vector{PlanID: planID}
	if shadow.AllFailed(outcomes) {
		v.Excluded = true
		v.PropagationRisk = 1
		return v
	}

	stab, cost, den := 0.0, 0.0, 0.0
	for _, o := range outcomes {
		if o.Failed {
			continue
		}
		wb := w.Of(o.Branch)
		stab += wb * o.Stability
		cost += wb * o.Cost
		den += wb
	}
	if den > 0 {
		v.Stability = stab / den
		v.Cost = cost / den
	}
	v.Resilience = shadow.Resilience(outcomes, w)
	v.PropagationRisk = scorer.Score(outcomes)
	return v
}

// Dominates reports whether a is at least as good as b on every objective
// and strictly better on one.
func Dominates(a, b Vector) bool {
	noWorse := a.Stability >= b.Stability &&
		a.Cost <= b.Cost &&
		a.Resilience >= b.Resilience &&
		a.PropagationRisk <= b.PropagationRisk
	better := a.Stability > b.Stability ||
		a.Cost < b.Cost ||
		a.Resilience > b.Resilience ||
		a.PropagationRisk < b.PropagationRisk
	return noWorse && better
}

// Front returns the indexes of non-excluded vectors no other vector
// dominates, in input order.
func Front(vectors []Vector) []int {
	var front []int
	for i, v := range vectors {
		if v.Excluded {
			continue
		}
		dominated := false
		for j, o := range vectors {
			if i != j && !o.Excluded && Dominates(o, v) {
				dominated = true
				break
			}
		}
		if !dominated {
			front = append(front, i)
		}
	}
	return front
}

// Less is the tie-break order on the front: lower risk, lower cost, higher
// resilience, higher stability, then plan id.
func Less(a, b Vector) bool {
	switch {
	case a.PropagationRisk != b.PropagationRisk:
		return a.PropagationRisk < b.PropagationRisk
	case a.Cost != b.Cost:
		return a.Cost < b.Cost
	case a.Resilience != b.Resilience:
		return a.Resilience > b.Resilience
	case a.Stability != b.Stability:
		return a.Stability > b.Stability
	}
	return a.PlanID < b.PlanID
}

type Selection struct {
	Plan   plan.Plan `json:"plan"`
	Vector Vector    `json:"vector"`
	// Front holds the ids of the non-dominated plans in tie-break order.
	Front []string `json:"front"`
}

// Select picks the winning plan. vectors[i] belongs to plans[i].
func Select(plans []plan.Plan, vectors []Vector) (Selection, error) {
	if len(plans) != len(vectors) {
		return Selection{}, fmt.Errorf("select: %d plans but %d vectors", len(plans), len(vectors))
	}
	idx := Front(vectors)
	if len(idx) == 0 {
		return Selection{}, ErrNoViablePlan
	}
	sort.Slice(idx, func(i, j int) bool { return Less(vectors[idx[i]], vectors[idx[j]]) })

	sel := Selection{Plan: plans[idx[0]], Vector: vectors[idx[0]]}
	for _, i := range idx {
		sel.Front = append(sel.Front, vectors[i].PlanID)
	}
	return sel, nil
}

// Objectives weighs the four axes into a single utility, used where two
// outcomes must be compared on one scale.
type Objectives struct {
	Stability  float64 `json:"stability" mapstructure:"stability" yaml:"stability"`
	Cost       float64 `json:"cost" mapstructure:"cost" yaml:"cost"`
	Resilience float64 `json:"resilience" mapstructure:"resilience" yaml:"resilience"`
	Risk       float64 `json:"risk" mapstructure:"risk" yaml:"risk"`
}

func DefaultObjectives() Objectives {
	return Objectives{Stability: 1, Cost: 0.1, Resilience: 1, Risk: 1}
}

func (o Objectives) Utility(v Vector) float64 {
	return o.Stability*v.Stability - o.Cost*v.Cost + o.Resilience*v.Resilience - o.Risk*v.PropagationRisk
}
