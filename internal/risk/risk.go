package risk

import (
	"math"

	"github.com/aonescu/aegis/internal/shadow"
)

// DefaultGrowth is the per-step compounding rate of accumulated risk.
const DefaultGrowth = 0.15

// Scorer compounds step risks: R_k = R_{k-1}(1+Growth) + r_k, normalised
// to 1 - e^-R. Both are non-decreasing in step count and in every r_k.
type Scorer struct {
	Growth float64
}

func NewScorer(growth float64) Scorer {
	if growth < 0 {
		growth = DefaultGrowth
	}
	return Scorer{Growth: growth}
}

// Accumulate returns the raw compounded risk of an ordered step sequence.
func (s Scorer) Accumulate(steps []float64) float64 {
	r := 0.0
	for _, step := range steps {
		r = r*(1+s.Growth) + math.Max(step, 0)
	}
	return r
}

// BranchRisk is the normalised risk of one branch in [0, 1).
func (s Scorer) BranchRisk(steps []float64) float64 {
	return 1 - math.Exp(-s.Accumulate(steps))
}

// Score is the worst normalised risk over non-failed branches. A plan whose
// branches all failed scores 1.
func (s Scorer) Score(outcomes []shadow.Outcome) float64 {
	worst := 0.0
	live := false
	for _, o := range outcomes {
		if o.Failed {
			continue
		}
		live = true
		worst = math.Max(worst, s.BranchRisk(o.StepRisks))
	}
	if !live {
		return 1
	}
	return worst
}
