package shadow

import (
	"fmt"
)

type Branch string

const (
	Main   Branch = "main"
	Likely Branch = "likely-next-chaos"
	Worst  Branch = "worst-historical-chaos"
)

// Branches lists the futures simulated for every plan, in slot order.
var Branches = [3]Branch{Main, Likely, Worst}

// Outcome is the result of one plan run through one future.
type Outcome struct {
	PlanID      string    `json:"plan_id"`
	Branch      Branch    `json:"branch"`
	Seed        uint64    `json:"seed"`
	ParentHash  string    `json:"parent_hash"`
	FinalHash   string    `json:"final_hash,omitempty"`
	Horizon     int       `json:"horizon"`
	HealthTrace []float64 `json:"health_trace"`
	StepRisks   []float64 `json:"step_risks"`
	Chaos       []string  `json:"chaos,omitempty"`
	Churn       int       `json:"churn"`
	Cost        float64   `json:"cost"`
	Stability   float64   `json:"stability"`
	Resilience  float64   `json:"resilience"`
	FinalHealth float64   `json:"final_health"`
	MinHealth   float64   `json:"min_health"`
	Failed      bool      `json:"failed"`
	Fault       string    `json:"fault,omitempty"`
}

func (o Outcome) clone() Outcome {
	o.HealthTrace = append([]float64(nil), o.HealthTrace...)
	o.StepRisks = append([]float64(nil), o.StepRisks...)
	o.Chaos = append([]string(nil), o.Chaos...)
	return o
}

// Weights tune how much each branch counts toward plan resilience.
type Weights struct {
	Main   float64 `json:"main" mapstructure:"main"`
	Likely float64 `json:"likely" mapstructure:"likely"`
	Worst  float64 `json:"worst" mapstructure:"worst"`
}

func DefaultWeights() Weights {
	return Weights{Main: 0.25, Likely: 0.30, Worst: 0.45}
}

func (w Weights) Of(b Branch) float64 {
	switch b {
	case Main:
		return w.Main
	case Likely:
		return w.Likely
	case Worst:
		return w.Worst
	}
	return 0
}

// Validate requires non-negative weights leaning toward the worst case.
func (w Weights) Validate() error {
	if w.Main < 0 || w.Likely < 0 || w.Worst < 0 {
		return fmt.Errorf("branch weights must be non-negative")
	}
	if w.Main+w.Likely+w.Worst <= 0 {
		return fmt.Errorf("branch weights must not all be zero")
	}
	if w.Worst < w.Main || w.Worst < w.Likely {
		return fmt.Errorf("worst branch weight %.2f must be at least the main (%.2f) and likely (%.2f) weights", w.Worst, w.Main, w.Likely)
	}
	return nil
}

// Resilience is the weighted mean branch resilience over non-failed
// branches. It is 0 when every branch failed.
func Resilience(outcomes []Outcome, w Weights) float64 {
	num, den := 0.0, 0.0
	for _, o := range outcomes {
		if o.Failed {
			continue
		}
		wb := w.Of(o.Branch)
		num += wb * o.Resilience
		den += wb
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// AllFailed reports whether no branch produced a usable outcome.
func AllFailed(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if !o.Failed {
			return false
		}
	}
	return true
}
