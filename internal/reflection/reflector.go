package reflection

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/belief"
	"github.com/aonescu/aegis/internal/diagnosis"
	"github.com/aonescu/aegis/internal/metrics"
	"github.com/aonescu/aegis/internal/plan"
	"github.com/aonescu/aegis/internal/shadow"
)

type Config struct {
	// MinAdvantage is the resilience margin an alternative needs before it
	// becomes a procedural rule.
	MinAdvantage float64 `json:"min_advantage" mapstructure:"min_advantage"`
	// Tolerance is how far actual final health may fall short of the main
	// branch prediction before the diagnosis is considered wrong.
	Tolerance     float64 `json:"tolerance" mapstructure:"tolerance"`
	ForbidStep    float64 `json:"forbid_step" mapstructure:"forbid_step"`
	Decay         float64 `json:"decay" mapstructure:"decay"`
	ForgetBelow   float64 `json:"forget_below" mapstructure:"forget_below"`
	MaxRuleWeight float64 `json:"max_rule_weight" mapstructure:"max_rule_weight"`
}

func DefaultConfig() Config {
	return Config{
		MinAdvantage:  0.05,
		Tolerance:     0.1,
		ForbidStep:    0.5,
		Decay:         0.9,
		ForgetBelow:   0.05,
		MaxRuleWeight: 1.0,
	}
}

type Alternative struct {
	Plan     plan.Plan
	Outcomes [3]shadow.Outcome
}

type Input struct {
	RunID        string
	Diagnosis    *diagnosis.Diagnosis
	Applied      plan.Plan
	Actual       shadow.Outcome
	Predicted    [3]shadow.Outcome
	Alternatives []Alternative
	// Chaos holds the keys of the events actually applied during the live run.
	Chaos     []string
	PreHealth float64
	Beliefs   belief.View
}

type Preemption struct {
	PlanID     string        `json:"plan_id"`
	Signature  string        `json:"signature"`
	Branch     shadow.Branch `json:"branch"`
	Similarity float64       `json:"similarity"`
	Advantage  float64       `json:"advantage"`
}

// Update is the outcome of one reflection. Changes is committed by the
// orchestrator once the cycle is complete.
type Update struct {
	Changes        belief.Update `json:"changes"`
	WrongDiagnosis bool          `json:"wrong_diagnosis"`
	Forbidden      string        `json:"forbidden,omitempty"`
	Preemption     *Preemption   `json:"preemption,omitempty"`
	PredictionGap  float64       `json:"prediction_gap"`
}

type Reflector struct {
	cfg    Config
	logger *zap.Logger
}

func NewReflector(cfg Config, logger *zap.Logger) *Reflector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reflector{cfg: cfg, logger: logger}
}

func (r *Reflector) Reflect(in Input) Update {
	var u Update
	u.PredictionGap = in.Predicted[0].FinalHealth - in.Actual.FinalHealth

	top, hasTop := in.Diagnosis.Top()

	if pre := r.preempt(in); pre != nil && hasTop {
		u.Preemption = pre
		pattern := belief.Pattern{HypothesisKind: top.Kind, TargetKind: top.TargetKind()}
		rule := belief.ProceduralRule{
			ID:             belief.RuleID(pattern, pre.Signature),
			Pattern:        pattern,
			Signature:      pre.Signature,
			Weight:         math.Min(pre.Advantage, r.cfg.MaxRuleWeight),
			ProvenanceRun:  in.RunID,
			ProvenancePlan: pre.PlanID,
		}
		if in.Beliefs != nil {
			for _, existing := range in.Beliefs.Rules() {
				if existing.ID == rule.ID {
					rule.Weight = math.Min(existing.Weight+pre.Advantage, r.cfg.MaxRuleWeight)
				}
			}
		}
		u.Changes.Rules = append(u.Changes.Rules, rule)
		metrics.RulesEmitted.Inc()
		r.logger.Info("procedural preemption",
			zap.String("run", in.RunID),
			zap.String("alternative", pre.PlanID),
			zap.String("signature", pre.Signature),
			zap.String("branch", string(pre.Branch)),
			zap.Float64("advantage", pre.Advantage))
	}

	actual := in.Actual.FinalHealth
	if hasTop && actual <= in.PreHealth && actual < in.Predicted[0].FinalHealth-r.cfg.Tolerance {
		u.WrongDiagnosis = true
		u.Forbidden = top.Key
	}

	var beliefs []belief.Belief
	if in.Beliefs != nil {
		beliefs = in.Beliefs.Beliefs()
	}
	strengthened := false
	for _, bl := range beliefs {
		bl.Confidence *= r.cfg.Decay
		if u.WrongDiagnosis && bl.Key == u.Forbidden {
			bl.Confidence = math.Min(bl.Confidence+r.cfg.ForbidStep, 1)
			bl.Evidence++
			bl.UpdatedRun = in.RunID
			strengthened = true
		} else if bl.Confidence < r.cfg.ForgetBelow {
			u.Changes.Forget = append(u.Changes.Forget, bl.Key)
			continue
		}
		u.Changes.Beliefs = append(u.Changes.Beliefs, bl)
	}
	if u.WrongDiagnosis && !strengthened {
		u.Changes.Beliefs = append(u.Changes.Beliefs, belief.Belief{
			Key:        top.Key,
			Kind:       top.Kind,
			Target:     top.Target,
			Confidence: math.Min(r.cfg.ForbidStep, 1),
			Evidence:   1,
			UpdatedRun: in.RunID,
		})
	}
	if u.WrongDiagnosis {
		r.logger.Info("diagnosis proven wrong",
			zap.String("run", in.RunID),
			zap.String("hypothesis", top.Key),
			zap.Float64("pre_health", in.PreHealth),
			zap.Float64("actual", actual),
			zap.Float64("predicted", in.Predicted[0].FinalHealth))
	}
	return u
}

// preempt finds the alternative whose best-matching branch beat the actual
// outcome by the widest margin above MinAdvantage.
func (r *Reflector) preempt(in Input) *Preemption {
	var best *Preemption
	for _, alt := range in.Alternatives {
		if alt.Plan.ID == in.Applied.ID {
			continue
		}
		o, sim, ok := closestBranch(alt.Outcomes, in.Chaos)
		if !ok {
			continue
		}
		adv := o.Resilience - in.Actual.Resilience
		if adv <= r.cfg.MinAdvantage {
			continue
		}
		cand := &Preemption{
			PlanID:     alt.Plan.ID,
			Signature:  alt.Plan.Signature(),
			Branch:     o.Branch,
			Similarity: sim,
			Advantage:  adv,
		}
		if best == nil || adv > best.Advantage || (adv == best.Advantage && cand.PlanID < best.PlanID) {
			best = cand
		}
	}
	return best
}

// branchRank orders ties in chaos similarity: worst before likely before main.
var branchRank = map[shadow.Branch]int{shadow.Worst: 0, shadow.Likely: 1, shadow.Main: 2}

func closestBranch(outcomes [3]shadow.Outcome, actual []string) (shadow.Outcome, float64, bool) {
	var best shadow.Outcome
	bestSim := -1.0
	for _, o := range outcomes {
		if o.Failed {
			continue
		}
		sim := Jaccard(o.Chaos, actual)
		if sim > bestSim || (sim == bestSim && branchRank[o.Branch] < branchRank[best.Branch]) {
			best, bestSim = o, sim
		}
	}
	return best, bestSim, bestSim >= 0
}

// Jaccard is the similarity of two key sets. Two empty sets are identical.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]int)
	for _, k := range a {
		set[k] |= 1
	}
	for _, k := range b {
		set[k] |= 2
	}
	inter := 0
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}

func (p *Preemption) String() string {
	return fmt.Sprintf("%s via %s branch (+%.3f resilience, similarity %.2f)", p.Signature, p.Branch, p.Advantage, p.Similarity)
}
