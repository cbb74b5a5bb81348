package planner

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/belief"
	"github.com/aonescu/aegis/internal/diagnosis"
	"github.com/aonescu/aegis/internal/plan"
)

type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	// Tier3 adds external weight evolution; inside the core it plans like Tier2.
	Tier3 Tier = 3
)

// PlanCount is the exact number of plans the tier produces.
func (t Tier) PlanCount() int {
	if t <= Tier1 {
		return 3
	}
	return 9
}

func (t Tier) Debate() bool { return t >= Tier2 }

func ParseTier(v int) (Tier, error) {
	if v < int(Tier1) || v > int(Tier3) {
		return 0, fmt.Errorf("invalid tier %d (want 1, 2 or 3)", v)
	}
	return Tier(v), nil
}

type Config struct {
	// TopHypotheses bounds how many ranked hypotheses get remedy templates.
	TopHypotheses int `json:"top_hypotheses" mapstructure:"top_hypotheses"`
	// ComboPool is how many leading single-step candidates are paired into
	// two-step plans.
	ComboPool   int     `json:"combo_pool" mapstructure:"combo_pool"`
	ComboFactor float64 `json:"combo_factor" mapstructure:"combo_factor"`
	MemoryStep  int64   `json:"memory_step" mapstructure:"memory_step"`
	CPUStep     int64   `json:"cpu_step" mapstructure:"cpu_step"`
	ScaleStep   int     `json:"scale_step" mapstructure:"scale_step"`
}

func DefaultConfig() Config {
	return Config{
		TopHypotheses: 3,
		ComboPool:     4,
		ComboFactor:   0.9,
		MemoryStep:    256 << 20,
		CPUStep:       500,
		ScaleStep:     2,
	}
}

type Generator struct {
	cfg    Config
	critic Critic
	logger *zap.Logger
}

// NewGenerator builds a plan generator. A nil critic uses RiskCritic.
func NewGenerator(cfg Config, critic Critic, logger *zap.Logger) *Generator {
	def := DefaultConfig()
	if cfg.TopHypotheses <= 0 {
		cfg.TopHypotheses = def.TopHypotheses
	}
	if cfg.ComboPool <= 0 {
		cfg.ComboPool = def.ComboPool
	}
	if cfg.ComboFactor <= 0 {
		cfg.ComboFactor = def.ComboFactor
	}
	if cfg.MemoryStep <= 0 {
		cfg.MemoryStep = def.MemoryStep
	}
	if cfg.CPUStep <= 0 {
		cfg.CPUStep = def.CPUStep
	}
	if cfg.ScaleStep <= 0 {
		cfg.ScaleStep = def.ScaleStep
	}
	if critic == nil {
		critic = NewRiskCritic()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{cfg: cfg, critic: critic, logger: logger}
}

type candidate struct {
	actions    []plan.Action
	priority   float64
	origin     plan.Origin
	hypothesis diagnosis.Hypothesis
	critique   string
}

func (c candidate) signature() string { return plan.Signature(c.actions) }

// Generate returns exactly tier.PlanCount() plans ordered by priority.
func (g *Generator) Generate(diag *diagnosis.Diagnosis, tier Tier, rules []belief.ProceduralRule) []plan.Plan {
	owners := podOwners(diag)
	pool := newPool()

	var top diagnosis.Hypothesis
	if t, ok := diag.Top(); ok {
		top = t
	}

	var singles []candidate
	for i, h := range diag.Hypotheses {
		if i >= g.cfg.TopHypotheses {
			break
		}
		sub := g.subjectFor(h, diag)
		for _, r := range g.templates(h, sub) {
			singles = append(singles, candidate{
				actions:    r.actions,
				priority:   h.Confidence * r.prior,
				origin:     plan.OriginTemplate,
				hypothesis: h,
			})
		}
	}
	for _, r := range g.generic(g.subjectFor(top, diag)) {
		singles = append(singles, candidate{
			actions:    r.actions,
			priority:   top.Confidence * r.prior,
			origin:     plan.OriginGeneric,
			hypothesis: top,
		})
	}
	for _, c := range singles {
		pool.add(g.boost(c, rules))
	}

	// Ordered pairs of the strongest distinct non-observe steps.
	lead := pool.sorted()
	var steps []candidate
	for _, c := range lead {
		if len(steps) >= g.cfg.ComboPool {
			break
		}
		if len(c.actions) == 1 && c.actions[0].Type != plan.Observe {
			steps = append(steps, c)
		}
	}
	for _, a := range steps {
		for _, b := range steps {
			if a.signature() == b.signature() {
				continue
			}
			pool.add(g.boost(candidate{
				actions:    []plan.Action{a.actions[0], b.actions[0]},
				priority:   g.cfg.ComboFactor * (a.priority + b.priority) / 2,
				origin:     plan.OriginCombo,
				hypothesis: a.hypothesis,
			}, rules))
		}
	}

	n := tier.PlanCount()
	chosen := pool.top(n)
	if tier.Debate() {
		chosen = g.debate(chosen, diag, owners, pool, n)
	}
	chosen = pad(chosen, top, n)

	plans := make([]plan.Plan, len(chosen))
	for i, c := range chosen {
		sig := c.signature()
		plans[i] = plan.Plan{
			ID:             plan.NewID(diag.ID, sig),
			DiagnosisID:    diag.ID,
			Hypothesis:     c.hypothesis.Key,
			HypothesisKind: c.hypothesis.Kind,
			TargetKind:     c.hypothesis.TargetKind(),
			Actions:        c.actions,
			Priority:       c.priority,
			Origin:         c.origin,
			Critique:       c.critique,
		}
	}
	g.logger.Debug("plans generated",
		zap.String("diagnosis", diag.ID),
		zap.Int("tier", int(tier)),
		zap.Int("plans", len(plans)))
	return plans
}

// boost adds the weights of matching procedural rules.
func (g *Generator) boost(c candidate, rules []belief.ProceduralRule) candidate {
	sig := c.signature()
	for _, r := range rules {
		if r.Matches(c.hypothesis.Kind, c.hypothesis.TargetKind(), sig) {
			c.priority += r.Weight
		}
	}
	return c
}

// debate challenges each plan and lets refined variants displace weaker
// originals.
func (g *Generator) debate(chosen []candidate, diag *diagnosis.Diagnosis, owners map[string]string, pool *candidatePool, n int) []candidate {
	contest := newPool()
	for _, c := range chosen {
		p := plan.Plan{Actions: c.actions, Hypothesis: c.hypothesis.Key}
		crit := g.critic.Challenge(p, Context{Hypothesis: c.hypothesis, Owners: owners, Workload: g.subjectFor(c.hypothesis, diag).workload})

		orig := c
		orig.priority -= crit.Penalty
		if len(crit.Reasons) > 0 {
			orig.critique = strings.Join(crit.Reasons, "; ")
		}
		contest.add(orig)

		for _, v := range crit.Variants {
			variant := candidate{
				actions:    v,
				priority:   c.priority - crit.Penalty/2,
				origin:     plan.OriginCritic,
				hypothesis: c.hypothesis,
				critique:   "refined: " + orig.critique,
			}
			if pool.has(variant.signature()) {
				continue
			}
			contest.add(variant)
		}
	}
	return contest.top(n)
}

// pad fills up to n with distinct observation plans.
func pad(chosen []candidate, h diagnosis.Hypothesis, n int) []candidate {
	seen := make(map[string]bool, len(chosen))
	for _, c := range chosen {
		seen[c.signature()] = true
	}
	for ticks := int64(1); len(chosen) < n; ticks++ {
		c := candidate{
			actions:    []plan.Action{{Type: plan.Observe, Amount: ticks}},
			priority:   0,
			origin:     plan.OriginPadding,
			hypothesis: h,
		}
		if seen[c.signature()] {
			continue
		}
		seen[c.signature()] = true
		chosen = append(chosen, c)
	}
	return chosen
}

func (g *Generator) subjectFor(h diagnosis.Hypothesis, diag *diagnosis.Diagnosis) subject {
	sub := subject{target: h.Target}
	if h.TargetKind() == "workload" {
		sub.workload = h.Target
	}
	for _, s := range diag.Symptoms {
		if sub.workload == "" && s.Workload != "" && relates(h, s) {
			sub.workload = "workload/" + s.Workload
		}
		if sub.pod == "" && strings.HasPrefix(s.UID, "pod/") && "workload/"+s.Workload == sub.workload {
			sub.pod = s.UID
		}
	}
	if sub.workload == "" {
		for _, s := range diag.Symptoms {
			if s.Workload != "" {
				sub.workload = "workload/" + s.Workload
				break
			}
		}
	}
	return sub
}

// relates reports whether a symptom concerns the hypothesis target.
func relates(h diagnosis.Hypothesis, s diagnosis.Symptom) bool {
	switch h.TargetKind() {
	case "node":
		return s.Node == h.TargetName()
	case "policy":
		return s.Policy == h.TargetName()
	}
	return "workload/"+s.Workload == h.Target
}

func podOwners(diag *diagnosis.Diagnosis) map[string]string {
	owners := make(map[string]string)
	for _, s := range diag.Symptoms {
		if name, ok := strings.CutPrefix(s.UID, "pod/"); ok {
			owners[name] = s.Workload
		}
	}
	return owners
}

// candidatePool deduplicates by signature keeping the highest priority.
type candidatePool struct {
	bySig map[string]candidate
}

func newPool() *candidatePool {
	return &candidatePool{bySig: make(map[string]candidate)}
}

func (p *candidatePool) add(c candidate) {
	sig := c.signature()
	if prev, ok := p.bySig[sig]; ok && prev.priority >= c.priority {
		return
	}
	p.bySig[sig] = c
}

func (p *candidatePool) has(sig string) bool {
	_, ok := p.bySig[sig]
	return ok
}

// sorted orders by priority desc, then signature asc.
func (p *candidatePool) sorted() []candidate {
	out := make([]candidate, 0, len(p.bySig))
	for _, c := range p.bySig {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].signature() < out[j].signature()
	})
	return out
}

func (p *candidatePool) top(n int) []candidate {
	out := p.sorted()
	if len(out) > n {
		out = out[:n]
	}
	return out
}
