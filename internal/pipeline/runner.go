package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/belief"
	"github.com/aonescu/aegis/internal/chaos"
	"github.com/aonescu/aegis/internal/cluster"
	"github.com/aonescu/aegis/internal/diagnosis"
	"github.com/aonescu/aegis/internal/metrics"
	"github.com/aonescu/aegis/internal/pareto"
	"github.com/aonescu/aegis/internal/plan"
	"github.com/aonescu/aegis/internal/planner"
	"github.com/aonescu/aegis/internal/reflection"
	"github.com/aonescu/aegis/internal/risk"
	"github.com/aonescu/aegis/internal/shadow"
	"github.com/aonescu/aegis/internal/sim"
	"github.com/aonescu/aegis/internal/types"
)

const tracerName = "github.com/aonescu/aegis/internal/pipeline"

type Config struct {
	// ObserveTicks is how long the live cluster runs before each diagnosis.
	ObserveTicks int               `json:"observe_ticks" mapstructure:"observe_ticks"`
	RiskGrowth   float64           `json:"risk_growth" mapstructure:"risk_growth"`
	Sim          sim.Config        `json:"sim" mapstructure:"sim"`
	Shadow       shadow.Config     `json:"shadow" mapstructure:"shadow"`
	Planner      planner.Config    `json:"planner" mapstructure:"planner"`
	Reflection   reflection.Config `json:"reflection" mapstructure:"reflection"`
}

func DefaultConfig() Config {
	return Config{
		ObserveTicks: 6,
		RiskGrowth:   risk.DefaultGrowth,
		Sim:          sim.DefaultConfig(),
		Shadow:       shadow.DefaultConfig(),
		Planner:      planner.DefaultConfig(),
		Reflection:   reflection.DefaultConfig(),
	}
}

type RunSpec struct {
	ScenarioID string       `json:"scenario_id"`
	Tier       planner.Tier `json:"tier"`
	Cycles     int          `json:"cycles"`
}

// Cycle is the full record of one decision cycle.
type Cycle struct {
	Index      int                  `json:"index"`
	Tick       int                  `json:"tick"`
	PreHealth  float64              `json:"pre_health"`
	Diagnosis  *diagnosis.Diagnosis `json:"diagnosis"`
	Plans      []plan.Plan          `json:"plans"`
	Outcomes   [][3]shadow.Outcome  `json:"outcomes"`
	Vectors    []pareto.Vector      `json:"vectors"`
	Selection  *pareto.Selection    `json:"selection,omitempty"`
	Utility    float64              `json:"utility"`
	Actual     shadow.Outcome       `json:"actual"`
	Chaos      []string             `json:"chaos,omitempty"`
	Reflection reflection.Update    `json:"reflection"`
}

type Result struct {
	RunID    string         `json:"run_id"`
	Scenario string         `json:"scenario"`
	Tier     planner.Tier   `json:"tier"`
	Cycles   []Cycle        `json:"cycles"`
	Final    *cluster.State `json:"-"`
}

// Runner drives decision cycles against a live simulated cluster. It is the
// only writer of the belief book.
type Runner struct {
	cfg       Config
	loader    Loader
	engine    *sim.Engine
	diagnoser *diagnosis.Diagnoser
	generator *planner.Generator
	shadower  *shadow.Shadower
	scorer    risk.Scorer
	reflector *reflection.Reflector
	book      *belief.Book
	history   *chaos.History
	sink      types.Sink
	tracer    trace.Tracer
	logger    *zap.Logger
}

func NewRunner(cfg Config, loader Loader, book *belief.Book, oracle diagnosis.Oracle, sink types.Sink, logger *zap.Logger) (*Runner, error) {
	if loader == nil {
		return nil, errors.New("pipeline requires a scenario loader")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if book == nil {
		book = belief.NewBook(nil, logger)
	}
	if sink == nil {
		sink = types.MultiSink(nil)
	}
	if cfg.ObserveTicks < 0 {
		cfg.ObserveTicks = 0
	}
	eng := sim.NewEngine(cfg.Sim, logger.Named("sim"))
	sh, err := shadow.NewShadower(cfg.Shadow, eng, logger.Named("shadow"))
	if err != nil {
		return nil, fmt.Errorf("create shadower: %w", err)
	}
	return &Runner{
		cfg:       cfg,
		loader:    loader,
		engine:    eng,
		diagnoser: diagnosis.NewDiagnoser(oracle, logger.Named("diagnosis")),
		generator: planner.NewGenerator(cfg.Planner, nil, logger.Named("planner")),
		shadower:  sh,
		scorer:    risk.NewScorer(cfg.RiskGrowth),
		reflector: reflection.NewReflector(cfg.Reflection, logger.Named("reflection")),
		book:      book,
		history:   chaos.NewHistory(),
		sink:      sink,
		tracer:    otel.Tracer(tracerName),
		logger:    logger,
	}, nil
}

func (r *Runner) History() *chaos.History { return r.history }

func (r *Runner) Book() *belief.Book { return r.book }

type run struct {
	id    string
	spec  RunSpec
	scen  *Scenario
	live  *cluster.State
	rng   *rand.Rand
	cycle int
}

// Run executes spec.Cycles decision cycles. Belief changes of a cycle are
// committed only once that cycle has completed.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (*Result, error) {
	if _, err := planner.ParseTier(int(spec.Tier)); err != nil {
		return nil, err
	}
	if spec.Cycles <= 0 {
		spec.Cycles = 1
	}
	scen, err := r.loader.Load(ctx, spec.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", spec.ScenarioID, err)
	}
	if scen.State == nil {
		return nil, fmt.Errorf("scenario %s has no initial state", spec.ScenarioID)
	}
	if scen.Class == "" {
		scen.Class = scen.ID
	}

	rs := &run{
		id:   uuid.NewString(),
		spec: spec,
		scen: scen,
		live: scen.State,
		rng:  sim.NewRand(scen.Seed, "live"),
	}
	ctx, span := r.tracer.Start(ctx, "aegis.run", trace.WithAttributes(
		attribute.String("run.id", rs.id),
		attribute.String("scenario", spec.ScenarioID),
		attribute.Int("tier", int(spec.Tier)),
	))
	defer span.End()

	r.logger.Info("run started",
		zap.String("run", rs.id),
		zap.String("scenario", spec.ScenarioID),
		zap.Int("tier", int(spec.Tier)),
		zap.Int("cycles", spec.Cycles))

	res := &Result{RunID: rs.id, Scenario: spec.ScenarioID, Tier: spec.Tier}
	tier := strconv.Itoa(int(spec.Tier))
	for rs.cycle = 0; rs.cycle < spec.Cycles; rs.cycle++ {
		c, err := r.runCycle(ctx, rs)
		if err != nil {
			metrics.CyclesTotal.WithLabelValues(tier, "error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("cycle %d: %w", rs.cycle, err)
		}
		status := "applied"
		if c.Selection == nil {
			status = "no_plan"
		}
		metrics.CyclesTotal.WithLabelValues(tier, status).Inc()
		res.Cycles = append(res.Cycles, c)
	}
	res.Final = rs.live

	r.logger.Info("run finished",
		zap.String("run", rs.id),
		zap.Int("tick", rs.live.Tick),
		zap.Float64("health", cluster.Health(rs.live)))
	return res, nil
}

func (r *Runner) runCycle(ctx context.Context, rs *run) (Cycle, error) {
	ctx, span := r.tracer.Start(ctx, "aegis.cycle", trace.WithAttributes(attribute.Int("cycle", rs.cycle)))
	defer span.End()

	if err := r.observe(ctx, rs); err != nil {
		return Cycle{}, err
	}
	c := Cycle{Index: rs.cycle, Tick: rs.live.Tick, PreHealth: cluster.Health(rs.live)}
	view := r.book.Snapshot()

	// Diagnosis
	sctx, sp := r.stage(ctx, types.StageDiagnosis)
	diag, err := r.diagnoser.Diagnose(sctx, rs.live, view)
	sp.End()
	if err != nil {
		return c, fmt.Errorf("diagnose: %w", err)
	}
	c.Diagnosis = diag
	r.emit(rs, types.StageDiagnosis, diag)

	// Plans
	_, sp = r.stage(ctx, types.StagePlans)
	c.Plans = r.generator.Generate(diag, rs.spec.Tier, view.Rules())
	sp.SetAttributes(attribute.Int("plans", len(c.Plans)))
	sp.End()
	r.emit(rs, types.StagePlans, c.Plans)

	// Shadow
	sctx, sp = r.stage(ctx, types.StageShadow)
	scen := shadow.Scenario{Seed: rs.scen.Seed, Class: rs.scen.Class, Nominal: rs.scen.Chaos}
	c.Outcomes, err = r.shadower.ShadowAll(sctx, c.Plans, rs.live, scen, r.history)
	sp.End()
	if err != nil {
		return c, err
	}
	r.emit(rs, types.StageShadow, c.Outcomes)

	// Pareto
	_, sp = r.stage(ctx, types.StagePareto)
	weights := r.shadower.Config().Weights
	for i, p := range c.Plans {
		c.Vectors = append(c.Vectors, pareto.Derive(p.ID, c.Outcomes[i][:], weights, r.scorer))
	}
	sp.End()
	r.emit(rs, types.StagePareto, c.Vectors)

	// Selection
	_, sp = r.stage(ctx, types.StageSelection)
	sel, err := pareto.Select(c.Plans, c.Vectors)
	switch {
	case errors.Is(err, pareto.ErrNoViablePlan):
		r.logger.Warn("no viable plan, applying none",
			zap.String("run", rs.id),
			zap.Int("cycle", rs.cycle),
			zap.Int("plans", len(c.Plans)))
	case err != nil:
		sp.End()
		return c, fmt.Errorf("select plan: %w", err)
	default:
		c.Selection = &sel
		c.Utility = rs.scen.Objectives.Utility(sel.Vector)
		metrics.SelectedPlanRisk.Observe(sel.Vector.PropagationRisk)
		sp.SetAttributes(attribute.String("plan", sel.Plan.ID))
	}
	sp.End()
	r.emit(rs, types.StageSelection, c.Selection)

	// Apply
	_, sp = r.stage(ctx, types.StageApply)
	var actions []plan.Action
	selected := -1
	if c.Selection != nil {
		actions = c.Selection.Plan.Actions
		for i, p := range c.Plans {
			if p.ID == c.Selection.Plan.ID {
				selected = i
			}
		}
	}
	events, err := r.live(ctx, rs, actions, &c)
	sp.End()
	if err != nil {
		return c, err
	}
	r.emit(rs, types.StageApply, c.Actual)

	// Reflection
	if c.Selection != nil {
		_, sp = r.stage(ctx, types.StageReflection)
		in := reflection.Input{
			RunID:     rs.id,
			Diagnosis: diag,
			Applied:   c.Selection.Plan,
			Actual:    c.Actual,
			Predicted: c.Outcomes[selected],
			Chaos:     keys(events),
			PreHealth: c.PreHealth,
			Beliefs:   view,
		}
		for i, p := range c.Plans {
			if i != selected {
				in.Alternatives = append(in.Alternatives, reflection.Alternative{Plan: p, Outcomes: c.Outcomes[i]})
			}
		}
		c.Reflection = r.reflector.Reflect(in)
		sp.End()
		r.emit(rs, types.StageReflection, c.Reflection)
	}

	// Commit
	_, sp = r.stage(ctx, types.StageCommit)
	defer sp.End()
	if err := r.book.Apply(ctx, c.Reflection.Changes); err != nil {
		return c, err
	}
	metrics.BeliefsGauge.WithLabelValues("belief").Set(float64(len(r.book.Beliefs())))
	metrics.BeliefsGauge.WithLabelValues("rule").Set(float64(len(r.book.Rules())))
	r.emit(rs, types.StageCommit, c.Reflection.Changes)
	return c, nil
}

// observe advances the live cluster without intervention and feeds the
// chaos it saw into the history.
func (r *Runner) observe(ctx context.Context, rs *run) error {
	var applied []chaos.Event
	low := cluster.Health(rs.live)
	for i := 0; i < r.cfg.ObserveTicks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, rep, err := r.engine.Advance(rs.live, rs.scen.Chaos, rs.rng)
		if err != nil {
			return fmt.Errorf("observe live cluster: %w", err)
		}
		rs.live = next
		metrics.TicksTotal.Inc()
		applied = append(applied, appliedEvents(rep)...)
		low = min(low, rep.Health)
	}
	r.history.Record(rs.scen.Class, applied, low)
	return nil
}

// live runs the chosen actions on the real cluster over the shadow horizon.
func (r *Runner) live(ctx context.Context, rs *run, actions []plan.Action, c *Cycle) ([]chaos.Event, error) {
	horizon := r.shadower.Config().Horizon
	traj, err := shadow.Run(ctx, r.engine, rs.live, actions, rs.scen.Chaos, rs.rng, horizon, r.shadower.Config().Scoring)
	if err != nil {
		return nil, fmt.Errorf("apply plan: %w", err)
	}
	if traj.Outcome.Failed {
		return nil, fmt.Errorf("apply plan: live cluster faulted: %s", traj.Outcome.Fault)
	}
	var events []chaos.Event
	for _, rep := range traj.Reports {
		events = append(events, appliedEvents(rep)...)
	}
	metrics.TicksTotal.Add(float64(len(traj.Reports)))
	rs.live = traj.Final
	c.Actual = traj.Outcome
	c.Actual.Branch = shadow.Main
	if c.Selection != nil {
		c.Actual.PlanID = c.Selection.Plan.ID
	}
	c.Chaos = keys(events)
	r.history.Record(rs.scen.Class, events, traj.Outcome.MinHealth)
	return events, nil
}

func appliedEvents(rep *sim.TickReport) []chaos.Event {
	var out []chaos.Event
	for _, res := range rep.Chaos {
		if res.Status == chaos.Applied {
			out = append(out, res.Event)
		}
	}
	return out
}

func keys(events []chaos.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Key()
	}
	return out
}

func (r *Runner) stage(ctx context.Context, s types.Stage) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "aegis."+string(s))
}

func (r *Runner) emit(rs *run, s types.Stage, payload interface{}) {
	r.sink.Emit(types.StageEvent{
		RunID:     rs.id,
		Scenario:  rs.scen.ID,
		Cycle:     rs.cycle,
		Stage:     s,
		Tick:      rs.live.Tick,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
