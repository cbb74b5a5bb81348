package shadow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aonescu/aegis/internal/chaos"
	"github.com/aonescu/aegis/internal/cluster"
	"github.com/aonescu/aegis/internal/metrics"
	"github.com/aonescu/aegis/internal/plan"
	"github.com/aonescu/aegis/internal/sim"
)

// HistoryView is the read side of chaos.History.
type HistoryView interface {
	LikelyNext(class string) (chaos.Event, bool)
	Worst(class string) ([]chaos.Event, bool)
}

// Scenario carries what the branches need beyond the live state.
type Scenario struct {
	Seed    uint64
	Class   string
	Nominal chaos.Schedule
}

type Config struct {
	Horizon   int     `json:"horizon" mapstructure:"horizon"`
	Workers   int     `json:"workers" mapstructure:"workers"`
	CacheSize int     `json:"cache_size" mapstructure:"cache_size"`
	Weights   Weights `json:"weights" mapstructure:"weights"`
	Scoring   Scoring `json:"scoring" mapstructure:"scoring"`
}

func DefaultConfig() Config {
	return Config{
		Horizon:   8,
		Workers:   4,
		CacheSize: 1024,
		Weights:   DefaultWeights(),
		Scoring:   DefaultScoring(),
	}
}

// Shadower simulates plans through three futures on a bounded worker pool.
type Shadower struct {
	cfg    Config
	engine *sim.Engine
	cache  *lru.Cache[string, Outcome]
	logger *zap.Logger
}

func NewShadower(cfg Config, engine *sim.Engine, logger *zap.Logger) (*Shadower, error) {
	if cfg.Horizon <= 0 {
		return nil, fmt.Errorf("shadow horizon must be positive, got %d", cfg.Horizon)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sh := &Shadower{cfg: cfg, engine: engine, logger: logger}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, Outcome](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create outcome cache: %w", err)
		}
		sh.cache = cache
	}
	return sh, nil
}

func (sh *Shadower) Config() Config { return sh.cfg }

// Schedules builds the chaos schedule of every branch for a state at tick t0.
// With no history for the class the likely branch falls back to the most
// frequent pending nominal event and the worst branch replays the nominal
// schedule.
func Schedules(scen Scenario, hist HistoryView, t0 int) [3]chaos.Schedule {
	var out [3]chaos.Schedule
	out[0] = scen.Nominal

	var likely chaos.Event
	found := false
	if hist != nil {
		likely, found = hist.LikelyNext(scen.Class)
	}
	if !found {
		likely, found = mostFrequent(scen.Nominal.After(t0))
	}
	if found {
		out[1] = scen.Nominal.With(chaos.Rebase([]chaos.Event{likely}, t0+1, "likely-")...)
	} else {
		out[1] = scen.Nominal
	}

	var worst []chaos.Event
	ok := false
	if hist != nil {
		worst, ok = hist.Worst(scen.Class)
	}
	if !ok {
		worst = scen.Nominal
	}
	out[2] = scen.Nominal.With(chaos.Rebase(worst, t0+1, "worst-")...)
	return out
}

func mostFrequent(events chaos.Schedule) (chaos.Event, bool) {
	if len(events) == 0 {
		return chaos.Event{}, false
	}
	counts := make(map[string]int)
	first := make(map[string]chaos.Event)
	for _, e := range events {
		k := e.Key()
		counts[k]++
		if prev, ok := first[k]; !ok || e.Tick < prev.Tick {
			first[k] = e
		}
	}
	best := ""
	for k, n := range counts {
		if best == "" || n > counts[best] || (n == counts[best] && k < best) {
			best = k
		}
	}
	return first[best], true
}

type job struct {
	plan     plan.Plan
	branch   Branch
	schedule chaos.Schedule
	slot     *Outcome
}

// Shadow runs one plan through its three futures.
func (sh *Shadower) Shadow(ctx context.Context, p plan.Plan, s *cluster.State, scen Scenario, hist HistoryView) ([3]Outcome, error) {
	all, err := sh.ShadowAll(ctx, []plan.Plan{p}, s, scen, hist)
	if err != nil {
		return [3]Outcome{}, err
	}
	return all[0], nil
}

// ShadowAll runs len(plans)×3 branches on the worker pool. Results are in
// plan order, branches in Branches order, independent of scheduling.
func (sh *Shadower) ShadowAll(ctx context.Context, plans []plan.Plan, s *cluster.State, scen Scenario, hist HistoryView) ([][3]Outcome, error) {
	results := make([][3]Outcome, len(plans))
	schedules := Schedules(scen, hist, s.Tick)
	parent := s.Hash()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sh.cfg.Workers)
	for i := range plans {
		for b, branch := range Branches {
			j := job{plan: plans[i], branch: branch, schedule: schedules[b], slot: &results[i][b]}
			g.Go(func() error {
				return sh.runBranch(gctx, j, s, parent, scen.Seed)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("shadow plans: %w", err)
	}
	return results, nil
}

func (sh *Shadower) runBranch(ctx context.Context, j job, s *cluster.State, parent string, seed uint64) error {
	labels := []string{j.plan.ID, string(j.branch)}
	rngSeed := sim.SeedOf(seed, labels...)
	horizon := max(sh.cfg.Horizon, len(j.plan.Actions))
	key := cacheKey(parent, j.plan.Signature(), j.branch, rngSeed, horizon, j.schedule)

	if sh.cache != nil {
		if cached, ok := sh.cache.Get(key); ok {
			out := cached.clone()
			out.PlanID = j.plan.ID
			*j.slot = out
			metrics.BranchesTotal.WithLabelValues(string(j.branch), "cached").Inc()
			return nil
		}
	}

	start := time.Now()
	fork := s.Clone()
	fork.Lineage = cluster.Lineage{Parent: parent, Branch: string(j.branch)}
	traj, err := Run(ctx, sh.engine, fork, j.plan.Actions, j.schedule, sim.NewRand(seed, labels...), horizon, sh.cfg.Scoring)
	metrics.BranchDuration.WithLabelValues(string(j.branch)).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	out := traj.Outcome
	out.PlanID = j.plan.ID
	out.Branch = j.branch
	out.Seed = rngSeed
	out.ParentHash = parent

	status := "ok"
	if out.Failed {
		status = "failed"
		sh.logger.Info("shadow branch failed",
			zap.String("plan", j.plan.ID),
			zap.String("branch", string(j.branch)),
			zap.String("fault", out.Fault))
	}
	metrics.BranchesTotal.WithLabelValues(string(j.branch), status).Inc()

	if sh.cache != nil {
		sh.cache.Add(key, out.clone())
	}
	*j.slot = out
	return nil
}

// cacheKey identifies a deterministic branch run. The seed is derived from
// the plan id, which is itself derived from the diagnosed state's hash, so an
// entry only hits when the same state is shadowed again, as happens on a
// repeated cycle or a second run over the same scenario.
func cacheKey(parent, signature string, b Branch, seed uint64, horizon int, schedule chaos.Schedule) string {
	return strings.Join([]string{
		parent,
		signature,
		string(b),
		strconv.FormatUint(seed, 10),
		strconv.Itoa(horizon),
		schedule.Fingerprint(),
	}, "|")
}

// CacheLen reports how many branch outcomes are memoised.
func (sh *Shadower) CacheLen() int {
	if sh.cache == nil {
		return 0
	}
	return sh.cache.Len()
}
