package shadow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/aegis/internal/chaos"
	"github.com/aonescu/aegis/internal/cluster"
	"github.com/aonescu/aegis/internal/plan"
	"github.com/aonescu/aegis/internal/sim"
)

func quietEngine() *sim.Engine {
	cfg := sim.DefaultConfig()
	cfg.Noise = 0
	return sim.NewEngine(cfg, nil)
}

func settledState(t *testing.T, eng *sim.Engine) *cluster.State {
	t.Helper()
	s := cluster.NewState()
	s.Nodes["n1"] = &cluster.Node{ID: "n1", Capacity: cluster.MustResources("4", "8Gi")}
	s.Nodes["n2"] = &cluster.Node{ID: "n2", Capacity: cluster.MustResources("4", "8Gi")}
	s.Workloads["api"] = &cluster.Workload{
		ID:              "api",
		Kind:            cluster.Deployment,
		Namespace:       "default",
		DesiredReplicas: 3,
		Template: cluster.PodTemplate{
			Requests: cluster.MustResources("250m", "256Mi"),
			Limits:   cluster.MustResources("500m", "512Mi"),
		},
	}
	rng := sim.NewRand(1, "settle")
	for i := 0; i < 4; i++ {
		next, _, err := eng.Advance(s, nil, rng)
		require.NoError(t, err)
		s = next
	}
	require.Equal(t, 1.0, cluster.Health(s))
	return s
}

func oomScenario() Scenario {
	return Scenario{
		Seed:  42,
		Class: "oom",
		Nominal: chaos.Schedule{{
			ID:        "storm",
			Kind:      chaos.OOMStorm,
			Tick:      5,
			Target:    chaos.Target{Workload: "api"},
			Magnitude: 512 << 20,
		}},
	}
}

func testPlans() []plan.Plan {
	mk := func(id string, actions ...plan.Action) plan.Plan {
		return plan.Plan{ID: id, Actions: actions}
	}
	return []plan.Plan{
		mk("observe", plan.Action{Type: plan.Observe, Amount: 1}),
		mk("raise", plan.Action{Type: plan.RaiseMemoryLimit, Target: "workload/api", Amount: 1 << 30}),
		mk("scale", plan.Action{Type: plan.ScaleWorkload, Target: "workload/api", Amount: 1}),
	}
}

func newShadower(t *testing.T, eng *sim.Engine, workers int) *Shadower {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = workers
	sh, err := NewShadower(cfg, eng, nil)
	require.NoError(t, err)
	return sh
}

func TestShadowAll_ShapeAndOrder(t *testing.T) {
	eng := quietEngine()
	s := settledState(t, eng)
	plans := testPlans()

	results, err := newShadower(t, eng, 4).ShadowAll(context.Background(), plans, s, oomScenario(), chaos.NewHistory())
	require.NoError(t, err)
	require.Len(t, results, len(plans))

	for i, outs := range results {
		for b, o := range outs {
			assert.Equal(t, plans[i].ID, o.PlanID)
			assert.Equal(t, Branches[b], o.Branch)
			assert.Equal(t, s.Hash(), o.ParentHash)
			assert.Len(t, o.HealthTrace, DefaultConfig().Horizon)
			assert.False(t, o.Failed)
		}
	}
}

func TestShadowAll_IndependentOfWorkerCount(t *testing.T) {
	eng := sim.NewEngine(sim.DefaultConfig(), nil)
	s := settledState(t, eng)

	serial, err := newShadower(t, eng, 1).ShadowAll(context.Background(), testPlans(), s, oomScenario(), nil)
	require.NoError(t, err)
	parallel, err := newShadower(t, eng, 8).ShadowAll(context.Background(), testPlans(), s, oomScenario(), nil)
	require.NoError(t, err)
	assert.Equal(t, serial, parallel)
}

func TestShadowAll_Isolation(t *testing.T) {
	eng := quietEngine()
	s := settledState(t, eng)
	before := s.Hash()

	_, err := newShadower(t, eng, 8).ShadowAll(context.Background(), testPlans(), s, oomScenario(), nil)
	require.NoError(t, err)
	assert.Equal(t, before, s.Hash())
}

func TestShadowAll_CachesDeterministicBranches(t *testing.T) {
	eng := quietEngine()
	s := settledState(t, eng)
	sh := newShadower(t, eng, 2)

	first, err := sh.ShadowAll(context.Background(), testPlans(), s, oomScenario(), nil)
	require.NoError(t, err)
	cached := sh.CacheLen()
	assert.Equal(t, 9, cached)

	second, err := sh.ShadowAll(context.Background(), testPlans(), s, oomScenario(), nil)
	require.NoError(t, err)
	assert.Equal(t, cached, sh.CacheLen())
	assert.Equal(t, first, second)
}

func TestShadowAll_CacheMissesOnNewState(t *testing.T) {
	eng := quietEngine()
	s := settledState(t, eng)
	sh := newShadower(t, eng, 2)

	_, err := sh.ShadowAll(context.Background(), testPlans(), s, oomScenario(), nil)
	require.NoError(t, err)
	require.Equal(t, 9, sh.CacheLen())

	next, _, err := eng.Advance(s, nil, sim.NewRand(1, "next"))
	require.NoError(t, err)
	require.NotEqual(t, s.Hash(), next.Hash())

	_, err = sh.ShadowAll(context.Background(), testPlans(), next, oomScenario(), nil)
	require.NoError(t, err)
	assert.Equal(t, 18, sh.CacheLen())
}

func TestShadow_MemoryRaiseSurvivesWorstBranch(t *testing.T) {
	eng := quietEngine()
	s := settledState(t, eng)
	sh := newShadower(t, eng, 2)
	plans := testPlans()

	observe, err := sh.Shadow(context.Background(), plans[0], s, oomScenario(), nil)
	require.NoError(t, err)
	raise, err := sh.Shadow(context.Background(), plans[1], s, oomScenario(), nil)
	require.NoError(t, err)

	// The worst branch replays the storm right away; a bigger limit absorbs it.
	assert.Greater(t, raise[2].MinHealth, observe[2].MinHealth)
	assert.Greater(t, raise[2].Resilience, observe[2].Resilience)
	assert.NotEmpty(t, observe[2].Chaos)
}

func TestShadow_FaultMarksBranchFailed(t *testing.T) {
	eng := quietEngine()
	s := settledState(t, eng)
	broken := s.Clone()
	broken.Nodes["n1"].Allocated = cluster.MustResources("64", "1Ti")

	outs, err := newShadower(t, eng, 2).Shadow(context.Background(), testPlans()[0], broken, oomScenario(), nil)
	require.NoError(t, err)
	for _, o := range outs {
		assert.True(t, o.Failed)
		assert.Contains(t, o.Fault, "simulation fault")
	}
	assert.True(t, AllFailed(outs[:]))
	assert.Zero(t, Resilience(outs[:], DefaultWeights()))
}

func TestShadowAll_Cancelled(t *testing.T) {
	eng := quietEngine()
	s := settledState(t, eng)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultConfig()
	cfg.CacheSize = 0
	sh, err := NewShadower(cfg, eng, nil)
	require.NoError(t, err)

	_, err = sh.ShadowAll(ctx, testPlans(), s, oomScenario(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSchedules(t *testing.T) {
	scen := oomScenario()

	t.Run("fallback to nominal", func(t *testing.T) {
		scheds := Schedules(scen, chaos.NewHistory(), 2)
		assert.Equal(t, scen.Nominal, scheds[0])
		require.Len(t, scheds[1], 2)
		assert.Equal(t, 3, scheds[1][1].Tick)
		assert.Equal(t, "likely-storm", scheds[1][1].ID)
		require.Len(t, scheds[2], 2)
		assert.Equal(t, "worst-storm", scheds[2][1].ID)
	})

	t.Run("history drives branches", func(t *testing.T) {
		h := chaos.NewHistory()
		cordon := chaos.Event{ID: "c1", Kind: chaos.NodeCordon, Tick: 9, Target: chaos.Target{Node: "n1"}}
		h.Record("oom", []chaos.Event{cordon}, 0.8)
		h.Record("oom", []chaos.Event{cordon}, 0.9)

		scheds := Schedules(scen, h, 10)
		assert.Equal(t, chaos.NodeCordon, scheds[1][1].Kind)
		assert.Equal(t, 11, scheds[1][1].Tick)
		assert.Equal(t, 11, scheds[2][1].Tick)
	})

	t.Run("nothing left to happen", func(t *testing.T) {
		scheds := Schedules(scen, nil, 6)
		assert.Len(t, scheds[1], 1)
	})
}

func TestWeights_Validate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())
	assert.Error(t, Weights{Main: 0.5, Likely: 0.3, Worst: 0.2}.Validate())
	assert.Error(t, Weights{}.Validate())
	assert.Error(t, Weights{Main: -1, Worst: 1}.Validate())

	_, err := NewShadower(Config{Horizon: 0}, quietEngine(), nil)
	assert.Error(t, err)
}
