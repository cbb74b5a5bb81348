package shadow

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/aonescu/aegis/internal/chaos"
	"github.com/aonescu/aegis/internal/cluster"
	"github.com/aonescu/aegis/internal/plan"
	"github.com/aonescu/aegis/internal/sim"
)

// Scoring constants for branch outcomes.
type Scoring struct {
	// ChurnPenalty is subtracted from stability per crash or removal per tick.
	ChurnPenalty float64 `json:"churn_penalty" mapstructure:"churn_penalty"`
	// CPUCoreCost and MemoryGiBCost price the mean reservation.
	CPUCoreCost   float64 `json:"cpu_core_cost" mapstructure:"cpu_core_cost"`
	MemoryGiBCost float64 `json:"memory_gib_cost" mapstructure:"memory_gib_cost"`
}

func DefaultScoring() Scoring {
	return Scoring{ChurnPenalty: 0.05, CPUCoreCost: 1.0, MemoryGiBCost: 0.25}
}

// Trajectory is a full run: the scored outcome plus the final state and the
// per-tick reports.
type Trajectory struct {
	Outcome Outcome
	Final   *cluster.State
	Reports []*sim.TickReport
}

// Run applies actions one per tick to s and advances at least horizon
// ticks under schedule. Step k is applied before tick k. s is not modified.
// A *sim.SimulationFault marks the outcome failed; other errors are returned.
func Run(ctx context.Context, eng *sim.Engine, s *cluster.State, actions []plan.Action, schedule chaos.Schedule, rng *rand.Rand, horizon int, sc Scoring) (*Trajectory, error) {
	horizon = max(horizon, len(actions))
	cur := s.Clone()
	traj := &Trajectory{
		Outcome: Outcome{
			ParentHash: s.Lineage.Parent,
			Horizon:    horizon,
		},
	}
	if traj.Outcome.ParentHash == "" {
		traj.Outcome.ParentHash = s.Hash()
	}

	out := &traj.Outcome
	prev := cluster.Health(cur)
	var cpu, mem float64
	for k := 0; k < horizon; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var step *plan.Action
		if k < len(actions) {
			step = &actions[k]
			plan.Apply(cur, *step)
		}

		next, rep, err := eng.Advance(cur, schedule, rng)
		if err != nil {
			var fault *sim.SimulationFault
			if errors.As(err, &fault) {
				out.Failed = true
				out.Fault = fault.Error()
				break
			}
			return nil, err
		}
		cur = next
		traj.Reports = append(traj.Reports, rep)

		h := rep.Health
		out.HealthTrace = append(out.HealthTrace, h)
		out.Churn += rep.Churn()
		for _, r := range rep.Chaos {
			if r.Status == chaos.Applied {
				out.Chaos = append(out.Chaos, r.Event.Key())
			}
		}
		if step != nil {
			out.StepRisks = append(out.StepRisks, step.Risk()*(1+max(0, prev-h)))
			out.Cost += step.Cost()
		}
		res := cluster.Reservation(cur)
		cpu += float64(res.CPU) / 1000
		mem += float64(res.Memory) / (1 << 30)
		prev = h
	}

	traj.Final = cur
	out.FinalHash = cur.Hash()
	if n := len(out.HealthTrace); n > 0 {
		sum, low := 0.0, out.HealthTrace[0]
		for _, h := range out.HealthTrace {
			sum += h
			low = min(low, h)
		}
		out.FinalHealth = out.HealthTrace[n-1]
		out.MinHealth = low
		out.Stability = sum/float64(n) - sc.ChurnPenalty*float64(out.Churn)/float64(n)
		out.Resilience = 0.5*low + 0.5*out.FinalHealth
		out.Cost += (cpu*sc.CPUCoreCost + mem*sc.MemoryGiBCost) / float64(n)
	}
	return traj, nil
}
