package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/aonescu/aegis/internal/chaos"
	"github.com/aonescu/aegis/internal/cluster"
	"github.com/aonescu/aegis/internal/pareto"
)

var ErrUnknownScenario = errors.New("unknown scenario")

// Scenario is everything a run needs to start: the initial cluster, the
// nominal chaos schedule and the knobs that seed and weigh it.
type Scenario struct {
	ID         string
	Class      string
	Seed       uint64
	State      *cluster.State
	Chaos      chaos.Schedule
	// Objectives weigh the selected plan's vector into the reported cycle
	// utility. They do not influence which plan is selected; selection is
	// the Pareto front with its fixed tie-break order.
	Objectives pareto.Objectives
}

// Loader resolves scenario ids. Errors are fatal to the run.
type Loader interface {
	Load(ctx context.Context, id string) (*Scenario, error)
}

// StaticLoader serves scenarios held in memory.
type StaticLoader map[string]*Scenario

func (l StaticLoader) Load(ctx context.Context, id string) (*Scenario, error) {
	s, ok := l[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScenario, id)
	}
	out := *s
	out.State = s.State.Clone()
	return &out, nil
}
