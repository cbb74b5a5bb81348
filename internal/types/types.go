package types

import "time"

// Fact is a flattened view of one simulated resource at a tick, keyed by
// field path the way the symptom invariants address it.
type Fact struct {
	UID       string                 `json:"uid"`
	Kind      string                 `json:"kind"`
	Namespace string                 `json:"namespace"`
	Name      string                 `json:"name"`
	Tick      int                    `json:"tick"`
	Owner     string                 `json:"owner,omitempty"`
	Fields    map[string]interface{} `json:"fields"`
}

// EvaluationContext provides context for invariant evaluation
type EvaluationContext struct {
	Resource Fact
	Related  map[string]Fact // For dependency lookups
	Tick     int
}

type Stage string

const (
	StageDiagnosis  Stage = "diagnosis"
	StagePlans      Stage = "plans"
	StageShadow     Stage = "shadow"
	StagePareto     Stage = "pareto"
	StageSelection  Stage = "selection"
	StageApply      Stage = "apply"
	StageReflection Stage = "reflection"
	StageCommit     Stage = "commit"
)

// StageEvent is emitted after each pipeline stage of a decision cycle.
type StageEvent struct {
	RunID     string      `json:"run_id"`
	Scenario  string      `json:"scenario"`
	Cycle     int         `json:"cycle"`
	Stage     Stage       `json:"stage"`
	Tick      int         `json:"tick"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Sink receives stage events. Implementations must not block the pipeline.
type Sink interface {
	Emit(event StageEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(StageEvent)

func (f SinkFunc) Emit(event StageEvent) { f(event) }

// MultiSink fans one event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(event StageEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(event)
		}
	}
}
