package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/authority"
	"github.com/aonescu/aegis/internal/dsl"
	"github.com/aonescu/aegis/internal/dsl/invariants"
	"github.com/aonescu/aegis/internal/state"
	"github.com/aonescu/aegis/internal/types"
)

type ViolationResult struct {
	InvariantID      string       `json:"invariant_id"`
	Violated         bool         `json:"violated"`
	Reason           string       `json:"reason"`
	Field            string       `json:"field"`
	Cause            string       `json:"cause"`
	Candidates       []string     `json:"candidates"`
	EliminatedCauses []string     `json:"eliminated_causes"`
	AffectedResource string       `json:"affected_resource"`
	UID              string       `json:"uid"`
	Kind             string       `json:"kind"`
	Owner            string       `json:"owner,omitempty"`
	Tick             int          `json:"tick"`
	Severity         dsl.Severity `json:"severity"`
}

// InvariantEngine evaluates every registered invariant over one fact store.
type InvariantEngine struct {
	store      state.FactStore
	evalEngine *EvaluationEngine
}

func NewInvariantEngine(store state.FactStore, eval *EvaluationEngine) *InvariantEngine {
	if eval == nil {
		eval = NewEvaluationEngine(authority.NewCauseAuthorityMap(), nil)
	}
	return &InvariantEngine{store: store, evalEngine: eval}
}

func (e *InvariantEngine) GetInvariants() []dsl.Invariant {
	return e.evalEngine.Invariants()
}

// GetInvariantByID returns an invariant by its ID
func (e *InvariantEngine) GetInvariantByID(id string) (dsl.Invariant, bool) {
	return e.evalEngine.Invariant(id)
}

// EvaluateAll returns violations ordered by invariant id, then resource uid.
func (e *InvariantEngine) EvaluateAll() []*ViolationResult {
	var violations []*ViolationResult
	for _, inv := range e.GetInvariants() {
		violations = append(violations, e.Evaluate(inv)...)
	}
	return violations
}

func (e *InvariantEngine) Evaluate(inv dsl.Invariant) []*ViolationResult {
	var violations []*ViolationResult
	for _, subject := range e.store.GetLatestByKind(inv.Subject.Kind) {
		if inv.Subject.Namespace != "" && subject.Namespace != inv.Subject.Namespace {
			continue
		}
		ctx := types.EvaluationContext{
			Resource: subject,
			Related:  make(map[string]types.Fact),
			Tick:     subject.Tick,
		}
		if v := e.evalEngine.EvaluateWithContext(inv, ctx, e.store); v != nil {
			violations = append(violations, v)
		}
	}
	return violations
}

type EvaluationEngine struct {
	invariants    map[string]dsl.Invariant
	authorityMap  *authority.CauseAuthorityMap
	logger        *zap.Logger
	evaluationLog []EvaluationLogEntry
	mu            sync.RWMutex
}

type EvaluationLogEntry struct {
	InvariantID string
	ResourceUID string
	Result      bool
	Reason      string
	Tick        int
	Duration    time.Duration
}

func NewEvaluationEngine(authorityMap *authority.CauseAuthorityMap, logger *zap.Logger) *EvaluationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &EvaluationEngine{
		invariants:    make(map[string]dsl.Invariant),
		authorityMap:  authorityMap,
		logger:        logger,
		evaluationLog: make([]EvaluationLogEntry, 0),
	}
	engine.LoadDefaultInvariants()
	return engine
}

func (e *EvaluationEngine) LoadDefaultInvariants() {
	invs := invariants.GetSymptomInvariants()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inv := range invs {
		e.invariants[inv.ID] = inv
	}
	e.logger.Debug("loaded symptom invariants", zap.Int("count", len(invs)))
}

// Invariants returns the registered invariants sorted by id.
func (e *EvaluationEngine) Invariants() []dsl.Invariant {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]dsl.Invariant, 0, len(e.invariants))
	for _, inv := range e.invariants {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *EvaluationEngine) Invariant(id string) (dsl.Invariant, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inv, ok := e.invariants[id]
	return inv, ok
}

func (e *EvaluationEngine) AuthorityMap() *authority.CauseAuthorityMap {
	return e.authorityMap
}

func (e *EvaluationEngine) evaluateDependency(
	req dsl.Requirement,
	ctx types.EvaluationContext,
	store state.FactStore,
) *ViolationResult {

	reqInv, exists := e.Invariant(req.Invariant)
	if !exists {
		return nil
	}

	switch req.Scope.Relation {

	case dsl.Same:
		return e.EvaluateWithContext(reqInv, ctx, store)

	case dsl.Node:
		nodeName, ok := ctx.Resource.Fields["spec.nodeName"].(string)
		if !ok || nodeName == "" {
			return nil
		}
		node, ok := store.GetByUID(state.NodeUID(nodeName))
		if !ok {
			return nil
		}
		ctx.Related[node.UID] = node
		return e.EvaluateWithContext(reqInv, types.EvaluationContext{Resource: node, Related: ctx.Related, Tick: ctx.Tick}, store)

	case dsl.Owner:
		if ctx.Resource.Owner == "" {
			return nil
		}
		owner, ok := store.GetByUID(state.WorkloadUID(ctx.Resource.Owner))
		if !ok {
			return nil
		}
		ctx.Related[owner.UID] = owner
		return e.EvaluateWithContext(reqInv, types.EvaluationContext{Resource: owner, Related: ctx.Related, Tick: ctx.Tick}, store)

	default:
		return &ViolationResult{
			InvariantID: reqInv.ID,
			Violated:    true,
			Reason:      "Unknown dependency relation",
		}
	}
}

// EvaluateWithContext checks the predicate and, when it fails, walks the
// requirements so the violation is attributed to the deepest broken one.
func (e *EvaluationEngine) EvaluateWithContext(inv dsl.Invariant, ctx types.EvaluationContext, store state.FactStore) *ViolationResult {
	startTime := time.Now()

	result := &ViolationResult{
		InvariantID:      inv.ID,
		AffectedResource: affected(ctx.Resource),
		UID:              ctx.Resource.UID,
		Kind:             ctx.Resource.Kind,
		Owner:            ctx.Resource.Owner,
		Tick:             ctx.Tick,
		Severity:         inv.Severity,
	}

	if inv.Predicate != nil {
		satisfied, reason := e.evaluatePredicateWithReason(*inv.Predicate, ctx.Resource)
		if satisfied {
			e.logEvaluation(inv.ID, ctx.Resource.UID, true, "satisfied", ctx.Tick, time.Since(startTime))
			return nil
		}
		result.Violated = true
		result.Reason = reason
		result.Field = inv.Predicate.Field
		result.Cause = e.determineCause(inv)
		result.Candidates = append([]string(nil), e.authorityMap.GetAuthorizedCauses(inv.Predicate.Field)...)
		result.EliminatedCauses = e.eliminateCauses(inv.Predicate.Field, result.Cause)
	}

	for _, req := range inv.Requires {
		depViolation := e.evaluateDependency(req, ctx, store)
		if depViolation == nil {
			continue
		}
		result.Violated = true
		result.Reason = fmt.Sprintf("Dependency %s failed: %s", req.Invariant, depViolation.Reason)
		result.Field = depViolation.Field
		result.Cause = depViolation.Cause
		result.Candidates = depViolation.Candidates
		result.EliminatedCauses = depViolation.EliminatedCauses
		break
	}

	if !result.Violated {
		e.logEvaluation(inv.ID, ctx.Resource.UID, true, "satisfied", ctx.Tick, time.Since(startTime))
		return nil
	}
	e.logEvaluation(inv.ID, ctx.Resource.UID, false, result.Reason, ctx.Tick, time.Since(startTime))
	return result
}

func affected(f types.Fact) string {
	if f.Namespace == "" {
		return fmt.Sprintf("%s/%s", f.Kind, f.Name)
	}
	return fmt.Sprintf("%s/%s", f.Namespace, f.Name)
}

func (e *EvaluationEngine) evaluatePredicateWithReason(pred dsl.Predicate, subject types.Fact) (bool, string) {
	value, exists := subject.Fields[pred.Field]

	switch pred.Operator {
	case dsl.Exists:
		if !exists {
			return false, fmt.Sprintf("Field %s does not exist", pred.Field)
		}
		return true, ""

	case dsl.Equals:
		if !exists {
			return false, fmt.Sprintf("Field %s does not exist (expected: %v)", pred.Field, pred.Value)
		}
		if value != pred.Value {
			return false, fmt.Sprintf("Field %s is '%v' (expected: %v)", pred.Field, value, pred.Value)
		}
		return true, ""

	case dsl.NotEquals:
		if !exists {
			return true, ""
		}
		if value == pred.Value {
			return false, fmt.Sprintf("Field %s is '%v' (must not equal: %v)", pred.Field, value, pred.Value)
		}
		return true, ""

	case dsl.GreaterThan, dsl.LessThan:
		if !exists {
			return false, fmt.Sprintf("Field %s does not exist", pred.Field)
		}
		numValue, ok := toNumber(value)
		if !ok {
			return false, fmt.Sprintf("Field %s is not numeric: %v", pred.Field, value)
		}
		expectedNum, ok := toNumber(pred.Value)
		if !ok {
			return false, "Comparison value is not numeric"
		}
		if pred.Operator == dsl.GreaterThan && numValue <= expectedNum {
			return false, fmt.Sprintf("Field %s is %.3g (must be > %v)", pred.Field, numValue, expectedNum)
		}
		if pred.Operator == dsl.LessThan && numValue >= expectedNum {
			return false, fmt.Sprintf("Field %s is %.3g (must be < %v)", pred.Field, numValue, expectedNum)
		}
		return true, ""

	default:
		return false, fmt.Sprintf("Unknown operator: %s", pred.Operator)
	}
}

func (e *EvaluationEngine) determineCause(inv dsl.Invariant) string {
	if inv.Predicate == nil {
		return inv.Cause.Primary
	}
	authorized := e.authorityMap.GetAuthorizedCauses(inv.Predicate.Field)
	if len(authorized) == 1 {
		return authorized[0]
	}
	for _, c := range authorized {
		if c == inv.Cause.Primary {
			return c
		}
	}
	for _, c := range authorized {
		if c == inv.Cause.Secondary {
			return c
		}
	}
	return inv.Cause.Primary
}

func (e *EvaluationEngine) eliminateCauses(field string, primary string) []string {
	authorized := e.authorityMap.GetAuthorizedCauses(field)

	var eliminated []string
	for _, cause := range e.authorityMap.GetAllCauses() {
		if cause != primary && !contains(authorized, cause) {
			eliminated = append(eliminated, cause)
		}
	}
	return eliminated
}

func (e *EvaluationEngine) logEvaluation(invID, resourceUID string, result bool, reason string, tick int, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.evaluationLog = append(e.evaluationLog, EvaluationLogEntry{
		InvariantID: invID,
		ResourceUID: resourceUID,
		Result:      result,
		Reason:      reason,
		Tick:        tick,
		Duration:    duration,
	})

	// Keep only last 1000 entries
	if len(e.evaluationLog) > 1000 {
		e.evaluationLog = e.evaluationLog[len(e.evaluationLog)-1000:]
	}
}

func (e *EvaluationEngine) GetEvaluationStats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	totalEvaluations := len(e.evaluationLog)
	violations := 0
	var totalDuration time.Duration

	for _, entry := range e.evaluationLog {
		if !entry.Result {
			violations++
		}
		totalDuration += entry.Duration
	}

	avgDuration := time.Duration(0)
	if totalEvaluations > 0 {
		avgDuration = totalDuration / time.Duration(totalEvaluations)
	}

	return map[string]interface{}{
		"total_evaluations": totalEvaluations,
		"violations_found":  violations,
		"avg_duration_us":   avgDuration.Microseconds(),
		"total_invariants":  len(e.invariants),
	}
}

func toNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
