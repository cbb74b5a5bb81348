package belief

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/store"
)

// Belief marks a hypothesis as forbidden with the given confidence.
type Belief struct {
	Key        string  `json:"key"`
	Kind       string  `json:"kind"`
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
	Evidence   int     `json:"evidence"`
	UpdatedRun string  `json:"updated_run"`
}

type Pattern struct {
	HypothesisKind string `json:"hypothesis_kind"`
	TargetKind     string `json:"target_kind"`
}

// ProceduralRule biases plan generation toward an action signature for
// diagnoses matching Pattern.
type ProceduralRule struct {
	ID             string  `json:"id"`
	Pattern        Pattern `json:"pattern"`
	Signature      string  `json:"signature"`
	Weight         float64 `json:"weight"`
	ProvenanceRun  string  `json:"provenance_run"`
	ProvenancePlan string  `json:"provenance_plan"`
}

// RuleID is stable for a pattern and signature so repeated lessons
// strengthen one rule.
func RuleID(p Pattern, signature string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(p.HypothesisKind+"|"+p.TargetKind+"|"+signature)).String()
}

// Matches reports whether the rule applies to a hypothesis and plan.
func (r ProceduralRule) Matches(kind, targetKind, signature string) bool {
	return r.Pattern.HypothesisKind == kind &&
		(r.Pattern.TargetKind == "" || r.Pattern.TargetKind == targetKind) &&
		r.Signature == signature
}

// View is the read-only face of the book handed to the diagnoser and the
// plan generator.
type View interface {
	Forbidden(key string) (Belief, bool)
	Beliefs() []Belief
	Rules() []ProceduralRule
}

// Update is the changeset a reflection produces. It is committed after the
// cycle completes.
type Update struct {
	Beliefs []Belief         `json:"beliefs,omitempty"`
	Forget  []string         `json:"forget,omitempty"`
	Rules   []ProceduralRule `json:"rules,omitempty"`
}

func (u Update) Empty() bool {
	return len(u.Beliefs) == 0 && len(u.Forget) == 0 && len(u.Rules) == 0
}

// Book holds beliefs and rules in memory and writes through to a store.
type Book struct {
	mu      sync.RWMutex
	beliefs map[string]Belief
	rules   map[string]ProceduralRule
	store   store.Store
	logger  *zap.Logger
}

func NewBook(s store.Store, logger *zap.Logger) *Book {
	if s == nil {
		s = store.NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		beliefs: make(map[string]Belief),
		rules:   make(map[string]ProceduralRule),
		store:   s,
		logger:  logger,
	}
}

// Load replaces the in-memory view with the store contents.
func (b *Book) Load(ctx context.Context) error {
	beliefRecs, err := b.store.GetAll(ctx, store.KindBelief)
	if err != nil {
		return fmt.Errorf("load beliefs: %w", err)
	}
	ruleRecs, err := b.store.GetAll(ctx, store.KindRule)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	beliefs := make(map[string]Belief, len(beliefRecs))
	for _, rec := range beliefRecs {
		var bl Belief
		if err := json.Unmarshal(rec.Value, &bl); err != nil {
			return fmt.Errorf("decode belief %s: %w", rec.Key, err)
		}
		beliefs[rec.Key] = bl
	}
	rules := make(map[string]ProceduralRule, len(ruleRecs))
	for _, rec := range ruleRecs {
		var r ProceduralRule
		if err := json.Unmarshal(rec.Value, &r); err != nil {
			return fmt.Errorf("decode rule %s: %w", rec.Key, err)
		}
		rules[rec.Key] = r
	}

	b.mu.Lock()
	b.beliefs = beliefs
	b.rules = rules
	b.mu.Unlock()

	b.logger.Info("belief book loaded", zap.Int("beliefs", len(beliefs)), zap.Int("rules", len(rules)))
	return nil
}

func (b *Book) Forbidden(key string) (Belief, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bl, ok := b.beliefs[key]
	if !ok || bl.Confidence <= 0 {
		return Belief{}, false
	}
	return bl, true
}

// Beliefs returns all beliefs ordered by key.
func (b *Book) Beliefs() []Belief {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Belief, 0, len(b.beliefs))
	for _, bl := range b.beliefs {
		out = append(out, bl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Rules returns all rules ordered by id.
func (b *Book) Rules() []ProceduralRule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ProceduralRule, 0, len(b.rules))
	for _, r := range b.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply persists u in one batch and then updates the in-memory view. On a
// store error memory is left untouched.
func (b *Book) Apply(ctx context.Context, u Update) error {
	if u.Empty() {
		return nil
	}
	var muts []store.Mutation
	for _, bl := range u.Beliefs {
		raw, err := json.Marshal(bl)
		if err != nil {
			return fmt.Errorf("encode belief %s: %w", bl.Key, err)
		}
		muts = append(muts, store.Mutation{Op: store.OpUpsert, Record: store.Record{Kind: store.KindBelief, Key: bl.Key, Value: raw}})
	}
	for _, key := range u.Forget {
		muts = append(muts, store.Mutation{Op: store.OpDelete, Record: store.Record{Kind: store.KindBelief, Key: key}})
	}
	for _, r := range u.Rules {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode rule %s: %w", r.ID, err)
		}
		muts = append(muts, store.Mutation{Op: store.OpUpsert, Record: store.Record{Kind: store.KindRule, Key: r.ID, Value: raw}})
	}

	if err := store.Apply(ctx, b.store, muts); err != nil {
		return fmt.Errorf("commit belief update: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bl := range u.Beliefs {
		b.beliefs[bl.Key] = bl
	}
	for _, key := range u.Forget {
		delete(b.beliefs, key)
	}
	for _, r := range u.Rules {
		b.rules[r.ID] = r
	}
	b.logger.Debug("belief update committed",
		zap.Int("beliefs", len(u.Beliefs)),
		zap.Int("forgotten", len(u.Forget)),
		zap.Int("rules", len(u.Rules)))
	return nil
}

// Forget removes one belief or rule by key.
func (b *Book) Forget(ctx context.Context, kind, key string) error {
	if err := b.store.Delete(ctx, kind, key); err != nil {
		return fmt.Errorf("forget %s %s: %w", kind, key, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch kind {
	case store.KindBelief:
		delete(b.beliefs, key)
	case store.KindRule:
		delete(b.rules, key)
	}
	return nil
}

// Snapshot is an immutable copy of the book, safe to hand to workers.
type Snapshot struct {
	beliefs map[string]Belief
	rules   []ProceduralRule
}

func (b *Book) Snapshot() *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := &Snapshot{beliefs: make(map[string]Belief, len(b.beliefs))}
	for k, v := range b.beliefs {
		s.beliefs[k] = v
	}
	for _, r := range b.rules {
		s.rules = append(s.rules, r)
	}
	sort.Slice(s.rules, func(i, j int) bool { return s.rules[i].ID < s.rules[j].ID })
	return s
}

func (s *Snapshot) Forbidden(key string) (Belief, bool) {
	bl, ok := s.beliefs[key]
	if !ok || bl.Confidence <= 0 {
		return Belief{}, false
	}
	return bl, true
}

func (s *Snapshot) Beliefs() []Belief {
	out := make([]Belief, 0, len(s.beliefs))
	for _, bl := range s.beliefs {
		out = append(out, bl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Snapshot) Rules() []ProceduralRule {
	return append([]ProceduralRule(nil), s.rules...)
}
