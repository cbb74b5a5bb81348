package belief

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/aegis/internal/store"
)

type failingStore struct{ *store.MemoryStore }

func (f failingStore) ApplyBatch(ctx context.Context, muts []store.Mutation) error {
	return errors.New("disk full")
}

func TestBook_ApplyAndReload(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	book := NewBook(s, nil)

	rule := ProceduralRule{
		Pattern:   Pattern{HypothesisKind: "oom_storm", TargetKind: "workload"},
		Signature: "raise_memory_limit(workload/api,+256Mi)",
		Weight:    0.2,
	}
	rule.ID = RuleID(rule.Pattern, rule.Signature)

	err := book.Apply(ctx, Update{
		Beliefs: []Belief{
			{Key: "traffic_surge:workload/api", Kind: "traffic_surge", Target: "workload/api", Confidence: 0.4, Evidence: 1},
			{Key: "crash_loop:workload/api", Kind: "crash_loop", Target: "workload/api", Confidence: 0},
		},
		Rules: []ProceduralRule{rule},
	})
	require.NoError(t, err)

	_, ok := book.Forbidden("traffic_surge:workload/api")
	assert.True(t, ok)
	_, ok = book.Forbidden("crash_loop:workload/api")
	assert.False(t, ok, "zero confidence beliefs do not forbid")

	reloaded := NewBook(s, nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, book.Beliefs(), reloaded.Beliefs())
	assert.Equal(t, book.Rules(), reloaded.Rules())

	require.NoError(t, reloaded.Apply(ctx, Update{Forget: []string{"traffic_surge:workload/api"}}))
	_, ok = reloaded.Forbidden("traffic_surge:workload/api")
	assert.False(t, ok)
}

func TestBook_StoreFailureLeavesMemoryUntouched(t *testing.T) {
	book := NewBook(failingStore{store.NewMemoryStore()}, nil)

	err := book.Apply(context.Background(), Update{
		Beliefs: []Belief{{Key: "k", Confidence: 1}},
	})
	require.Error(t, err)
	assert.Empty(t, book.Beliefs())
}

func TestSnapshot_IsIsolated(t *testing.T) {
	ctx := context.Background()
	book := NewBook(nil, nil)
	require.NoError(t, book.Apply(ctx, Update{Beliefs: []Belief{{Key: "a", Confidence: 0.5}}}))

	snap := book.Snapshot()
	require.NoError(t, book.Apply(ctx, Update{Beliefs: []Belief{{Key: "b", Confidence: 0.5}}}))

	assert.Len(t, snap.Beliefs(), 1)
	assert.Len(t, book.Beliefs(), 2)
}

func TestRule_Matches(t *testing.T) {
	p := Pattern{HypothesisKind: "oom_storm", TargetKind: "workload"}
	r := ProceduralRule{ID: RuleID(p, "sig"), Pattern: p, Signature: "sig"}

	assert.Equal(t, r.ID, RuleID(p, "sig"))
	assert.True(t, r.Matches("oom_storm", "workload", "sig"))
	assert.False(t, r.Matches("oom_storm", "node", "sig"))
	assert.False(t, r.Matches("traffic_surge", "workload", "sig"))
	assert.False(t, r.Matches("oom_storm", "workload", "other"))
}
