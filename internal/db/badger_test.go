package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/aegis/internal/store"
)

func newBadger(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerStore_Records(t *testing.T) {
	exerciseStore(t, newBadger(t))
}

func TestBadgerStore_Book(t *testing.T) {
	exerciseBook(t, newBadger(t))
}

func TestBadgerStore_KindsDoNotOverlap(t *testing.T) {
	s := newBadger(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, store.Record{Kind: "rule", Key: "x", Value: []byte(`{}`)}))
	require.NoError(t, s.Upsert(ctx, store.Record{Kind: "rules", Key: "y", Value: []byte(`{}`)}))

	got, err := s.GetAll(ctx, "rule")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Key)
}

func TestBadgerStore_PersistentRequiresPath(t *testing.T) {
	_, err := NewBadgerStore(BadgerConfig{}, nil)
	assert.Error(t, err)
}

func TestBadgerStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBadgerStore(BadgerConfig{Path: dir, SyncWrites: true}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, store.Record{Kind: store.KindBelief, Key: "k", Value: []byte(`{"key":"k"}`)}))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(BadgerConfig{Path: dir}, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetAll(ctx, store.KindBelief)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"key":"k"}`, string(got[0].Value))
}
