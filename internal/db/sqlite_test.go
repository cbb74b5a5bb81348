package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/aegis/internal/store"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_Records(t *testing.T) {
	exerciseStore(t, newSQLite(t))
}

func TestSQLiteStore_Book(t *testing.T) {
	exerciseBook(t, newSQLite(t))
}

func TestSQLiteStore_Events(t *testing.T) {
	exerciseEventLog(t, newSQLite(t))
}

func TestSQLiteStore_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "aegis.db")

	s, err := NewSQLiteStore(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, store.Record{Kind: store.KindRule, Key: "r", Value: []byte(`{}`)}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()

	var versions int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions`).Scan(&versions))
	assert.Equal(t, len(migrations), versions)

	rules, err := s.GetAll(ctx, store.KindRule)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}
