package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/store"
)

type BadgerConfig struct {
	// Path is ignored when InMemory is set.
	Path       string `json:"path" mapstructure:"path"`
	InMemory   bool   `json:"in_memory" mapstructure:"in_memory"`
	SyncWrites bool   `json:"sync_writes" mapstructure:"sync_writes"`
}

// BadgerStore keeps records under "<kind>/<key>" keys in an embedded
// Badger database.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// badgerLogger routes Badger's internal logging to zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

func NewBadgerStore(cfg BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{s: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func badgerKey(kind, key string) []byte {
	return []byte(kind + "/" + key)
}

func (s *BadgerStore) GetAll(ctx context.Context, kind string) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []store.Record
	prefix := []byte(kind + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec store.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *BadgerStore) Upsert(ctx context.Context, rec store.Record) error {
	return s.ApplyBatch(ctx, []store.Mutation{{Op: store.OpUpsert, Record: rec}})
}

func (s *BadgerStore) Delete(ctx context.Context, kind, key string) error {
	return s.ApplyBatch(ctx, []store.Mutation{{Op: store.OpDelete, Record: store.Record{Kind: kind, Key: key}}})
}

// ApplyBatch applies every mutation in one read-write transaction.
func (s *BadgerStore) ApplyBatch(ctx context.Context, muts []store.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, m := range muts {
			k := badgerKey(m.Record.Kind, m.Record.Key)
			switch m.Op {
			case store.OpUpsert:
				rec := m.Record
				if rec.UpdatedAt.IsZero() {
					rec.UpdatedAt = time.Now().UTC()
				}
				raw, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("encode %s: %w", k, err)
				}
				if err := txn.Set(k, raw); err != nil {
					return fmt.Errorf("set %s: %w", k, err)
				}
			case store.OpDelete:
				if err := txn.Delete(k); err != nil {
					return fmt.Errorf("delete %s: %w", k, err)
				}
			default:
				return fmt.Errorf("unknown op %q", m.Op)
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
