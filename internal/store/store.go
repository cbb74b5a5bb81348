package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aonescu/aegis/internal/types"
)

// Record kinds persisted by the belief book.
const (
	KindBelief = "belief"
	KindRule   = "rule"
)

var ErrClosed = errors.New("store closed")

// Record is one persisted belief or procedural rule. Value is opaque JSON.
type Record struct {
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

type Mutation struct {
	Op     Op
	Record Record
}

// Store is the key-value surface beliefs and rules are persisted through.
type Store interface {
	GetAll(ctx context.Context, kind string) ([]Record, error)
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, kind, key string) error
	Close() error
}

// Batcher is implemented by stores that can commit several mutations
// atomically.
type Batcher interface {
	ApplyBatch(ctx context.Context, muts []Mutation) error
}

// EventLog is implemented by stores that archive pipeline stage events.
type EventLog interface {
	AppendEvents(ctx context.Context, events []types.StageEvent) error
	// Events returns the most recent limit events of a run, oldest first.
	Events(ctx context.Context, runID string, limit int) ([]types.StageEvent, error)
}

// Apply commits muts through ApplyBatch when s supports it and falls back to
// sequential writes otherwise.
func Apply(ctx context.Context, s Store, muts []Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	if b, ok := s.(Batcher); ok {
		return b.ApplyBatch(ctx, muts)
	}
	for _, m := range muts {
		var err error
		switch m.Op {
		case OpUpsert:
			err = s.Upsert(ctx, m.Record)
		case OpDelete:
			err = s.Delete(ctx, m.Record.Kind, m.Record.Key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record // kind -> key -> record
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]Record)}
}

// GetAll returns records of kind ordered by key.
func (m *MemoryStore) GetAll(ctx context.Context, kind string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	byKey := m.records[kind]
	out := make([]Record, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.upsertLocked(rec)
	return nil
}

func (m *MemoryStore) upsertLocked(rec Record) {
	byKey, ok := m.records[rec.Kind]
	if !ok {
		byKey = make(map[string]Record)
		m.records[rec.Kind] = byKey
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Value = append([]byte(nil), rec.Value...)
	byKey[rec.Key] = rec
}

func (m *MemoryStore) Delete(ctx context.Context, kind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records[kind], key)
	return nil
}

// ApplyBatch applies all mutations under one lock.
func (m *MemoryStore) ApplyBatch(ctx context.Context, muts []Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, mu := range muts {
		switch mu.Op {
		case OpUpsert:
			m.upsertLocked(mu.Record)
		case OpDelete:
			delete(m.records[mu.Record.Kind], mu.Record.Key)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
