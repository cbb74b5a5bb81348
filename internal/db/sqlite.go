package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/aonescu/aegis/internal/store"
	"github.com/aonescu/aegis/internal/types"
)

// Timestamps are stored as unix nanoseconds.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS memory_records (
    kind        TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (kind, key)
);
CREATE INDEX IF NOT EXISTS idx_memory_records_kind ON memory_records(kind);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS stage_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL,
    scenario    TEXT NOT NULL DEFAULT '',
    cycle       INTEGER NOT NULL,
    stage       TEXT NOT NULL,
    tick        INTEGER NOT NULL,
    timestamp   INTEGER NOT NULL,
    payload     TEXT
);
CREATE INDEX IF NOT EXISTS idx_stage_events_run ON stage_events(run_id, id);
`,
	},
}

// SQLiteStore is the embedded relational backend. Pass ":memory:" for a
// throwaway database.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at INTEGER NOT NULL
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`, m.version, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		s.logger.Debug("sqlite migration applied", zap.Int("version", m.version))
	}
	return nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, kind string) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT kind, key, value, updated_at FROM memory_records
        WHERE kind = ? ORDER BY key`, kind)
	if err != nil {
		return nil, fmt.Errorf("query %s records: %w", kind, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var (
			rec     store.Record
			value   string
			updated int64
		)
		if err := rows.Scan(&rec.Kind, &rec.Key, &value, &updated); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Value = []byte(value)
		rec.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec store.Record) error {
	return s.ApplyBatch(ctx, []store.Mutation{{Op: store.OpUpsert, Record: rec}})
}

func (s *SQLiteStore) Delete(ctx context.Context, kind, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE kind = ? AND key = ?`, kind, key); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, key, err)
	}
	return nil
}

func (s *SQLiteStore) ApplyBatch(ctx context.Context, muts []store.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range muts {
		switch m.Op {
		case store.OpUpsert:
			updated := m.Record.UpdatedAt
			if updated.IsZero() {
				updated = time.Now().UTC()
			}
			_, err = tx.ExecContext(ctx, `
                INSERT INTO memory_records(kind, key, value, updated_at) VALUES(?, ?, ?, ?)
                ON CONFLICT(kind, key) DO UPDATE SET
                    value = excluded.value,
                    updated_at = excluded.updated_at`,
				m.Record.Kind, m.Record.Key, string(m.Record.Value), updated.UnixNano())
		case store.OpDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM memory_records WHERE kind = ? AND key = ?`, m.Record.Kind, m.Record.Key)
		default:
			err = fmt.Errorf("unknown op %q", m.Op)
		}
		if err != nil {
			return fmt.Errorf("apply %s %s/%s: %w", m.Op, m.Record.Kind, m.Record.Key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events []types.StageEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", e.Stage, err)
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO stage_events(run_id, scenario, cycle, stage, tick, timestamp, payload)
            VALUES(?, ?, ?, ?, ?, ?, ?)`,
			e.RunID, e.Scenario, e.Cycle, string(e.Stage), e.Tick, e.Timestamp.UnixNano(), string(payload))
		if err != nil {
			return fmt.Errorf("insert stage event: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Events(ctx context.Context, runID string, limit int) ([]types.StageEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT run_id, scenario, cycle, stage, tick, timestamp, payload
        FROM stage_events WHERE run_id = ?
        ORDER BY id DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	var events []types.StageEvent
	for rows.Next() {
		var (
			e       types.StageEvent
			stage   string
			ts      int64
			payload sql.NullString
		)
		if err := rows.Scan(&e.RunID, &e.Scenario, &e.Cycle, &stage, &e.Tick, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		e.Stage = types.Stage(stage)
		e.Timestamp = time.Unix(0, ts).UTC()
		if payload.Valid && payload.String != "null" {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append([]types.StageEvent{e}, events...)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
