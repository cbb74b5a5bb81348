package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/store"
	"github.com/aonescu/aegis/internal/types"
)

// PostgresStore persists beliefs, procedural rules and stage events.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	-- Beliefs and procedural rules, one row per (kind, key)
	CREATE TABLE IF NOT EXISTS memory_records (
		kind TEXT NOT NULL,
		key TEXT NOT NULL,
		value JSONB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (kind, key)
	);
	CREATE INDEX IF NOT EXISTS idx_memory_records_kind ON memory_records(kind);

	-- Stage events: append-only run history
	CREATE TABLE IF NOT EXISTS stage_events (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		scenario TEXT,
		cycle INT NOT NULL,
		stage TEXT NOT NULL,
		tick INT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		payload JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_stage_events_run ON stage_events(run_id, id);
	CREATE INDEX IF NOT EXISTS idx_stage_events_timestamp ON stage_events(timestamp DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) GetAll(ctx context.Context, kind string) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, key, value, updated_at
		FROM memory_records
		WHERE kind = $1
		ORDER BY key
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", kind, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var rec store.Record
		if err := rows.Scan(&rec.Kind, &rec.Key, &rec.Value, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Upsert(ctx context.Context, rec store.Record) error {
	return s.ApplyBatch(ctx, []store.Mutation{{Op: store.OpUpsert, Record: rec}})
}

func (s *PostgresStore) Delete(ctx context.Context, kind, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE kind = $1 AND key = $2`, kind, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, key, err)
	}
	return nil
}

// ApplyBatch commits all mutations in one transaction.
func (s *PostgresStore) ApplyBatch(ctx context.Context, muts []store.Mutation) error {
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
				INSERT INTO memory_records (kind, key, value, updated_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (kind, key) DO UPDATE SET
					value = EXCLUDED.value,
					updated_at = EXCLUDED.updated_at
			`, m.Record.Kind, m.Record.Key, m.Record.Value, updated)
		case store.OpDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM memory_records WHERE kind = $1 AND key = $2`, m.Record.Kind, m.Record.Key)
		default:
			err = fmt.Errorf("unknown op %q", m.Op)
		}
		if err != nil {
			return fmt.Errorf("failed to apply %s %s/%s: %w", m.Op, m.Record.Kind, m.Record.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvents(ctx context.Context, events []types.StageEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", e.Stage, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stage_events (run_id, scenario, cycle, stage, tick, timestamp, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.RunID, e.Scenario, e.Cycle, string(e.Stage), e.Tick, e.Timestamp, payload)
		if err != nil {
			return fmt.Errorf("failed to insert stage event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.logger.Debug("stage events archived", zap.Int("count", len(events)))
	return nil
}

func (s *PostgresStore) Events(ctx context.Context, runID string, limit int) ([]types.StageEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, scenario, cycle, stage, tick, timestamp, payload
		FROM stage_events
		WHERE run_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// scanEvents reads newest-first rows and returns them oldest first.
func scanEvents(rows *sql.Rows) ([]types.StageEvent, error) {
	var events []types.StageEvent
	for rows.Next() {
		var (
			e        types.StageEvent
			scenario sql.NullString
			stage    string
			payload  []byte
		)
		if err := rows.Scan(&e.RunID, &scenario, &e.Cycle, &stage, &e.Tick, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan stage event: %w", err)
		}
		e.Scenario = scenario.String
		e.Stage = types.Stage(stage)
		if len(payload) > 0 && string(payload) != "null" {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
