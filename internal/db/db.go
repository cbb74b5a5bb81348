package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/store"
)

const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
	TypeBadger   = "badger"
)

// Types lists the supported store backends.
var Types = []string{TypeMemory, TypePostgres, TypeSQLite, TypeBadger}

type Config struct {
	Type string `json:"type" mapstructure:"type"`
	// DSN is the postgres connection string.
	DSN string `json:"dsn" mapstructure:"dsn"`
	// Path is the sqlite file.
	Path   string       `json:"path" mapstructure:"path"`
	Badger BadgerConfig `json:"badger" mapstructure:"badger"`
}

// Open builds the configured belief store.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (store.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		s   store.Store
		err error
	)
	switch cfg.Type {
	case "", TypeMemory:
		return store.NewMemoryStore(), nil
	case TypePostgres:
		s, err = NewPostgresStore(ctx, cfg.DSN, logger)
	case TypeSQLite:
		s, err = NewSQLiteStore(ctx, cfg.Path, logger)
	case TypeBadger:
		s, err = NewBadgerStore(cfg.Badger, logger)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("belief store opened", zap.String("type", cfg.Type))
	return s, nil
}
