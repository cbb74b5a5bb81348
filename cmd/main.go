package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/belief"
	"github.com/aonescu/aegis/internal/config"
	"github.com/aonescu/aegis/internal/db"
	"github.com/aonescu/aegis/internal/logging"
	"github.com/aonescu/aegis/internal/store"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "aegis",
	Short:         "Offline remediation decision engine for simulated Kubernetes clusters",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default: ./aegis.yaml or ~/.aegis/aegis.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, serveCmd, beliefsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is what every subcommand needs: validated config, a logger and the
// opened belief store.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  store.Store
	book   *belief.Book
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	if err := ensureDirs(cfg); err != nil {
		return nil, err
	}
	st, err := db.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	book := belief.NewBook(st, logger.Named("belief"))
	if err := book.Load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: st, book: book}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func ensureDirs(cfg *config.Config) error {
	var dir string
	switch cfg.Store.Type {
	case db.TypeSQLite:
		if cfg.Store.Path != ":memory:" {
			dir = filepath.Dir(cfg.Store.Path)
		}
	case db.TypeBadger:
		if !cfg.Store.Badger.InMemory {
			dir = filepath.Dir(cfg.Store.Badger.Path)
		}
	}
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return nil
}
