// Package config loads aegis settings from a YAML file and AEGIS_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/u2takey/go-utils/filesystem/homedir"

	"github.com/aonescu/aegis/internal/db"
	"github.com/aonescu/aegis/internal/logging"
	"github.com/aonescu/aegis/internal/oracle"
	"github.com/aonescu/aegis/internal/pipeline"
	"github.com/aonescu/aegis/internal/planner"
)

const EnvPrefix = "AEGIS"

type ServerConfig struct {
	Address         string        `json:"address" mapstructure:"address"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// EventLimit caps /api/v1/events responses.
	EventLimit int `json:"event_limit" mapstructure:"event_limit"`
}

type Config struct {
	DataDir     string          `json:"data_dir" mapstructure:"data_dir"`
	ScenarioDir string          `json:"scenario_dir" mapstructure:"scenario_dir"`
	Tier        int             `json:"tier" mapstructure:"tier"`
	Cycles      int             `json:"cycles" mapstructure:"cycles"`
	Log         logging.Config  `json:"log" mapstructure:"log"`
	Store       db.Config       `json:"store" mapstructure:"store"`
	Engine      pipeline.Config `json:"engine" mapstructure:"engine"`
	Oracle      oracle.Config   `json:"oracle" mapstructure:"oracle"`
	Server      ServerConfig    `json:"server" mapstructure:"server"`
}

// DefaultDataDir is ~/.aegis, or .aegis when no home directory is known.
func DefaultDataDir() string {
	if home := homedir.HomeDir(); home != "" {
		return filepath.Join(home, ".aegis")
	}
	return ".aegis"
}

func DefaultConfig() Config {
	dir := DefaultDataDir()
	return Config{
		DataDir:     dir,
		ScenarioDir: "scenarios",
		Tier:        int(planner.Tier1),
		Cycles:      1,
		Log:         logging.DefaultConfig(),
		Store: db.Config{
			Type: db.TypeSQLite,
			Path: filepath.Join(dir, "aegis.db"),
			Badger: db.BadgerConfig{
				Path: filepath.Join(dir, "badger"),
			},
		},
		Engine: pipeline.DefaultConfig(),
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 10 * time.Second,
			EventLimit:      1000,
		},
	}
}

// envKeys are the settings that can be overridden from the environment,
// e.g. AEGIS_STORE_TYPE or AEGIS_ENGINE_SHADOW_WORKERS.
var envKeys = []string{
	"data_dir", "scenario_dir", "tier", "cycles",
	"log.level", "log.format", "log.file",
	"store.type", "store.dsn", "store.path", "store.badger.path", "store.badger.in_memory",
	"engine.observe_ticks", "engine.risk_growth",
	"engine.shadow.horizon", "engine.shadow.workers", "engine.shadow.cache_size",
	"oracle.enabled", "oracle.api_key", "oracle.base_url", "oracle.model",
	"server.address", "server.event_limit",
}

// Load reads path (or aegis.yaml from the working directory and the data
// directory when path is empty) over the defaults. A missing default file is
// not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("aegis")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir())
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate returns every problem found, or nil.
func (c *Config) Validate() []error {
	var errs []error
	if _, err := planner.ParseTier(c.Tier); err != nil {
		errs = append(errs, err)
	}
	if c.Cycles < 1 {
		errs = append(errs, fmt.Errorf("cycles must be at least 1, got %d", c.Cycles))
	}

	e := c.Engine
	if e.ObserveTicks < 0 {
		errs = append(errs, fmt.Errorf("engine.observe_ticks must not be negative"))
	}
	if e.RiskGrowth < 0 {
		errs = append(errs, fmt.Errorf("engine.risk_growth must not be negative"))
	}
	if e.Shadow.Horizon < 1 {
		errs = append(errs, fmt.Errorf("engine.shadow.horizon must be at least 1, got %d", e.Shadow.Horizon))
	}
	if e.Shadow.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.shadow.workers must be at least 1, got %d", e.Shadow.Workers))
	}
	w := e.Shadow.Weights
	if w.Main < 0 || w.Likely < 0 || w.Worst < 0 {
		errs = append(errs, errors.New("engine.shadow.weights must not be negative"))
	} else if sum := w.Main + w.Likely + w.Worst; math.Abs(sum-1) > 1e-9 {
		errs = append(errs, fmt.Errorf("engine.shadow.weights must sum to 1, got %.4f", sum))
	} else if w.Worst < w.Main || w.Worst < w.Likely {
		errs = append(errs, errors.New("engine.shadow.weights.worst must be at least main and likely"))
	}
	r := e.Reflection
	if r.Decay <= 0 || r.Decay > 1 {
		errs = append(errs, fmt.Errorf("engine.reflection.decay must be in (0, 1], got %v", r.Decay))
	}
	if r.MaxRuleWeight <= 0 {
		errs = append(errs, errors.New("engine.reflection.max_rule_weight must be positive"))
	}

	switch c.Store.Type {
	case "", db.TypeMemory, db.TypeBadger:
	case db.TypePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	case db.TypeSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not one of %s", c.Store.Type, strings.Join(db.Types, ", ")))
	}

	if c.Oracle.Enabled && c.Oracle.APIKey == "" {
		errs = append(errs, errors.New("oracle.api_key is required when the oracle is enabled"))
	}
	return errs
}
