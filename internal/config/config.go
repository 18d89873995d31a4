// Package config loads reconcile settings from config.yaml, .env files and
// RECONCILE_* environment variables, and builds the global logger.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // postgres, sqlite or memory
	// DatabaseURL is the Postgres connection string, or the database file
	// for the sqlite driver.
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PipelineConfig configures promotion and merge behavior.
type PipelineConfig struct {
	StrictMapping bool              `yaml:"strict_mapping" mapstructure:"strict_mapping"`
	GapTolerance  int               `yaml:"gap_tolerance" mapstructure:"gap_tolerance"`
	Region        model.Region      `yaml:"region" mapstructure:"region"`
	Sentinel      model.Coordinates `yaml:"sentinel" mapstructure:"sentinel"`
	Concurrency   int               `yaml:"concurrency" mapstructure:"concurrency"`
	// LongerPhone lets a merge replace the survivor's phone with a longer
	// one from the superseded unit.
	LongerPhone bool `yaml:"longer_phone" mapstructure:"longer_phone"`
	// Retry governs reruns of promotion and merge transactions that hit a
	// serialization conflict.
	Retry resilience.RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// envFiles are loaded in order; variables already set are never replaced.
var envFiles = []string{".env", ".env.local"}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The CMS's own .env names the database DATABASE_URL.
	_ = v.BindEnv("store.database_url", "RECONCILE_STORE_DATABASE_URL", "DATABASE_URL")

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("pipeline.strict_mapping", false)
	v.SetDefault("pipeline.gap_tolerance", 5)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.longer_phone", false)
	v.SetDefault("pipeline.retry.max_attempts", 3)
	v.SetDefault("pipeline.retry.initial_backoff", "50ms")
	v.SetDefault("pipeline.retry.max_backoff", "2s")
	v.SetDefault("pipeline.retry.jitter_fraction", 0.25)
	v.SetDefault("pipeline.region.min_lat", model.DefaultRegion.MinLat)
	v.SetDefault("pipeline.region.max_lat", model.DefaultRegion.MaxLat)
	v.SetDefault("pipeline.region.min_lon", model.DefaultRegion.MinLon)
	v.SetDefault("pipeline.region.max_lon", model.DefaultRegion.MaxLon)
	v.SetDefault("pipeline.sentinel.lat", model.DefaultSentinel.Lat)
	v.SetDefault("pipeline.sentinel.lon", model.DefaultSentinel.Lon)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on: "migrate",
// "pipeline" (ingest, enrich, promote, merge and the read commands) or
// "serve". Every problem found is reported.
func (c *Config) Validate(mode string) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
		if c.Store.MaxConns < 1 || c.Store.MinConns < 0 || c.Store.MinConns > c.Store.MaxConns {
			add("store.min_conns must be between 0 and store.max_conns (>= 1)")
		}
	case "sqlite":
	case "memory":
		if mode == "migrate" {
			add("migrate needs the postgres or sqlite driver")
		}
	default:
		add("store.driver must be postgres, sqlite or memory, got %q", c.Store.Driver)
	}

	switch mode {
	case "migrate":
	case "pipeline", "serve":
		if !c.Pipeline.Region.Valid() {
			add("pipeline.region must have min < max within valid latitudes and longitudes")
		}
		if c.Pipeline.GapTolerance < 0 {
			add("pipeline.gap_tolerance must be >= 0")
		}
		if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > 32 {
			add("pipeline.concurrency must be between 1 and 32")
		}
		if c.Pipeline.Retry.MaxAttempts < 0 || c.Pipeline.Retry.MaxAttempts > 10 {
			add("pipeline.retry.max_attempts must be between 0 and 10")
		}
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			add("server.port must be > 0 and <= 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Wrap(errors.Join(errs...), "config: invalid")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
