// Package config loads the server configuration: defaults, then an optional
// YAML file, then BLOCKLEDGER_* environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"blockledger.dev/internal/ledger"
	"blockledger.dev/internal/ledger/ingest"
	"blockledger.dev/internal/ledger/qcache"
)

const EnvPrefix = "BLOCKLEDGER_"

type Config struct {
	DataDir string `yaml:"data_dir" env:"DATA_DIR" validate:"required"`
	// DBPath defaults to <data_dir>/ledger.sqlite.
	DBPath string `yaml:"db_path" env:"DB_PATH"`

	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	Ingest   IngestConfig   `yaml:"ingest" envPrefix:"INGEST_"`
	Cache    CacheConfig    `yaml:"cache" envPrefix:"CACHE_"`
	Query    QueryConfig    `yaml:"query" envPrefix:"QUERY_"`
	Rollback RollbackConfig `yaml:"rollback" envPrefix:"ROLLBACK_"`
	Admin    AdminConfig    `yaml:"admin" envPrefix:"ADMIN_"`
	Archive  ArchiveConfig  `yaml:"archive" envPrefix:"ARCHIVE_"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=trace debug info warn error disabled"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=json console"`
}

type IngestConfig struct {
	Capacity        int           `yaml:"capacity" env:"CAPACITY" validate:"gt=0"`
	BatchSize       int           `yaml:"batch_size" env:"BATCH_SIZE" validate:"gt=0,lte=10000"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" validate:"gt=0"`
	EnqueueWait     time.Duration `yaml:"enqueue_wait" env:"ENQUEUE_WAIT" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

type CacheConfig struct {
	TTL            time.Duration `yaml:"ttl" env:"TTL" validate:"gt=0"`
	MaxEntries     int           `yaml:"max_entries" env:"MAX_ENTRIES" validate:"gt=0"`
	CoalesceWindow time.Duration `yaml:"coalesce_window" env:"COALESCE_WINDOW" validate:"gt=0"`
}

type QueryConfig struct {
	Workers       int `yaml:"workers" env:"WORKERS" validate:"gt=0,lte=1024"`
	MinDimensions int `yaml:"min_dimensions" env:"MIN_DIMENSIONS" validate:"gte=0,lte=3"`
}

type RollbackConfig struct {
	MinDimensions int `yaml:"min_dimensions" env:"MIN_DIMENSIONS" validate:"gte=1,lte=3"`
	// Admin endpoint limit on rollback and preview requests.
	RatePerMinute int `yaml:"rate_per_minute" env:"RATE_PER_MINUTE" validate:"gt=0"`
	Burst         int `yaml:"burst" env:"BURST" validate:"gt=0"`
}

type AdminConfig struct {
	Addr string `yaml:"addr" env:"ADDR" validate:"required,hostname_port"`
	// AllowRemote serves admin endpoints to non-loopback clients.
	AllowRemote bool `yaml:"allow_remote" env:"ALLOW_REMOTE"`
	// Sandbox backs rollback with an in-memory world.
	Sandbox bool `yaml:"sandbox" env:"SANDBOX"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `yaml:"pprof" env:"PPROF"`
}

func Defaults() Config {
	return Config{
		DataDir: "./data",
		Log:     LogConfig{Level: "info", Format: "json"},
		Ingest: IngestConfig{
			Capacity:        65536,
			BatchSize:       100,
			PollInterval:    500 * time.Millisecond,
			EnqueueWait:     5 * time.Millisecond,
			ShutdownTimeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			TTL:            10 * time.Minute,
			MaxEntries:     1024,
			CoalesceWindow: 100 * time.Millisecond,
		},
		Query:    QueryConfig{Workers: 8, MinDimensions: 0},
		Rollback: RollbackConfig{MinDimensions: 2, RatePerMinute: 6, Burst: 2},
		Admin:    AdminConfig{Addr: "127.0.0.1:8089", Sandbox: true},
	}
}

// Load applies path (if non-empty) and the environment over the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.DBPath = strings.TrimSpace(c.DBPath)
	if c.DBPath == "" && c.DataDir != "" {
		c.DBPath = filepath.Join(c.DataDir, "ledger.sqlite")
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Admin.Addr = strings.TrimSpace(c.Admin.Addr)
	c.Archive.Dir = strings.TrimSpace(c.Archive.Dir)
	if c.Archive.Dir == "" && c.DataDir != "" {
		c.Archive.Dir = filepath.Join(c.DataDir, "archive")
	}
	c.Archive.Mirror.Bucket = strings.TrimSpace(c.Archive.Mirror.Bucket)
}

// ArchiveConfig drives periodic exports of newly committed records.
type ArchiveConfig struct {
	// Dir defaults to <data_dir>/archive.
	Dir string `yaml:"dir" env:"DIR"`
	// Interval between exports; zero disables them.
	Interval time.Duration `yaml:"interval" env:"INTERVAL" validate:"gte=0"`
	Mirror   MirrorConfig  `yaml:"mirror" envPrefix:"MIRROR_"`
}

// MirrorConfig uploads exports to an S3-compatible bucket when Bucket is set.
type MirrorConfig struct {
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT" validate:"required_with=Bucket"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID" validate:"required_with=Bucket"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY" validate:"required_with=Bucket"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Workers         int    `yaml:"workers" env:"WORKERS" validate:"gte=0,lte=16"`
}

func (m MirrorConfig) Enabled() bool { return m.Bucket != "" }

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Logger builds the root logger described by c.
func (c LogConfig) Logger(w io.Writer) zerolog.Logger {
	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Engine maps c onto the engine configuration.
func (c Config) Engine(log zerolog.Logger) ledger.Config {
	return ledger.Config{
		DBPath: c.DBPath,
		Ingest: ingest.Config{
			Capacity:        c.Ingest.Capacity,
			BatchSize:       c.Ingest.BatchSize,
			PollInterval:    c.Ingest.PollInterval,
			EnqueueWait:     c.Ingest.EnqueueWait,
			ShutdownTimeout: c.Ingest.ShutdownTimeout,
		},
		Cache: qcache.Config{
			TTL:            c.Cache.TTL,
			MaxEntries:     c.Cache.MaxEntries,
			CoalesceWindow: c.Cache.CoalesceWindow,
		},
		QueryWorkers:          c.Query.Workers,
		QueryMinDimensions:    c.Query.MinDimensions,
		RollbackMinDimensions: c.Rollback.MinDimensions,
		Logger:                log,
	}
}
