// Package config loads funnelctl settings: built-in defaults, overlaid by an
// optional YAML file, overlaid by FUNNEL_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netsendo/funnel/pkg/api"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueSQLite = "sqlite"
	QueueRedis  = "redis"
	QueueMongo  = "mongo"
)

// DatabaseConfig selects the enrollment store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and a connection URL for postgres.
	DSN string `yaml:"dsn"`
}

// QueueConfig selects where delivery tasks are queued.
type QueueConfig struct {
	Backend string `yaml:"backend"`
	// Addr is host:port for redis and a connection URI for mongo.
	Addr string `yaml:"addr"`
	// Name is the redis key prefix or the mongo database name.
	Name string `yaml:"name"`
}

// EngineConfig mirrors api.EngineConfig in file form.
type EngineConfig struct {
	BatchSize             int               `yaml:"batch_size"`
	MaxHops               int               `yaml:"max_hops"`
	HopBudgetBackoff      time.Duration     `yaml:"hop_budget_backoff"`
	LeaseTTL              time.Duration     `yaml:"lease_ttl"`
	MinVariantEnrollments int               `yaml:"min_variant_enrollments"`
	MinLiftPercent        float64           `yaml:"min_lift_percent"`
	DefaultSampleSize     int               `yaml:"default_sample_size"`
	DefaultMetric         api.WinningMetric `yaml:"default_metric"`
	DefaultConfidence     float64           `yaml:"default_confidence"`
	MaxWaitDuration       time.Duration     `yaml:"max_wait_duration"`
	ExhaustAfterGrace     bool              `yaml:"exhaust_after_grace"`
}

// RunnerConfig controls the long-running process.
type RunnerConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	Workers          int           `yaml:"workers"`
	MaxAttempts      int           `yaml:"max_attempts"`
	WebhookTimeout   time.Duration `yaml:"webhook_timeout"`
	RecoverOnStartup bool          `yaml:"recover_on_startup"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the complete funnelctl configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Engine   EngineConfig   `yaml:"engine"`
	Runner   RunnerConfig   `yaml:"runner"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() Config {
	e := api.DefaultEngineConfig()
	return Config{
		Database: DatabaseConfig{Driver: DriverSQLite, DSN: "funnel.db"},
		Queue:    QueueConfig{Backend: QueueMemory, Name: "funnel"},
		Engine: EngineConfig{
			BatchSize:             e.BatchSize,
			MaxHops:               e.MaxHops,
			HopBudgetBackoff:      e.HopBudgetBackoff,
			LeaseTTL:              e.LeaseTTL,
			MinVariantEnrollments: e.MinVariantEnrollments,
			MinLiftPercent:        e.MinLiftPercent,
			DefaultSampleSize:     e.DefaultSampleSize,
			DefaultMetric:         e.DefaultMetric,
			DefaultConfidence:     e.DefaultConfidence,
		},
		Runner: RunnerConfig{
			TickInterval:     10 * time.Second,
			Workers:          2,
			MaxAttempts:      3,
			WebhookTimeout:   10 * time.Second,
			RecoverOnStartup: true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty; a named file that does
// not exist is an error, while the implicit default "funnel.yaml" is
// optional.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = String("FUNNEL_CONFIG", "funnel.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.merge(data); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// merge overlays YAML onto cfg; keys absent from the document keep their
// current values.
func (c *Config) merge(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Database.Driver = String("FUNNEL_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = String("FUNNEL_DB_DSN", c.Database.DSN)
	c.Queue.Backend = String("FUNNEL_QUEUE_BACKEND", c.Queue.Backend)
	c.Queue.Addr = String("FUNNEL_QUEUE_ADDR", c.Queue.Addr)
	c.Queue.Name = String("FUNNEL_QUEUE_NAME", c.Queue.Name)
	c.Log.Level = String("FUNNEL_LOG_LEVEL", c.Log.Level)
	c.Log.Format = String("FUNNEL_LOG_FORMAT", c.Log.Format)
	c.Metrics.Addr = String("FUNNEL_METRICS_ADDR", c.Metrics.Addr)

	var errs []error
	setInt := func(dst *int, key string) {
		v, err := Int(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	setDuration := func(dst *time.Duration, key string) {
		v, err := Duration(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	setBool := func(dst *bool, key string) {
		v, err := Bool(key, *dst)
		errs = append(errs, err)
		*dst = v
	}

	setInt(&c.Engine.BatchSize, "FUNNEL_BATCH_SIZE")
	setInt(&c.Engine.MaxHops, "FUNNEL_MAX_HOPS")
	setDuration(&c.Engine.LeaseTTL, "FUNNEL_LEASE_TTL")
	setDuration(&c.Engine.MaxWaitDuration, "FUNNEL_MAX_WAIT")
	setBool(&c.Engine.ExhaustAfterGrace, "FUNNEL_EXHAUST_AFTER_GRACE")
	setDuration(&c.Runner.TickInterval, "FUNNEL_TICK_INTERVAL")
	setInt(&c.Runner.Workers, "FUNNEL_WORKERS")
	setInt(&c.Runner.MaxAttempts, "FUNNEL_MAX_ATTEMPTS")
	setDuration(&c.Runner.WebhookTimeout, "FUNNEL_WEBHOOK_TIMEOUT")
	return errors.Join(errs...)
}

// Validate rejects unknown drivers and nonsensical values.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.Driver != DriverMemory && strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, fmt.Errorf("database.dsn is required for %s", c.Database.Driver))
	}

	switch c.Queue.Backend {
	case QueueMemory:
	case QueueSQLite:
		if c.Database.Driver != DriverSQLite {
			errs = append(errs, errors.New("the sqlite queue shares the sqlite database"))
		}
	case QueueRedis, QueueMongo:
		if c.Queue.Addr == "" {
			errs = append(errs, fmt.Errorf("queue.addr is required for %s", c.Queue.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported queue backend %q", c.Queue.Backend))
	}

	switch c.Engine.DefaultMetric {
	case "", api.MetricConversionRate, api.MetricClickRate, api.MetricOpenRate:
	default:
		errs = append(errs, fmt.Errorf("unsupported default metric %q", c.Engine.DefaultMetric))
	}
	if c.Engine.MaxWaitDuration < 0 {
		errs = append(errs, errors.New("engine.max_wait_duration must not be negative"))
	}
	if c.Runner.TickInterval <= 0 {
		errs = append(errs, errors.New("runner.tick_interval must be positive"))
	}
	if c.Runner.Workers < 0 {
		errs = append(errs, errors.New("runner.workers must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// EngineSettings converts the file form into api.EngineConfig with defaults
// applied.
func (c Config) EngineSettings() api.EngineConfig {
	e := c.Engine
	return api.EngineConfig{
		BatchSize:             e.BatchSize,
		MaxHops:               e.MaxHops,
		HopBudgetBackoff:      e.HopBudgetBackoff,
		LeaseTTL:              e.LeaseTTL,
		MinVariantEnrollments: e.MinVariantEnrollments,
		MinLiftPercent:        e.MinLiftPercent,
		DefaultSampleSize:     e.DefaultSampleSize,
		DefaultMetric:         e.DefaultMetric,
		DefaultConfidence:     e.DefaultConfidence,
		MaxWaitDuration:       e.MaxWaitDuration,
		ExhaustAfterGrace:     e.ExhaustAfterGrace,
	}.WithDefaults()
}

// Logger builds the slog logger described by Log.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
	return l, nil
}
