// Package config holds all configuration types and loading logic for convq.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/convq/internal/history"
	"github.com/snehjoshi/convq/internal/logging"
	"github.com/snehjoshi/convq/internal/storage"
	"github.com/snehjoshi/convq/internal/tracking"
)

// Config is the root configuration for a convqd instance.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Storage     StorageConfig     `yaml:"storage"`
	Conversions ConversionsConfig `yaml:"conversions"`
	History     HistoryConfig     `yaml:"history"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Producers   ProducerConfig    `yaml:"producers"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// NodeConfig holds instance identity and the data directory.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// StorageConfig selects where the queue snapshot is kept.
type StorageConfig struct {
	// Driver is one of bolt, file, sqlite, redis.
	Driver string `yaml:"driver"`
	// Path overrides the driver's default location under node.data_dir.
	Path string `yaml:"path"`
	// StateName is the key the snapshot is stored under.
	StateName   string   `yaml:"state_name"`
	BusyTimeout Duration `yaml:"busy_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// ConversionsConfig tunes the confirmation delays.
type ConversionsConfig struct {
	// Frequency is the mean delay before a new conversion is confirmed.
	Frequency Duration `yaml:"frequency"`
	// ExpiredFrequency is the mean delay for entries already overdue at load.
	ExpiredFrequency Duration `yaml:"expired_frequency"`
	// Journal is the confirmation journal file; relative paths live under
	// node.data_dir.
	Journal string `yaml:"journal"`
}

// HistoryConfig controls the conversion history store.
type HistoryConfig struct {
	Path          string   `yaml:"path"`
	Retention     Duration `yaml:"retention"`
	PruneSchedule string   `yaml:"prune_schedule"`
}

// TrackingConfig is the conversion tracking catalog.
type TrackingConfig struct {
	Conversions []tracking.Info `yaml:"conversions"`
	// ServedCapacity bounds how many served ads are remembered.
	ServedCapacity int `yaml:"served_capacity"`
}

// ProducerConfig rate-limits event ingestion.
type ProducerConfig struct {
	// MaxRate is events per second; 0 disables throttling.
	MaxRate float64 `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Driver:      storage.DriverBolt,
			StateName:   "ad_conversions.json",
			BusyTimeout: Duration(5 * time.Second),
			RedisPrefix: storage.DefaultRedisPrefix,
		},
		Conversions: ConversionsConfig{
			Frequency:        Duration(24 * time.Hour),
			ExpiredFrequency: Duration(5 * time.Minute),
			Journal:          "confirmations.jsonl",
		},
		History: HistoryConfig{
			Path:          "history.db",
			Retention:     Duration(30 * 24 * time.Hour),
			PruneSchedule: history.DefaultPruneSchedule,
		},
		Tracking: TrackingConfig{
			ServedCapacity: 10_000,
		},
		Producers: ProducerConfig{
			MaxRate: 1_000,
			Burst:   5_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run convqd with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	CONVQ_DATA_DIR        sets node.data_dir
//	CONVQ_STORAGE_DRIVER  sets storage.driver
//	CONVQ_REDIS_ADDR      sets storage.redis_addr
//	CONVQ_REDIS_PASSWORD  sets storage.redis_password
//	CONVQ_METRICS_PORT    sets metrics.port
//	CONVQ_LOG_LEVEL       sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load env file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CONVQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("CONVQ_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("CONVQ_REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("CONVQ_REDIS_PASSWORD"); v != "" {
		cfg.Storage.RedisPassword = v
	}
	if v := os.Getenv("CONVQ_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Metrics.Port = p
		}
	}
	if v := os.Getenv("CONVQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case storage.DriverBolt, storage.DriverFile, storage.DriverSQLite:
	case storage.DriverRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf(`storage.driver must be one of "bolt", "file", "sqlite", "redis", got %q`, c.Storage.Driver)
	}
	if c.Storage.StateName == "" {
		return errors.New("storage.state_name must not be empty")
	}
	if c.Conversions.Frequency <= 0 {
		return errors.New("conversions.frequency must be > 0")
	}
	if c.Conversions.ExpiredFrequency <= 0 {
		return errors.New("conversions.expired_frequency must be > 0")
	}
	if c.Conversions.Journal == "" {
		return errors.New("conversions.journal must not be empty")
	}
	if c.History.Retention <= 0 {
		return errors.New("history.retention must be > 0")
	}
	if err := history.ValidateSchedule(c.History.PruneSchedule); err != nil {
		return fmt.Errorf("history.prune_schedule: %w", err)
	}
	for i, info := range c.Tracking.Conversions {
		if err := info.Validate(); err != nil {
			return fmt.Errorf("tracking.conversions[%d]: %w", i, err)
		}
	}
	if c.Tracking.ServedCapacity < 0 {
		return errors.New("tracking.served_capacity must be >= 0")
	}
	if c.Producers.MaxRate < 0 {
		return errors.New("producers.max_rate must be >= 0")
	}
	if c.Producers.Burst < 0 {
		return errors.New("producers.burst must be >= 0")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return errors.New(`log.format must be "json" or "text"`)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}

// StorageOptions translates the storage section for storage.Open.
func (c *Config) StorageOptions() storage.Config {
	return storage.Config{
		Driver:        c.Storage.Driver,
		DataDir:       c.Node.DataDir,
		Path:          c.Storage.Path,
		BusyTimeout:   c.Storage.BusyTimeout.Std(),
		RedisAddr:     c.Storage.RedisAddr,
		RedisPassword: c.Storage.RedisPassword,
		RedisDB:       c.Storage.RedisDB,
		RedisPrefix:   c.Storage.RedisPrefix,
	}
}

// DataPath resolves p against node.data_dir unless it is absolute.
func (c *Config) DataPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Node.DataDir, p)
}
