// Package config loads the tunables an operator embedding the
// accounting store can reasonably adjust: none of it is a CLI or REST
// surface, just the knobs the engine and worker read at construction.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig tunes the transaction worker.
type WorkerConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// WALConfig tunes the write-ahead log.
type WALConfig struct {
	SegmentSize int64 `yaml:"segment_size"`
	SyncWrites  bool  `yaml:"sync_writes"`
}

// CompactionConfig tunes the snapshot/truncation background job.
type CompactionConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig mirrors the level/format split every service in this
// stack exposes, even though the store itself does no logger setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls whether the store's Prometheus collectors are
// registered at all; exposition is the embedder's job.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the complete configuration for an embedded quota store.
type Config struct {
	Worker     WorkerConfig     `yaml:"worker"`
	WAL        WALConfig        `yaml:"wal"`
	Compaction CompactionConfig `yaml:"compaction"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file, filling in defaults
// for anything left unspecified.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config with every default applied, for embedders
// that don't load one from disk.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Worker.QueueSize == 0 {
		cfg.Worker.QueueSize = 256
	}
	if cfg.Worker.DrainTimeout == 0 {
		cfg.Worker.DrainTimeout = 30 * time.Second
	}
	if cfg.WAL.SegmentSize == 0 {
		cfg.WAL.SegmentSize = 16 * 1024 * 1024
	}
	if cfg.Compaction.Interval == 0 {
		cfg.Compaction.Interval = 5 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for internally inconsistent
// values LoadConfig should reject outright.
func (c *Config) Validate() error {
	if c.Worker.QueueSize < 0 {
		return fmt.Errorf("worker.queue_size must be >= 0")
	}
	if c.Worker.DrainTimeout <= 0 {
		return fmt.Errorf("worker.drain_timeout must be positive")
	}
	if c.WAL.SegmentSize <= 0 {
		return fmt.Errorf("wal.segment_size must be positive")
	}
	if c.Compaction.Interval < 0 {
		return fmt.Errorf("compaction.interval must be >= 0")
	}
	return nil
}
