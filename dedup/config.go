// CLAUDE:SUMMARY Configuration structs (cache, lock, pipeline, aggregator, backfill) and YAML loader.
package dedup

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all dedup-layer configuration.
type Config struct {
	DBPath     string           `yaml:"db_path"`
	Cache      CacheConfig      `yaml:"cache"`
	Lock       LockConfig       `yaml:"lock"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Backfill   BackfillConfig   `yaml:"backfill"`
}

// CacheConfig controls run freshness.
type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// LockConfig controls the single-flight query lock.
type LockConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// PipelineConfig controls the idempotent write pipeline.
type PipelineConfig struct {
	OCCMaxAttempts int `yaml:"occ_max_attempts"`
	StatsShards    int `yaml:"stats_shards"`
}

// AggregatorConfig controls the mention fold worker.
type AggregatorConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	Retention time.Duration `yaml:"retention"`
}

// BackfillConfig controls the historical migration worker.
type BackfillConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "rcache.db"
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = 6 * time.Hour
	}
	if c.Lock.StaleAfter <= 0 {
		c.Lock.StaleAfter = 10 * time.Minute
	}
	if c.Pipeline.OCCMaxAttempts <= 0 {
		c.Pipeline.OCCMaxAttempts = 5
	}
	if c.Pipeline.StatsShards <= 0 {
		c.Pipeline.StatsShards = 8
	}
	if c.Aggregator.Interval <= 0 {
		c.Aggregator.Interval = 30 * time.Second
	}
	if c.Aggregator.BatchSize <= 0 {
		c.Aggregator.BatchSize = 200
	}
	if c.Aggregator.Retention <= 0 {
		c.Aggregator.Retention = 30 * 24 * time.Hour
	}
	if c.Backfill.Interval <= 0 {
		c.Backfill.Interval = 2 * time.Second
	}
	if c.Backfill.BatchSize <= 0 {
		c.Backfill.BatchSize = 100
	}
}

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}
