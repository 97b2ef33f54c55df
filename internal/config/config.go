// Package config loads the revision service configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"

	ObjectStoreMemory = "memory"
	ObjectStoreS3     = "s3"
)

type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Branching BranchingConfig `yaml:"branching"`
	Staging   StagingConfig   `yaml:"staging"`
	Compare   CompareConfig   `yaml:"compare"`
	Service   ServiceConfig   `yaml:"service"`
	Log       LogConfig       `yaml:"log"`
}

type StorageConfig struct {
	Backend        string            `yaml:"backend"`
	MaxClauseCount int               `yaml:"max_clause_count"`
	Redis          RedisConfig       `yaml:"redis"`
	SQLite         SQLiteConfig      `yaml:"sqlite"`
	ObjectStore    ObjectStoreConfig `yaml:"object_store"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TxRetries int    `yaml:"tx_retries"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type ObjectStoreConfig struct {
	Kind            string `yaml:"kind"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type BranchingConfig struct {
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	LockIdleExpiry   time.Duration `yaml:"lock_idle_expiry"`
	LockRegistrySize int           `yaml:"lock_registry_size"`
}

type StagingConfig struct {
	CommitWatermarkLow  int `yaml:"commit_watermark_low"`
	CommitWatermarkHigh int `yaml:"commit_watermark_high"`
}

type CompareConfig struct {
	DefaultLimit int `yaml:"default_limit"`
}

type ServiceConfig struct {
	HealthAddr string `yaml:"health_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:        BackendMemory,
			MaxClauseCount: 1024,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "revbranch",
				TxRetries: 16,
			},
			SQLite: SQLiteConfig{
				Path: "revbranch.db",
			},
			ObjectStore: ObjectStoreConfig{
				Kind:   ObjectStoreMemory,
				Region: "us-east-1",
			},
		},
		Branching: BranchingConfig{
			LockTimeout:      time.Minute,
			LockIdleExpiry:   5 * time.Minute,
			LockRegistrySize: 4096,
		},
		Staging: StagingConfig{
			CommitWatermarkLow:  10_000,
			CommitWatermarkHigh: 100_000,
		},
		Compare: CompareConfig{
			DefaultLimit: 100,
		},
		Service: ServiceConfig{
			HealthAddr: ":50061",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironment() {
	if v := os.Getenv("REVBRANCH_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("REVBRANCH_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("REVBRANCH_SQLITE_PATH"); v != "" {
		c.Storage.SQLite.Path = v
	}
	if v := os.Getenv("REVBRANCH_S3_BUCKET"); v != "" {
		c.Storage.ObjectStore.Kind = ObjectStoreS3
		c.Storage.ObjectStore.Bucket = v
	}
	if v := os.Getenv("REVBRANCH_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Branching.LockTimeout = d
		}
	}
	if v := os.Getenv("REVBRANCH_MAX_CLAUSE_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.MaxClauseCount = n
		}
	}
	if v := os.Getenv("REVBRANCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	switch c.Storage.ObjectStore.Kind {
	case ObjectStoreMemory:
	case ObjectStoreS3:
		if c.Storage.ObjectStore.Bucket == "" {
			errs = append(errs, errors.New("storage.object_store.bucket: required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.object_store.kind: unknown kind %q", c.Storage.ObjectStore.Kind))
	}
	if c.Storage.MaxClauseCount <= 0 {
		errs = append(errs, errors.New("storage.max_clause_count: must be positive"))
	}
	if c.Branching.LockTimeout <= 0 {
		errs = append(errs, errors.New("branching.lock_timeout: must be positive"))
	}
	if c.Branching.LockIdleExpiry < c.Branching.LockTimeout {
		errs = append(errs, errors.New("branching.lock_idle_expiry: must not be shorter than lock_timeout"))
	}
	if c.Branching.LockRegistrySize <= 0 {
		errs = append(errs, errors.New("branching.lock_registry_size: must be positive"))
	}
	if c.Staging.CommitWatermarkLow <= 0 || c.Staging.CommitWatermarkHigh < c.Staging.CommitWatermarkLow {
		errs = append(errs, errors.New("staging: commit watermarks must satisfy 0 < low <= high"))
	}
	if c.Compare.DefaultLimit <= 0 {
		errs = append(errs, errors.New("compare.default_limit: must be positive"))
	}
	return errors.Join(errs...)
}

// LogLevel maps the configured level name to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
