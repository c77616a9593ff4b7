// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config loads salvage process configuration.
//
// Configuration is read once at start: the YAML file (if any) is decoded
// over the defaults, zero values are filled in, SALVAGE_* environment
// variables override, and the result is validated. The returned Config is
// not modified afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	salvageerrors "github.com/tombee/salvage/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Backend types.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Store selectors for leases and key-value resources.
const (
	StoreBackend = "backend"
	StoreRedis   = "redis"
)

// Retry policy names.
const (
	PolicyExponential = "exponential"
	PolicyLinear      = "linear"
	PolicyConstant    = "constant"
)

// MinRetryFloor is the smallest retry interval a policy may return.
const MinRetryFloor = 10 * time.Millisecond

// Config represents the complete salvage configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Lease     LeaseConfig     `yaml:"lease"`
	Retry     RetryConfig     `yaml:"retry"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Backend   BackendConfig   `yaml:"backend"`
	Redis     RedisConfig     `yaml:"redis"`
	Resources ResourcesConfig `yaml:"resources"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// NodeConfig identifies this process in the fleet.
type NodeConfig struct {
	// ID prefixes every owner token minted by this node.
	// Environment: SALVAGE_NODE_ID
	// Default: hostname
	ID string `yaml:"id"`
}

// LeaseConfig configures the lease lock.
type LeaseConfig struct {
	// Duration is the ownership window of an acquisition.
	// Environment: SALVAGE_LEASE_DURATION
	// Default: 6s
	Duration time.Duration `yaml:"duration"`

	// Store selects the lease store: "backend" or "redis".
	// Environment: SALVAGE_LEASE_STORE
	// Default: backend
	Store string `yaml:"store"`

	// KeepaliveInterval is how often a running attempt renews its lease.
	// Default: a third of Duration
	KeepaliveInterval time.Duration `yaml:"keepalive_interval,omitempty"`
}

// RetryConfig configures the retry policy and ceiling.
type RetryConfig struct {
	// Ceiling is the number of retries before an instance is exhausted.
	// Environment: SALVAGE_RETRY_CEILING
	// Default: 24
	Ceiling int `yaml:"ceiling"`

	// Policy is "exponential", "linear" or "constant".
	// Environment: SALVAGE_RETRY_POLICY
	// Default: exponential
	Policy string `yaml:"policy"`

	// Base is the first interval (exponential), the step (linear) or the
	// fixed interval (constant).
	// Default: 100ms
	Base time.Duration `yaml:"base"`

	// Max caps every interval. Zero means no cap.
	// Default: 5m
	Max time.Duration `yaml:"max,omitempty"`

	// Floor is the minimum interval. Must be at least 10ms.
	// Default: 10ms
	Floor time.Duration `yaml:"floor"`

	// Jitter applies full jitter to the policy's intervals.
	// Default: false
	Jitter bool `yaml:"jitter"`
}

// RecoveryConfig configures the recovery orchestrator and discovery.
type RecoveryConfig struct {
	// Workers is the number of concurrent recovery attempts.
	// Environment: SALVAGE_RECOVERY_WORKERS
	// Default: 4
	Workers int `yaml:"workers"`

	// PollInterval is how often the task store is scanned for stalled instances.
	// Default: 10s
	PollInterval time.Duration `yaml:"poll_interval"`

	// StallThreshold is how long a running task may go without an update
	// before it counts as stalled.
	// Default: 1m
	StallThreshold time.Duration `yaml:"stall_threshold"`

	// BatchSize limits how many stalled instances one poll yields.
	// Default: 100
	BatchSize int `yaml:"batch_size"`

	// AcquireRate limits lease acquisition attempts per second.
	// Default: 50
	AcquireRate float64 `yaml:"acquire_rate"`

	// AcquireBurst is the acquisition burst size.
	// Default: 10
	AcquireBurst int `yaml:"acquire_burst"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BackendConfig configures the storage backend.
type BackendConfig struct {
	// Type is "memory", "sqlite" or "postgres".
	// Environment: SALVAGE_BACKEND
	// Default: sqlite
	Type string `yaml:"type"`

	// SQLite configures the sqlite backend.
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`

	// Postgres configures the postgres backend.
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file.
	// Environment: SALVAGE_SQLITE_PATH
	// Default: <config dir>/salvage.db
	Path string `yaml:"path"`

	// WAL enables write-ahead logging.
	// Default: true
	WAL bool `yaml:"wal"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	// URL is the connection string.
	// Environment: SALVAGE_POSTGRES_URL
	URL string `yaml:"url"`

	// MaxOpenConns limits open connections.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`
}

// RedisConfig configures the Redis connection used for leases and resources.
type RedisConfig struct {
	// Addr is host:port.
	// Environment: SALVAGE_REDIS_ADDR
	Addr string `yaml:"addr"`

	// Password authenticates the connection.
	// Environment: SALVAGE_REDIS_PASSWORD
	Password string `yaml:"password,omitempty"`

	// DB selects the logical database.
	DB int `yaml:"db,omitempty"`

	// KeyPrefix namespaces every key.
	// Default: salvage
	KeyPrefix string `yaml:"key_prefix"`
}

// ResourcesConfig configures the resource readers. A reader is registered
// only when its location is set.
type ResourcesConfig struct {
	File FileReaderConfig `yaml:"file,omitempty"`
	Bolt BoltReaderConfig `yaml:"bolt,omitempty"`
	KV   KVReaderConfig   `yaml:"kv,omitempty"`
}

// FileReaderConfig configures the filesystem reader.
type FileReaderConfig struct {
	// Kind is the authority kind. Default: file
	Kind string `yaml:"kind"`

	// Root is the directory resource paths are resolved under.
	Root string `yaml:"root"`

	// Shape is the value shape: json, yaml, text or bytes. Default: json
	Shape string `yaml:"shape"`
}

// BoltReaderConfig configures the bbolt reader.
type BoltReaderConfig struct {
	// Kind is the authority kind. Default: bolt
	Kind string `yaml:"kind"`

	// Path is the bbolt database file.
	Path string `yaml:"path"`

	// Shape is the value shape. Default: json
	Shape string `yaml:"shape"`
}

// KVReaderConfig configures the key-value reader.
type KVReaderConfig struct {
	// Kind is the authority kind. Default: kv
	Kind string `yaml:"kind"`

	// Source is "backend" (the resources table) or "redis".
	Source string `yaml:"source"`

	// Shape is the value shape. Default: json
	Shape string `yaml:"shape"`
}

// CacheConfig configures the shared cross-run cache tier.
type CacheConfig struct {
	// SharedTTL enables the shared tier when positive.
	// Default: 0 (disabled)
	SharedTTL time.Duration `yaml:"shared_ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables the server.
	// Environment: SALVAGE_METRICS_LISTEN
	// Default: :9464
	Listen string `yaml:"listen"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns tracing on.
	// Environment: SALVAGE_TRACING_ENABLED
	Enabled bool `yaml:"enabled"`

	// Exporter is "console" or "none".
	// Default: console
	Exporter string `yaml:"exporter"`

	// SampleRate is the fraction of root spans recorded.
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate"`

	// PrettyPrint formats console spans for humans.
	PrettyPrint bool `yaml:"pretty_print"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID: defaultNodeID(),
		},
		Lease: LeaseConfig{
			Duration: 6000 * time.Millisecond,
			Store:    StoreBackend,
		},
		Retry: RetryConfig{
			Ceiling: 24,
			Policy:  PolicyExponential,
			Base:    100 * time.Millisecond,
			Max:     5 * time.Minute,
			Floor:   MinRetryFloor,
		},
		Recovery: RecoveryConfig{
			Workers:         4,
			PollInterval:    10 * time.Second,
			StallThreshold:  time.Minute,
			BatchSize:       100,
			AcquireRate:     50,
			AcquireBurst:    10,
			ShutdownTimeout: 30 * time.Second,
		},
		Backend: BackendConfig{
			Type: BackendSQLite,
			SQLite: SQLiteConfig{
				Path: defaultSQLitePath(),
				WAL:  true,
			},
			Postgres: PostgresConfig{
				MaxOpenConns: 10,
			},
		},
		Redis: RedisConfig{
			KeyPrefix: "salvage",
		},
		Resources: ResourcesConfig{
			File: FileReaderConfig{Kind: "file", Shape: "json"},
			Bolt: BoltReaderConfig{Kind: "bolt", Shape: "json"},
			KV:   KVReaderConfig{Kind: "kv", Shape: "json"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
		Tracing: TracingConfig{
			Exporter:   "console",
			SampleRate: 1.0,
		},
	}
}

// Load loads configuration from the given path and the environment.
// An empty path skips the file.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &salvageerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &salvageerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Node.ID == "" {
		c.Node.ID = defaults.Node.ID
	}

	if c.Lease.Duration == 0 {
		c.Lease.Duration = defaults.Lease.Duration
	}
	if c.Lease.Store == "" {
		c.Lease.Store = defaults.Lease.Store
	}

	if c.Retry.Ceiling == 0 {
		c.Retry.Ceiling = defaults.Retry.Ceiling
	}
	if c.Retry.Policy == "" {
		c.Retry.Policy = defaults.Retry.Policy
	}
	if c.Retry.Base == 0 {
		c.Retry.Base = defaults.Retry.Base
	}
	if c.Retry.Floor == 0 {
		c.Retry.Floor = defaults.Retry.Floor
	}

	if c.Recovery.Workers == 0 {
		c.Recovery.Workers = defaults.Recovery.Workers
	}
	if c.Recovery.PollInterval == 0 {
		c.Recovery.PollInterval = defaults.Recovery.PollInterval
	}
	if c.Recovery.StallThreshold == 0 {
		c.Recovery.StallThreshold = defaults.Recovery.StallThreshold
	}
	if c.Recovery.BatchSize == 0 {
		c.Recovery.BatchSize = defaults.Recovery.BatchSize
	}
	if c.Recovery.AcquireRate == 0 {
		c.Recovery.AcquireRate = defaults.Recovery.AcquireRate
	}
	if c.Recovery.AcquireBurst == 0 {
		c.Recovery.AcquireBurst = defaults.Recovery.AcquireBurst
	}
	if c.Recovery.ShutdownTimeout == 0 {
		c.Recovery.ShutdownTimeout = defaults.Recovery.ShutdownTimeout
	}

	if c.Backend.Type == "" {
		c.Backend.Type = defaults.Backend.Type
	}
	if c.Backend.SQLite.Path == "" {
		c.Backend.SQLite.Path = defaults.Backend.SQLite.Path
	}
	if c.Backend.Postgres.MaxOpenConns == 0 {
		c.Backend.Postgres.MaxOpenConns = defaults.Backend.Postgres.MaxOpenConns
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = defaults.Redis.KeyPrefix
	}

	if c.Resources.File.Kind == "" {
		c.Resources.File.Kind = defaults.Resources.File.Kind
	}
	if c.Resources.File.Shape == "" {
		c.Resources.File.Shape = defaults.Resources.File.Shape
	}
	if c.Resources.Bolt.Kind == "" {
		c.Resources.Bolt.Kind = defaults.Resources.Bolt.Kind
	}
	if c.Resources.Bolt.Shape == "" {
		c.Resources.Bolt.Shape = defaults.Resources.Bolt.Shape
	}
	if c.Resources.KV.Kind == "" {
		c.Resources.KV.Kind = defaults.Resources.KV.Kind
	}
	if c.Resources.KV.Shape == "" {
		c.Resources.KV.Shape = defaults.Resources.KV.Shape
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = defaults.Tracing.SampleRate
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("SALVAGE_NODE_ID"); val != "" {
		c.Node.ID = val
	}

	if val := os.Getenv("SALVAGE_LEASE_DURATION"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Lease.Duration = d
		}
	}
	if val := os.Getenv("SALVAGE_LEASE_STORE"); val != "" {
		c.Lease.Store = strings.ToLower(val)
	}

	if val := os.Getenv("SALVAGE_RETRY_CEILING"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Retry.Ceiling = n
		}
	}
	if val := os.Getenv("SALVAGE_RETRY_POLICY"); val != "" {
		c.Retry.Policy = strings.ToLower(val)
	}

	if val := os.Getenv("SALVAGE_RECOVERY_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Recovery.Workers = n
		}
	}

	if val := os.Getenv("SALVAGE_BACKEND"); val != "" {
		c.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("SALVAGE_SQLITE_PATH"); val != "" {
		c.Backend.SQLite.Path = val
	}
	if val := os.Getenv("SALVAGE_POSTGRES_URL"); val != "" {
		c.Backend.Postgres.URL = val
	}

	if val := os.Getenv("SALVAGE_REDIS_ADDR"); val != "" {
		c.Redis.Addr = val
	}
	if val := os.Getenv("SALVAGE_REDIS_PASSWORD"); val != "" {
		c.Redis.Password = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("SALVAGE_METRICS_LISTEN"); val != "" {
		c.Metrics.Listen = val
	}

	if val := os.Getenv("SALVAGE_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.ID == "" {
		errs = append(errs, "node.id is required")
	}
	if strings.Contains(c.Node.ID, "/") {
		errs = append(errs, fmt.Sprintf("node.id must not contain '/', got %q", c.Node.ID))
	}

	if c.Lease.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("lease.duration must be positive, got %v", c.Lease.Duration))
	}
	if c.Lease.KeepaliveInterval < 0 || (c.Lease.KeepaliveInterval > 0 && c.Lease.KeepaliveInterval >= c.Lease.Duration) {
		errs = append(errs, fmt.Sprintf("lease.keepalive_interval must be shorter than lease.duration, got %v", c.Lease.KeepaliveInterval))
	}
	switch c.Lease.Store {
	case StoreBackend:
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required when lease.store is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("lease.store must be one of [backend, redis], got %q", c.Lease.Store))
	}

	if c.Retry.Ceiling < 1 {
		errs = append(errs, fmt.Sprintf("retry.ceiling must be at least 1, got %d", c.Retry.Ceiling))
	}
	switch c.Retry.Policy {
	case PolicyExponential, PolicyLinear, PolicyConstant:
	default:
		errs = append(errs, fmt.Sprintf("retry.policy must be one of [exponential, linear, constant], got %q", c.Retry.Policy))
	}
	if c.Retry.Floor < MinRetryFloor {
		errs = append(errs, fmt.Sprintf("retry.floor must be at least %v, got %v", MinRetryFloor, c.Retry.Floor))
	}
	if c.Retry.Base <= 0 {
		errs = append(errs, fmt.Sprintf("retry.base must be positive, got %v", c.Retry.Base))
	}
	if c.Retry.Max != 0 && c.Retry.Max < c.Retry.Floor {
		errs = append(errs, fmt.Sprintf("retry.max must not be below retry.floor, got %v", c.Retry.Max))
	}

	if c.Recovery.Workers < 1 {
		errs = append(errs, fmt.Sprintf("recovery.workers must be at least 1, got %d", c.Recovery.Workers))
	}
	if c.Recovery.PollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("recovery.poll_interval must be positive, got %v", c.Recovery.PollInterval))
	}
	if c.Recovery.StallThreshold <= 0 {
		errs = append(errs, fmt.Sprintf("recovery.stall_threshold must be positive, got %v", c.Recovery.StallThreshold))
	}
	if c.Recovery.AcquireRate <= 0 {
		errs = append(errs, fmt.Sprintf("recovery.acquire_rate must be positive, got %v", c.Recovery.AcquireRate))
	}

	switch c.Backend.Type {
	case BackendMemory:
	case BackendSQLite:
		if c.Backend.SQLite.Path == "" {
			errs = append(errs, "backend.sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Backend.Postgres.URL == "" {
			errs = append(errs, "backend.postgres.url is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.type must be one of [memory, sqlite, postgres], got %q", c.Backend.Type))
	}

	switch c.Resources.KV.Source {
	case "", StoreBackend:
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required when resources.kv.source is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("resources.kv.source must be one of [backend, redis], got %q", c.Resources.KV.Source))
	}
	for name, shape := range map[string]string{
		"file": c.Resources.File.Shape,
		"bolt": c.Resources.Bolt.Shape,
		"kv":   c.Resources.KV.Shape,
	} {
		switch shape {
		case "json", "yaml", "text", "bytes":
		default:
			errs = append(errs, fmt.Sprintf("resources.%s.shape must be one of [json, yaml, text, bytes], got %q", name, shape))
		}
	}

	if c.Cache.SharedTTL < 0 {
		errs = append(errs, fmt.Sprintf("cache.shared_ttl must not be negative, got %v", c.Cache.SharedTTL))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "trace": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Tracing.Exporter != "console" && c.Tracing.Exporter != "none" {
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [console, none], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// KeepaliveInterval returns the effective lease renewal interval.
func (c *Config) KeepaliveInterval() time.Duration {
	if c.Lease.KeepaliveInterval > 0 {
		return c.Lease.KeepaliveInterval
	}
	return c.Lease.Duration / 3
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "salvage"
	}
	return strings.ReplaceAll(host, "/", "-")
}

func defaultSQLitePath() string {
	dir, err := DataDir()
	if err != nil {
		return "salvage.db"
	}
	return filepath.Join(dir, "salvage.db")
}
