// Copyright 2025 The Maestro Authors
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

// Package config loads the daemon configuration. Precedence, lowest to
// highest: built-in defaults, YAML config file, MAESTRO_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	maestroerrors "github.com/maestrod/maestro/pkg/errors"
)

// Config is the complete daemon configuration.
type Config struct {
	Scaling        ScalingConfig        `yaml:"scaling"`
	FaultTolerance FaultToleranceConfig `yaml:"faultTolerance"`
	Storage        StorageConfig        `yaml:"storage"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Queue          QueueConfig          `yaml:"queue"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Log            LogConfig            `yaml:"log"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Server         ServerConfig         `yaml:"server"`
	Engines        []EngineConfig       `yaml:"engines"`

	// DefaultTimeout applies to execution requests without an explicit
	// timeout.
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`

	// DrainTimeout bounds how long stop waits for in-flight executions.
	DrainTimeout time.Duration `yaml:"drainTimeout"`

	// PIDFile is where the daemon records its pid for the stop command.
	PIDFile string `yaml:"pidFile"`
}

// ScalingConfig controls the auto-scaling loop.
type ScalingConfig struct {
	MinWorkers           int           `yaml:"minWorkers"`
	MaxWorkers           int           `yaml:"maxWorkers"`
	TargetUtilization    float64       `yaml:"targetUtilization"`
	ScaleUpThreshold     float64       `yaml:"scaleUpThreshold"`
	ScaleDownThreshold   float64       `yaml:"scaleDownThreshold"`
	ScaleUpCooldown      time.Duration `yaml:"scaleUpCooldown"`
	ScaleDownCooldown    time.Duration `yaml:"scaleDownCooldown"`
	WorkerStartupTime    time.Duration `yaml:"workerStartupTime"`
	ScaleUpLatencyBudget time.Duration `yaml:"scaleUpLatencyBudget"`
	WorkerCapacity       int           `yaml:"workerCapacity"`
}

// FaultToleranceConfig controls retries and the per-adapter breaker.
type FaultToleranceConfig struct {
	MaxRetries     int           `yaml:"maxRetries"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	MaxRetryDelay  time.Duration `yaml:"maxRetryDelay"`
	BackoffFactor  float64       `yaml:"backoffFactor"`
	GraceInterval  time.Duration `yaml:"graceInterval"`
	CircuitBreaker BreakerConfig `yaml:"circuitBreakerConfig"`
}

// BreakerConfig mirrors the per-adapter circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
	MonitoringPeriod time.Duration `yaml:"monitoringPeriod"`
}

// StorageConfig controls the result store.
type StorageConfig struct {
	ResultRetentionDays int    `yaml:"resultRetentionDays"`
	CompressionEnabled  bool   `yaml:"compressionEnabled"`
	EncryptionEnabled   bool   `yaml:"encryptionEnabled"`
	EncryptionKey       string `yaml:"encryptionKey"`

	// Backend selects the result store backing: "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the sqlite database path when Backend is "sqlite".
	Path string `yaml:"path"`
}

// MetricsConfig controls the aggregator and auto-scaler cadence.
type MetricsConfig struct {
	CollectionInterval time.Duration `yaml:"collectionInterval"`
	AggregationWindow  time.Duration `yaml:"aggregationWindow"`

	// ListenAddr serves Prometheus metrics when non-empty.
	ListenAddr string `yaml:"listenAddr"`
}

// QueueConfig bounds the priority queue.
type QueueConfig struct {
	MaxSize            int           `yaml:"maxSize"`
	ProcessingInterval time.Duration `yaml:"processingInterval"`
}

// SchedulerConfig configures the cron scheduler.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`

	// SchedulesFile is a YAML file of schedule entries, hot-reloaded on
	// change.
	SchedulesFile string `yaml:"schedulesFile"`

	// Timezone is the default timezone for cron evaluation.
	Timezone string `yaml:"timezone"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Stdout pretty-prints spans to stdout; the default exporter.
	Stdout bool `yaml:"stdout"`
}

// ServerConfig configures the embedding process.
type ServerConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// EngineConfig registers one remote engine adapter at startup.
type EngineConfig struct {
	// Type is the engine type the adapter serves (n8n, airflow, temporal).
	Type string `yaml:"type"`

	// BaseURL is the engine's API root.
	BaseURL string `yaml:"baseURL"`

	// Token is the bearer token. TokenEnv takes precedence when set.
	Token string `yaml:"token"`

	// TokenEnv names an environment variable holding the bearer token.
	TokenEnv string `yaml:"tokenEnv"`

	// PollInterval is the status poll cadence. Default 2s.
	PollInterval time.Duration `yaml:"pollInterval"`
}

// BearerToken resolves the effective bearer token.
func (e EngineConfig) BearerToken() string {
	if e.TokenEnv != "" {
		if val := os.Getenv(e.TokenEnv); val != "" {
			return val
		}
	}
	return e.Token
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Scaling: ScalingConfig{
			MinWorkers:           2,
			MaxWorkers:           10,
			TargetUtilization:    0.7,
			ScaleUpThreshold:     0.8,
			ScaleDownThreshold:   0.3,
			ScaleUpCooldown:      30 * time.Second,
			ScaleDownCooldown:    60 * time.Second,
			WorkerStartupTime:    time.Second,
			ScaleUpLatencyBudget: 5 * time.Second,
			WorkerCapacity:       1,
		},
		FaultTolerance: FaultToleranceConfig{
			MaxRetries:    3,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
			BackoffFactor: 2.0,
			GraceInterval: 5 * time.Second,
			CircuitBreaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
				MonitoringPeriod: 60 * time.Second,
			},
		},
		Storage: StorageConfig{
			ResultRetentionDays: 7,
			Backend:             "memory",
		},
		Metrics: MetricsConfig{
			CollectionInterval: 5 * time.Second,
			AggregationWindow:  60 * time.Second,
		},
		Queue: QueueConfig{
			MaxSize:            1000,
			ProcessingInterval: 100 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			ShutdownTimeout: 30 * time.Second,
		},
		DefaultTimeout: 5 * time.Minute,
		DrainTimeout:   30 * time.Second,
		PIDFile:        defaultPIDFile(),
	}
}

func defaultPIDFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "maestrod", "maestrod.pid")
}

// Load builds the configuration from defaults, an optional YAML file, and
// MAESTRO_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MAESTRO_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile overlays configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
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

// loadFromEnv overlays configuration from environment variables.
func (c *Config) loadFromEnv() {
	setInt(&c.Scaling.MinWorkers, "MAESTRO_MIN_WORKERS")
	setInt(&c.Scaling.MaxWorkers, "MAESTRO_MAX_WORKERS")
	setFloat(&c.Scaling.TargetUtilization, "MAESTRO_TARGET_UTILIZATION")
	setFloat(&c.Scaling.ScaleUpThreshold, "MAESTRO_SCALE_UP_THRESHOLD")
	setFloat(&c.Scaling.ScaleDownThreshold, "MAESTRO_SCALE_DOWN_THRESHOLD")
	setDuration(&c.Scaling.ScaleUpCooldown, "MAESTRO_SCALE_UP_COOLDOWN")
	setDuration(&c.Scaling.ScaleDownCooldown, "MAESTRO_SCALE_DOWN_COOLDOWN")
	setDuration(&c.Scaling.WorkerStartupTime, "MAESTRO_WORKER_STARTUP_TIME")
	setDuration(&c.Scaling.ScaleUpLatencyBudget, "MAESTRO_SCALE_UP_LATENCY_BUDGET")
	setInt(&c.Scaling.WorkerCapacity, "MAESTRO_WORKER_CAPACITY")

	setInt(&c.FaultTolerance.MaxRetries, "MAESTRO_MAX_RETRIES")
	setDuration(&c.FaultTolerance.RetryDelay, "MAESTRO_RETRY_DELAY")
	setDuration(&c.FaultTolerance.MaxRetryDelay, "MAESTRO_MAX_RETRY_DELAY")
	setFloat(&c.FaultTolerance.BackoffFactor, "MAESTRO_BACKOFF_FACTOR")
	setDuration(&c.FaultTolerance.GraceInterval, "MAESTRO_GRACE_INTERVAL")
	setInt(&c.FaultTolerance.CircuitBreaker.FailureThreshold, "MAESTRO_CB_FAILURE_THRESHOLD")
	setDuration(&c.FaultTolerance.CircuitBreaker.ResetTimeout, "MAESTRO_CB_RESET_TIMEOUT")
	setDuration(&c.FaultTolerance.CircuitBreaker.MonitoringPeriod, "MAESTRO_CB_MONITORING_PERIOD")

	setInt(&c.Storage.ResultRetentionDays, "MAESTRO_RESULT_RETENTION_DAYS")
	setBool(&c.Storage.CompressionEnabled, "MAESTRO_RESULT_COMPRESSION")
	setBool(&c.Storage.EncryptionEnabled, "MAESTRO_RESULT_ENCRYPTION")
	setString(&c.Storage.EncryptionKey, "MAESTRO_RESULT_ENCRYPTION_KEY")
	setString(&c.Storage.Backend, "MAESTRO_STORAGE_BACKEND")
	setString(&c.Storage.Path, "MAESTRO_STORAGE_PATH")

	setDuration(&c.Metrics.CollectionInterval, "MAESTRO_METRICS_INTERVAL")
	setDuration(&c.Metrics.AggregationWindow, "MAESTRO_METRICS_WINDOW")
	setString(&c.Metrics.ListenAddr, "MAESTRO_METRICS_ADDR")

	setInt(&c.Queue.MaxSize, "MAESTRO_QUEUE_MAX_SIZE")
	setDuration(&c.Queue.ProcessingInterval, "MAESTRO_QUEUE_PROCESSING_INTERVAL")

	setBool(&c.Scheduler.Enabled, "MAESTRO_SCHEDULER_ENABLED")
	setString(&c.Scheduler.SchedulesFile, "MAESTRO_SCHEDULES_FILE")
	setString(&c.Scheduler.Timezone, "MAESTRO_SCHEDULER_TIMEZONE")

	setString(&c.Log.Level, "MAESTRO_LOG_LEVEL")
	setString(&c.Log.Format, "MAESTRO_LOG_FORMAT")
	setBool(&c.Log.Source, "MAESTRO_LOG_SOURCE")

	setBool(&c.Tracing.Enabled, "MAESTRO_TRACING_ENABLED")
	setBool(&c.Tracing.Stdout, "MAESTRO_TRACING_STDOUT")

	setDuration(&c.DefaultTimeout, "MAESTRO_DEFAULT_TIMEOUT")
	setDuration(&c.DrainTimeout, "MAESTRO_DRAIN_TIMEOUT")
	setString(&c.PIDFile, "MAESTRO_PID_FILE")
	setDuration(&c.Server.ShutdownTimeout, "MAESTRO_SHUTDOWN_TIMEOUT")
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	if c.Scaling.MinWorkers < 1 {
		return &maestroerrors.ConfigError{Key: "scaling.minWorkers", Reason: "must be at least 1"}
	}
	if c.Scaling.MaxWorkers < c.Scaling.MinWorkers {
		return &maestroerrors.ConfigError{Key: "scaling.maxWorkers", Reason: "must be >= scaling.minWorkers"}
	}
	if c.Scaling.TargetUtilization <= 0 || c.Scaling.TargetUtilization > 1 {
		return &maestroerrors.ConfigError{Key: "scaling.targetUtilization", Reason: "must be in (0, 1]"}
	}
	if c.Scaling.ScaleUpThreshold <= c.Scaling.ScaleDownThreshold {
		return &maestroerrors.ConfigError{Key: "scaling.scaleUpThreshold", Reason: "must exceed scaling.scaleDownThreshold"}
	}
	if c.FaultTolerance.MaxRetries < 0 {
		return &maestroerrors.ConfigError{Key: "faultTolerance.maxRetries", Reason: "must not be negative"}
	}
	if c.FaultTolerance.BackoffFactor < 1 {
		return &maestroerrors.ConfigError{Key: "faultTolerance.backoffFactor", Reason: "must be >= 1"}
	}
	if c.Queue.MaxSize < 1 {
		return &maestroerrors.ConfigError{Key: "queue.maxSize", Reason: "must be at least 1"}
	}
	if c.Storage.ResultRetentionDays < 1 {
		return &maestroerrors.ConfigError{Key: "storage.resultRetentionDays", Reason: "must be at least 1"}
	}
	switch c.Storage.Backend {
	case "", "memory", "sqlite":
	default:
		return &maestroerrors.ConfigError{Key: "storage.backend", Reason: "must be \"memory\" or \"sqlite\""}
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		return &maestroerrors.ConfigError{Key: "storage.path", Reason: "required for the sqlite backend"}
	}
	if c.Storage.EncryptionEnabled && len(c.Storage.EncryptionKey) != 32 {
		return &maestroerrors.ConfigError{Key: "storage.encryptionKey", Reason: "must be exactly 32 bytes for AES-256"}
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return &maestroerrors.ConfigError{Key: "scheduler.timezone", Reason: "unknown timezone", Cause: err}
		}
	}
	seen := make(map[string]bool, len(c.Engines))
	for i, eng := range c.Engines {
		key := fmt.Sprintf("engines[%d]", i)
		if eng.Type == "" {
			return &maestroerrors.ConfigError{Key: key + ".type", Reason: "engine type is required"}
		}
		if eng.BaseURL == "" {
			return &maestroerrors.ConfigError{Key: key + ".baseURL", Reason: "base URL is required"}
		}
		if seen[eng.Type] {
			return &maestroerrors.ConfigError{Key: key + ".type", Reason: fmt.Sprintf("duplicate engine type %q", eng.Type)}
		}
		seen[eng.Type] = true
	}
	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
