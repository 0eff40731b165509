package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StoreCallTimeout bounds each job store, queue and cache call the worker
// makes outside the job budget.
const StoreCallTimeout = 10 * time.Second

// finalizeCalls is the longest run of store calls after the budget expires:
// count an output failure, record the outcome, mirror it, delete the message.
const finalizeCalls = 4

// Config holds all configuration for the churn scoring worker.
type Config struct {
	Worker   WorkerConfig
	Queue    QueueConfig
	Database DatabaseConfig
	Blob     BlobConfig
	Model    ModelConfig
	Limits   LimitsConfig
	Health   HealthConfig
}

type WorkerConfig struct {
	ID           string
	JobBudget    time.Duration
	PollWait     time.Duration
	ReleaseDelay time.Duration
}

type QueueConfig struct {
	URL               string
	Stream            string
	Group             string
	DeadLetterStream  string
	VisibilityTimeout time.Duration
	MaxReceive        int
}

type DatabaseConfig struct {
	URL             string
	MigrationsDir   string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type BlobConfig struct {
	Bucket   string
	Endpoint string
	Region   string
}

type ModelConfig struct {
	Dir         string
	NamePattern string
}

type LimitsConfig struct {
	MaxInputRows    int
	MaxInputColumns int
}

type HealthConfig struct {
	Port int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error naming the offending variable if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Worker: WorkerConfig{
			ID:           envString("WORKER_ID", "worker-"+uuid.NewString()[:8]),
			JobBudget:    envDurationSecs("PER_JOB_BUDGET_SECONDS", 300*time.Second),
			PollWait:     envDurationSecs("POLL_WAIT_SECONDS", 20*time.Second),
			ReleaseDelay: envDurationSecs("RELEASE_BACKOFF_SECONDS", 1*time.Second),
		},
		Queue: QueueConfig{
			URL:               os.Getenv("QUEUE_URL"),
			Stream:            envString("QUEUE_STREAM", "churn:jobs"),
			Group:             envString("QUEUE_GROUP", "churn-workers"),
			DeadLetterStream:  envString("QUEUE_DLQ_STREAM", "churn:jobs:dlq"),
			VisibilityTimeout: envDurationSecs("VISIBILITY_TIMEOUT_SECONDS", 360*time.Second),
			MaxReceive:        envInt("MAX_RECEIVE", 3),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("JOB_STORE_URL"),
			MigrationsDir:   envString("JOB_STORE_MIGRATIONS", "migrations"),
			MaxOpenConns:    envInt("JOB_STORE_MAX_OPEN_CONNS", 4),
			MaxIdleConns:    envInt("JOB_STORE_MAX_IDLE_CONNS", 1),
			ConnMaxLifetime: envDuration("JOB_STORE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Blob: BlobConfig{
			Bucket:   os.Getenv("BLOB_BUCKET"),
			Endpoint: os.Getenv("BLOB_ENDPOINT"),
			Region:   envString("BLOB_REGION", "us-east-1"),
		},
		Model: ModelConfig{
			Dir:         os.Getenv("MODEL_DIR"),
			NamePattern: envString("MODEL_NAME_PATTERN", "model_*.bundle"),
		},
		Limits: LimitsConfig{
			MaxInputRows:    envInt("MAX_INPUT_ROWS", 100_000),
			MaxInputColumns: envInt("MAX_INPUT_COLUMNS", 1024),
		},
		Health: HealthConfig{
			Port: envInt("HEALTH_PORT", 9090),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Queue.URL == "" {
		return fmt.Errorf("QUEUE_URL is required")
	}
	if !strings.HasPrefix(c.Queue.URL, "redis://") && !strings.HasPrefix(c.Queue.URL, "rediss://") {
		return fmt.Errorf("QUEUE_URL must start with redis:// or rediss://")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("JOB_STORE_URL is required")
	}
	if !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("JOB_STORE_URL must start with postgres:// or postgresql://")
	}

	if c.Blob.Bucket == "" {
		return fmt.Errorf("BLOB_BUCKET is required")
	}

	if c.Model.Dir == "" {
		return fmt.Errorf("MODEL_DIR is required")
	}
	if c.Model.NamePattern == "" {
		return fmt.Errorf("MODEL_NAME_PATTERN must not be empty")
	}

	if c.Worker.JobBudget <= 0 {
		return fmt.Errorf("PER_JOB_BUDGET_SECONDS must be positive")
	}
	if c.Worker.PollWait <= 0 {
		return fmt.Errorf("POLL_WAIT_SECONDS must be positive")
	}
	// A job must be finalized before its message becomes visible again.
	if limit := c.Worker.JobBudget + finalizeCalls*StoreCallTimeout; c.Queue.VisibilityTimeout <= limit {
		return fmt.Errorf("VISIBILITY_TIMEOUT_SECONDS (%s) must exceed PER_JOB_BUDGET_SECONDS plus %d store calls of %s (%s)",
			c.Queue.VisibilityTimeout, finalizeCalls, StoreCallTimeout, limit)
	}
	if c.Queue.MaxReceive < 1 {
		return fmt.Errorf("MAX_RECEIVE must be at least 1")
	}

	if c.Limits.MaxInputRows < 1 {
		return fmt.Errorf("MAX_INPUT_ROWS must be positive")
	}
	if c.Limits.MaxInputColumns < 1 {
		return fmt.Errorf("MAX_INPUT_COLUMNS must be positive")
	}

	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("HEALTH_PORT must be between 0 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
