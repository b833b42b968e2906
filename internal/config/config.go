// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Weather provider
	WeatherBaseURL string
	WeatherAPIKey  string

	// Insurance ledger
	ChainRPCURL string
	ChainWSURL  string // empty disables the event stream

	// Monitoring cadence and aggregation
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	BucketSeconds     int64
	LookbackBuckets   int64
	WorkerLimit       int

	// Per-call network timeouts
	FetchTimeout  time.Duration
	SubmitTimeout time.Duration

	// Submission retry policy
	MaxSubmitAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RetrySweep        time.Duration // cadence for re-trying Failed submissions

	Backup *BackupConfig
}

// BackupConfig holds off-box backup settings for the submissions
// database (S3-compatible storage).
type BackupConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Interval  time.Duration
	Keep      int // backups retained remotely
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("ORACLE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("ORACLE_PORT", 8040),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		WeatherBaseURL: getEnv("WEATHER_BASE_URL", "https://api.meteosource.example.com/v1"),
		WeatherAPIKey:  getEnv("WEATHER_API_KEY", ""),

		ChainRPCURL: getEnv("CHAIN_RPC_URL", "http://localhost:9650"),
		ChainWSURL:  getEnv("CHAIN_WS_URL", ""),

		PollInterval:      getEnvAsDuration("POLL_INTERVAL", 5*time.Minute),
		ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", 15*time.Minute),
		BucketSeconds:     int64(getEnvAsInt("BUCKET_SECONDS", 3600)),
		LookbackBuckets:   int64(getEnvAsInt("LOOKBACK_BUCKETS", 48)),
		WorkerLimit:       getEnvAsInt("WORKER_LIMIT", 8),

		FetchTimeout:  getEnvAsDuration("FETCH_TIMEOUT", 30*time.Second),
		SubmitTimeout: getEnvAsDuration("SUBMIT_TIMEOUT", 45*time.Second),

		MaxSubmitAttempts: getEnvAsInt("MAX_SUBMIT_ATTEMPTS", 8),
		BackoffBase:       getEnvAsDuration("BACKOFF_BASE", 2*time.Second),
		BackoffMax:        getEnvAsDuration("BACKOFF_MAX", 5*time.Minute),
		RetrySweep:        getEnvAsDuration("RETRY_SWEEP_INTERVAL", time.Hour),

		Backup: loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration values that would make the engine
// silently misbehave rather than fail fast.
func (c *Config) Validate() error {
	if c.BucketSeconds <= 0 {
		return fmt.Errorf("BUCKET_SECONDS must be positive, got %d", c.BucketSeconds)
	}
	if c.LookbackBuckets <= 0 {
		return fmt.Errorf("LOOKBACK_BUCKETS must be positive, got %d", c.LookbackBuckets)
	}
	if c.WorkerLimit <= 0 {
		return fmt.Errorf("WORKER_LIMIT must be positive, got %d", c.WorkerLimit)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.MaxSubmitAttempts <= 0 {
		return fmt.Errorf("MAX_SUBMIT_ATTEMPTS must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff range %v..%v is invalid", c.BackoffBase, c.BackoffMax)
	}
	// WEATHER_API_KEY is validated lazily: the provider rejects
	// unauthenticated calls with a fatal fault, which reaches the
	// operator with more context than a startup error would.
	return nil
}

func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Enabled:   getEnvAsBool("BACKUP_ENABLED", false),
		Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		Region:    getEnv("BACKUP_S3_REGION", "auto"),
		Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
		AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		Interval:  getEnvAsDuration("BACKUP_INTERVAL", 6*time.Hour),
		Keep:      getEnvAsInt("BACKUP_KEEP", 14),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
