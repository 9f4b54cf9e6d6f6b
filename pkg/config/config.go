package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Environment     string
	LogLevel        string
	Server          ServerConfig
	Database        DatabaseConfig
	RemoteDatabase  DatabaseConfig
	Redis           RedisConfig
	OTEL            OTELConfig
	ExecutionServer ExecutionServerConfig
	Retry           RetryConfig
	OptimisticLock  OptimisticLockConfig
	Callback        CallbackConfig
	Reconciliation  ReconciliationConfig
	Sync            SyncConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string
	Port int
	CORS CORSConfig
}

// CORSConfig controls which browser origins may call the API and which
// request headers they may send.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Enabled  bool
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// ExecutionServerConfig describes the remote decryption/execution server.
type ExecutionServerConfig struct {
	URL              string
	Timeout          time.Duration
	SubmitDeadline   time.Duration
	RequestIDPrefix  string
	HealthPath       string
	ProbeInterval    time.Duration
	PollInterval     time.Duration
	FailureThreshold int
}

// RetryConfig holds network retry settings for execution server calls.
type RetryConfig struct {
	MaxRetries           int
	InitialDelay         time.Duration
	MaxDelay             time.Duration
	Multiplier           float64
	RetryableStatusCodes []int
}

// OptimisticLockConfig holds the adaptive lock retry policy.
type OptimisticLockConfig struct {
	BaseAttempts              int
	ElevatedAttempts          int
	DegradedAttempts          int
	ElevatedConflictThreshold int
	DegradedSuccessRate       float64
	BaseDelay                 time.Duration
	MaxDelay                  time.Duration
}

// CallbackConfig holds result callback delivery settings.
type CallbackConfig struct {
	Endpoints     []string
	MaxRetries    int
	RetryInterval time.Duration
	Timeout       time.Duration
	Secret        string
}

// ReconciliationConfig holds consistency sweep settings.
type ReconciliationConfig struct {
	Enabled         bool
	Interval        time.Duration
	AutoFix         bool
	GracePeriod     time.Duration
	BatchLimit      int
	ValidatePayload bool
}

// SyncConfig holds nightly HIS sync settings.
type SyncConfig struct {
	Enabled     bool
	Workers     int
	Deadline    time.Duration
	NightlyHour int
	AutoSubmit  bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("APP_ENV", "production"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
			CORS: CORSConfig{
				AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", getEnvAsList("ALLOWED_ORIGINS", []string{"*"})),
				AllowedMethods: getEnvAsList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "OPTIONS"}),
				AllowedHeaders: getEnvAsList("CORS_ALLOWED_HEADERS", []string{
					"Content-Type", "Authorization", "X-Callback-Signature", "X-Request-ID",
				}),
				MaxAge: getEnvAsDuration("CORS_MAX_AGE", 10*time.Minute),
			},
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "his_prompt"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		RemoteDatabase: DatabaseConfig{
			Host:     getEnv("REMOTE_DB_HOST", "localhost"),
			Port:     getEnvAsInt("REMOTE_DB_PORT", 5432),
			User:     getEnv("REMOTE_DB_USER", "postgres"),
			Password: getEnv("REMOTE_DB_PASSWORD", ""),
			Database: getEnv("REMOTE_DB_NAME", "decrypt_server"),
			SSLMode:  getEnv("REMOTE_DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "his-prompt"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		ExecutionServer: ExecutionServerConfig{
			URL:              getEnv("EXECUTION_SERVER_URL", "http://localhost:9090"),
			Timeout:          getEnvAsDuration("EXECUTION_SERVER_TIMEOUT", 30*time.Second),
			SubmitDeadline:   getEnvAsDuration("EXECUTION_SUBMIT_DEADLINE", 90*time.Second),
			RequestIDPrefix:  getEnv("EXECUTION_REQUEST_ID_PREFIX", "AI_PROMPT_"),
			HealthPath:       getEnv("EXECUTION_SERVER_HEALTH_PATH", "/health"),
			ProbeInterval:    getEnvAsDuration("EXECUTION_SERVER_PROBE_INTERVAL", 30*time.Second),
			PollInterval:     getEnvAsDuration("EXECUTION_SERVER_POLL_INTERVAL", time.Minute),
			FailureThreshold: getEnvAsInt("EXECUTION_SERVER_FAILURE_THRESHOLD", 3),
		},
		Retry: RetryConfig{
			MaxRetries:           getEnvAsInt("RETRY_MAX_RETRIES", 3),
			InitialDelay:         getEnvAsDuration("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:             getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:           getEnvAsFloat("RETRY_MULTIPLIER", 2.0),
			RetryableStatusCodes: getEnvAsIntList("RETRY_STATUS_CODES", []int{429, 500, 502, 503, 504}),
		},
		OptimisticLock: OptimisticLockConfig{
			BaseAttempts:              getEnvAsInt("LOCK_BASE_ATTEMPTS", 4),
			ElevatedAttempts:          getEnvAsInt("LOCK_ELEVATED_ATTEMPTS", 6),
			DegradedAttempts:          getEnvAsInt("LOCK_DEGRADED_ATTEMPTS", 8),
			ElevatedConflictThreshold: getEnvAsInt("LOCK_ELEVATED_CONFLICT_THRESHOLD", 50),
			DegradedSuccessRate:       getEnvAsFloat("LOCK_DEGRADED_SUCCESS_RATE", 0.6),
			BaseDelay:                 getEnvAsDuration("LOCK_BASE_DELAY", 200*time.Millisecond),
			MaxDelay:                  getEnvAsDuration("LOCK_MAX_DELAY", 2*time.Second),
		},
		Callback: CallbackConfig{
			Endpoints:     getEnvAsList("CALLBACK_ENDPOINTS", nil),
			MaxRetries:    getEnvAsInt("CALLBACK_MAX_RETRIES", 3),
			RetryInterval: getEnvAsDuration("CALLBACK_RETRY_INTERVAL", 5*time.Second),
			Timeout:       getEnvAsDuration("CALLBACK_TIMEOUT", 10*time.Second),
			Secret:        getEnv("CALLBACK_SECRET", ""),
		},
		Reconciliation: ReconciliationConfig{
			Enabled:         getEnvAsBool("RECONCILE_ENABLED", true),
			Interval:        getEnvAsDuration("RECONCILE_INTERVAL", 10*time.Minute),
			AutoFix:         getEnvAsBool("RECONCILE_AUTO_FIX", true),
			GracePeriod:     getEnvAsDuration("RECONCILE_GRACE_PERIOD", 2*time.Minute),
			BatchLimit:      getEnvAsInt("RECONCILE_BATCH_LIMIT", 1000),
			ValidatePayload: getEnvAsBool("RECONCILE_VALIDATE_PAYLOAD", false),
		},
		Sync: SyncConfig{
			Enabled:     getEnvAsBool("SYNC_ENABLED", true),
			Workers:     getEnvAsInt("SYNC_WORKERS", 5),
			Deadline:    getEnvAsDuration("SYNC_DEADLINE", 2*time.Hour),
			NightlyHour: getEnvAsInt("SYNC_NIGHTLY_HOUR", 2),
			AutoSubmit:  getEnvAsBool("SYNC_AUTO_SUBMIT", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.ExecutionServer.URL == "" {
		return fmt.Errorf("EXECUTION_SERVER_URL must be set")
	}
	if c.ExecutionServer.RequestIDPrefix == "" {
		return fmt.Errorf("EXECUTION_REQUEST_ID_PREFIX must not be empty")
	}
	if c.Sync.NightlyHour < 0 || c.Sync.NightlyHour > 23 {
		return fmt.Errorf("SYNC_NIGHTLY_HOUR must be between 0 and 23, got %d", c.Sync.NightlyHour)
	}
	if c.ExecutionServer.SubmitDeadline <= 0 {
		return fmt.Errorf("EXECUTION_SUBMIT_DEADLINE must be positive, got %s", c.ExecutionServer.SubmitDeadline)
	}
	// A submission still in flight must never look abandoned to the reconciler.
	if c.Reconciliation.GracePeriod <= c.ExecutionServer.SubmitDeadline {
		return fmt.Errorf("RECONCILE_GRACE_PERIOD (%s) must exceed EXECUTION_SUBMIT_DEADLINE (%s)",
			c.Reconciliation.GracePeriod, c.ExecutionServer.SubmitDeadline)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be >= 1, got %v", c.Retry.Multiplier)
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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

// getEnvAsList splits a comma-separated value, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsIntList(key string, defaultValue []int) []int {
	parts := getEnvAsList(key, nil)
	if len(parts) == 0 {
		return defaultValue
	}
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return defaultValue
		}
		out = append(out, n)
	}
	return out
}
