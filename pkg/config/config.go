package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Payer        PayerConfig
	Verification VerificationConfig
	OTEL         OTELConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string
	Port int
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
}

// PayerConfig holds eligibility source configuration
type PayerConfig struct {
	BaseURL        string
	APIKey         string
	APISecret      string
	RequestTimeout time.Duration
	TokenTTL       time.Duration
}

// VerificationConfig holds eligibility engine tuning
type VerificationConfig struct {
	CacheTTL         time.Duration
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	SweepConcurrency int
	SweepInterval    time.Duration
	// PendingMaxAge is the oldest a pending-verification flag may get
	// before the watchdog clears it.
	PendingMaxAge time.Duration
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "patient_platform"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Payer: PayerConfig{
			BaseURL:        getEnv("PAYER_BASE_URL", "http://localhost:9090"),
			APIKey:         getEnv("PAYER_API_KEY", ""),
			APISecret:      getEnv("PAYER_API_SECRET", ""),
			RequestTimeout: getEnvAsDuration("PAYER_REQUEST_TIMEOUT", 10*time.Second),
			TokenTTL:       getEnvAsDuration("PAYER_TOKEN_TTL", 30*time.Minute),
		},
		Verification: VerificationConfig{
			CacheTTL:         getEnvAsDuration("ELIGIBILITY_CACHE_TTL", time.Hour),
			MaxAttempts:      getEnvAsInt("VERIFY_MAX_ATTEMPTS", 3),
			BaseDelay:        getEnvAsDuration("VERIFY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:         getEnvAsDuration("VERIFY_MAX_DELAY", 15*time.Second),
			SweepConcurrency: getEnvAsInt("SWEEP_CONCURRENCY", 8),
			SweepInterval:    getEnvAsDuration("SWEEP_INTERVAL", 6*time.Hour),
			PendingMaxAge:    getEnvAsDuration("PENDING_MAX_AGE", 5*time.Minute),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "eligibility-engine"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
	}, nil
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
