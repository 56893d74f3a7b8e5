// Package config provides application configuration management using environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Call     CallConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPPort string
	GRPCPort string
	Host     string
	Env      string
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxOpenConns   int
	MaxIdleConns   int
	MigrationsPath string
}

// RedisConfig holds the presence registry connection settings.
// An empty Addr disables presence gating.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

// KafkaConfig holds the call lifecycle event publisher settings.
// Empty Brokers turns publishing into a no-op.
type KafkaConfig struct {
	Brokers         []string
	CallEventsTopic string
}

// SecurityConfig holds identity verification settings
type SecurityConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// CallConfig holds the call session tunables.
type CallConfig struct {
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	IdleTimeout       time.Duration
	GracePeriod       time.Duration
	OrphanMaxAge      time.Duration
	RingTimeout       time.Duration
	RingRatePerMinute int
}

// Default call tunables.
const (
	DefaultHeartbeatIntervalMS = 25000
	DefaultStaleThresholdMS    = 60000
	DefaultIdleTimeoutMS       = 300000
	DefaultGracePeriodMS       = 60000
	DefaultOrphanMaxAgeSeconds = 60
	DefaultRingTimeoutSeconds  = 30
	DefaultRingRatePerMinute   = 6
)

// DefaultCallConfig returns the call tunables with their documented defaults.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		HeartbeatInterval: DefaultHeartbeatIntervalMS * time.Millisecond,
		StaleThreshold:    DefaultStaleThresholdMS * time.Millisecond,
		IdleTimeout:       DefaultIdleTimeoutMS * time.Millisecond,
		GracePeriod:       DefaultGracePeriodMS * time.Millisecond,
		OrphanMaxAge:      DefaultOrphanMaxAgeSeconds * time.Second,
		RingTimeout:       DefaultRingTimeoutSeconds * time.Second,
		RingRatePerMinute: DefaultRingRatePerMinute,
	}
}

// Load loads configuration from environment variables
// It optionally loads from a .env file if it exists
func Load() (*Config, error) {
	// Try to load .env file (optional, ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Server = ServerConfig{
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		GRPCPort: getEnv("GRPC_PORT", "50051"),
		Host:     getEnv("SERVER_HOST", "localhost"),
		Env:      getEnv("ENVIRONMENT", "development"),
	}

	maxOpenConns, _ := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "25"))
	maxIdleConns, _ := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "5"))

	cfg.Database = DatabaseConfig{
		Host:           getEnv("DB_HOST", "localhost"),
		Port:           getEnv("DB_PORT", "5432"),
		User:           getEnv("DB_USER", "livering"),
		Password:       getEnv("DB_PASSWORD", ""),
		Name:           getEnv("DB_NAME", "livering_db"),
		SSLMode:        getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:   maxOpenConns,
		MaxIdleConns:   maxIdleConns,
		MigrationsPath: getEnv("DB_MIGRATIONS_PATH", ""),
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	presenceTTL, _ := strconv.Atoi(getEnv("PRESENCE_TTL_SECONDS", "90"))

	cfg.Redis = RedisConfig{
		Addr:        getEnv("REDIS_ADDR", ""),
		Password:    getEnv("REDIS_PASSWORD", ""),
		DB:          redisDB,
		PresenceTTL: time.Duration(presenceTTL) * time.Second,
	}

	cfg.Kafka = KafkaConfig{
		Brokers:         splitList(getEnv("KAFKA_BROKERS", "")),
		CallEventsTopic: getEnv("KAFKA_CALL_EVENTS_TOPIC", "call-events"),
	}

	cfg.Security = SecurityConfig{
		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", ""),
		JWTAudience: getEnv("JWT_AUDIENCE", ""),
	}

	cfg.Logging = LoggingConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	}

	call, err := LoadCallConfig()
	if err != nil {
		return nil, err
	}
	cfg.Call = call

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadCallConfig reads the call tunables from the environment on top of the
// defaults. It does not load or validate anything else.
func LoadCallConfig() (CallConfig, error) {
	call := DefaultCallConfig()

	fields := []struct {
		key  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"HEARTBEAT_INTERVAL_MS", time.Millisecond, &call.HeartbeatInterval},
		{"STALE_THRESHOLD_MS", time.Millisecond, &call.StaleThreshold},
		{"IDLE_TIMEOUT_MS", time.Millisecond, &call.IdleTimeout},
		{"GRACE_PERIOD_MS", time.Millisecond, &call.GracePeriod},
		{"ORPHAN_MAX_AGE_SECONDS", time.Second, &call.OrphanMaxAge},
		{"RING_TIMEOUT_SECONDS", time.Second, &call.RingTimeout},
	}

	for _, f := range fields {
		raw := os.Getenv(f.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return CallConfig{}, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = time.Duration(n) * f.unit
	}

	if raw := os.Getenv("RING_RATE_PER_MINUTE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return CallConfig{}, fmt.Errorf("invalid RING_RATE_PER_MINUTE: %w", err)
		}
		call.RingRatePerMinute = n
	}

	return call, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate Database Config
	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	// Validate Security Config
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}

	if c.Redis.Addr != "" && c.Redis.PresenceTTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL_SECONDS must be positive")
	}

	if err := c.Call.Validate(); err != nil {
		return err
	}

	// Validate Logging Config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console")
	}

	return nil
}

// Validate checks the call tunables.
func (c CallConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_MS must be positive")
	}
	if c.StaleThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("STALE_THRESHOLD_MS must be greater than HEARTBEAT_INTERVAL_MS")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT_MS must be positive")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("GRACE_PERIOD_MS must be positive")
	}
	if c.OrphanMaxAge <= 0 {
		return fmt.Errorf("ORPHAN_MAX_AGE_SECONDS must be positive")
	}
	if c.RingTimeout <= 0 {
		return fmt.Errorf("RING_TIMEOUT_SECONDS must be positive")
	}
	if c.RingRatePerMinute <= 0 {
		return fmt.Errorf("RING_RATE_PER_MINUTE must be positive")
	}
	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// getEnv retrieves an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
