package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// setupTestEnv sets up environment variables for testing and returns a cleanup function
func setupTestEnv(t *testing.T, envVars map[string]string) func() {
	// Store original values
	original := make(map[string]string)
	for key := range envVars {
		original[key] = os.Getenv(key)
	}

	// Set test values
	for key, value := range envVars {
		if value == "" {
			if err := os.Unsetenv(key); err != nil {
				t.Error(err)
			}
		} else {
			if err := os.Setenv(key, value); err != nil {
				t.Error(err)
			}
		}
	}

	// Return cleanup function
	return func() {
		for key, value := range original {
			if value == "" {
				if err := os.Unsetenv(key); err != nil {
					t.Error(err)
				}
			} else {
				if err := os.Setenv(key, value); err != nil {
					t.Error(err)
				}
			}
		}
	}
}

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{User: "u", Password: "p", Name: "n"},
		Security: SecurityConfig{JWTSecret: testSecret},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Call:     DefaultCallConfig(),
	}
}

func TestLoadConfigSuccess(t *testing.T) {
	cleanup := setupTestEnv(t, map[string]string{
		"DB_PASSWORD":   "test_db_password",
		"JWT_SECRET":    testSecret,
		"HTTP_PORT":     "9090",
		"GRPC_PORT":     "50052",
		"LOG_LEVEL":     "debug",
		"LOG_FORMAT":    "console",
		"KAFKA_BROKERS": "k1:9092, k2:9092",
		"REDIS_ADDR":    "localhost:6379",
	})
	defer cleanup()

	cfg, err := Load()

	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "9090", cfg.Server.HTTPPort)
	assert.Equal(t, "50052", cfg.Server.GRPCPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.Redis.PresenceTTL)
}

func TestLoadConfigCallDefaults(t *testing.T) {
	cleanup := setupTestEnv(t, map[string]string{
		"DB_PASSWORD":            "test_db_password",
		"JWT_SECRET":             testSecret,
		"HEARTBEAT_INTERVAL_MS":  "",
		"STALE_THRESHOLD_MS":     "",
		"IDLE_TIMEOUT_MS":        "",
		"GRACE_PERIOD_MS":        "",
		"ORPHAN_MAX_AGE_SECONDS": "",
	})
	defer cleanup()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25*time.Second, cfg.Call.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Call.StaleThreshold)
	assert.Equal(t, 300*time.Second, cfg.Call.IdleTimeout)
	assert.Equal(t, 60*time.Second, cfg.Call.GracePeriod)
	assert.Equal(t, 60*time.Second, cfg.Call.OrphanMaxAge)
	assert.Equal(t, 30*time.Second, cfg.Call.RingTimeout)
}

func TestLoadConfigCallOverrides(t *testing.T) {
	cleanup := setupTestEnv(t, map[string]string{
		"DB_PASSWORD":            "test_db_password",
		"JWT_SECRET":             testSecret,
		"HEARTBEAT_INTERVAL_MS":  "1000",
		"STALE_THRESHOLD_MS":     "2500",
		"IDLE_TIMEOUT_MS":        "5000",
		"GRACE_PERIOD_MS":        "700",
		"ORPHAN_MAX_AGE_SECONDS": "15",
	})
	defer cleanup()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Call.HeartbeatInterval)
	assert.Equal(t, 2500*time.Millisecond, cfg.Call.StaleThreshold)
	assert.Equal(t, 5*time.Second, cfg.Call.IdleTimeout)
	assert.Equal(t, 700*time.Millisecond, cfg.Call.GracePeriod)
	assert.Equal(t, 15*time.Second, cfg.Call.OrphanMaxAge)
}

func TestLoadConfigInvalidTunable(t *testing.T) {
	cleanup := setupTestEnv(t, map[string]string{
		"DB_PASSWORD":     "test_db_password",
		"JWT_SECRET":      testSecret,
		"GRACE_PERIOD_MS": "soon",
	})
	defer cleanup()

	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "GRACE_PERIOD_MS")
}

func TestLoadConfigMissingRequired(t *testing.T) {
	tests := []struct {
		name        string
		envVars     map[string]string
		expectedErr string
	}{
		{
			name:        "missing DB_PASSWORD",
			envVars:     map[string]string{"DB_PASSWORD": "", "JWT_SECRET": testSecret},
			expectedErr: "DB_PASSWORD is required",
		},
		{
			name:        "missing JWT_SECRET",
			envVars:     map[string]string{"DB_PASSWORD": "pw", "JWT_SECRET": ""},
			expectedErr: "JWT_SECRET must be at least 32 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanup := setupTestEnv(t, tt.envVars)
			defer cleanup()

			cfg, err := Load()

			assert.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func TestValidateCallConfig(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *CallConfig)
		expectedErr string
	}{
		{"defaults", func(_ *CallConfig) {}, ""},
		{"zero heartbeat", func(c *CallConfig) { c.HeartbeatInterval = 0 }, "HEARTBEAT_INTERVAL_MS"},
		{"stale below interval", func(c *CallConfig) { c.StaleThreshold = c.HeartbeatInterval }, "STALE_THRESHOLD_MS"},
		{"zero idle", func(c *CallConfig) { c.IdleTimeout = 0 }, "IDLE_TIMEOUT_MS"},
		{"negative grace", func(c *CallConfig) { c.GracePeriod = -time.Second }, "GRACE_PERIOD_MS"},
		{"zero orphan age", func(c *CallConfig) { c.OrphanMaxAge = 0 }, "ORPHAN_MAX_AGE_SECONDS"},
		{"zero ring timeout", func(c *CallConfig) { c.RingTimeout = 0 }, "RING_TIMEOUT_SECONDS"},
		{"zero ring rate", func(c *CallConfig) { c.RingRatePerMinute = 0 }, "RING_RATE_PER_MINUTE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg.Call)

			err := cfg.Validate()
			if tt.expectedErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func TestValidateLogLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"info", false},
		{"warn", false},
		{"error", false},
		{"trace", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := validConfig()
			cfg.Logging.Level = tt.level

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "LOG_LEVEL")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_FORMAT")
}

func TestValidatePresenceTTL(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PresenceTTL = 0

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PRESENCE_TTL_SECONDS")
}

func TestGetDSN(t *testing.T) {
	dbCfg := DatabaseConfig{
		Host:     "db.example.com",
		Port:     "5433",
		User:     "livering",
		Password: "secret",
		Name:     "calls",
		SSLMode:  "require",
	}

	assert.Equal(t,
		"host=db.example.com port=5433 user=livering password=secret dbname=calls sslmode=require",
		dbCfg.GetDSN(),
	)
}
