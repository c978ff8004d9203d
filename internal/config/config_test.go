package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// WithEnv is a test helper that sets environment variables for the duration of a test
func WithEnv(t *testing.T, key, value string) {
	t.Helper()
	original := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if original == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, original)
		}
	})
}

func validationFields(t *testing.T, err error) []string {
	t.Helper()
	var verr ValidationErrors
	require.True(t, errors.As(err, &verr), "expected ValidationErrors, got %T", err)
	fields := make([]string, 0, len(verr))
	for _, e := range verr {
		fields = append(fields, e.Field)
	}
	return fields
}

func TestConfig_Load_Defaults(t *testing.T) {
	WithEnv(t, "DATABASE_URL", "postgres://localhost/test")
	WithEnv(t, "APP_ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/test", cfg.Database.URL)
	assert.Equal(t, DefaultMigrationsPath, cfg.Database.MigrationsPath)
	assert.Equal(t, int32(DefaultMaxConns), cfg.Database.MaxConns)
	assert.Equal(t, DefaultMaxConnIdleTime, cfg.Database.MaxConnIdleTime)
	assert.Equal(t, DefaultServerHost, cfg.Server.Host)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultLogLevel, cfg.Logger.Level)

	agg := cfg.Aggregation
	assert.True(t, agg.Enabled)
	assert.Equal(t, 70, agg.PrimaryThreshold)
	assert.Equal(t, 50, agg.SecondaryThreshold)
	assert.Equal(t, 50, agg.SuggestThreshold)
	assert.Equal(t, 15, agg.PrimaryHitLimit)
	assert.Equal(t, 20, agg.SecondaryHitLimit)
	assert.Equal(t, 100, agg.FirstLetterHitLimit)
	assert.Equal(t, DefaultSweepSpec, agg.SweepSpec)
}

func TestConfig_Load_Overrides(t *testing.T) {
	WithEnv(t, "DATABASE_URL", "postgres://localhost/test")
	WithEnv(t, "APP_ENV", "development")
	WithEnv(t, "PORT", "3000")
	WithEnv(t, "CORS_ALLOW_ALL", "true")
	WithEnv(t, "DB_MAX_CONN_LIFETIME", "15m")
	WithEnv(t, "AGGREGATION_ENABLED", "false")
	WithEnv(t, "AGGREGATION_SUGGEST_THRESHOLD", "60")
	WithEnv(t, "NICKNAME_CACHE_SIZE", "128")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.True(t, cfg.CORS.AllowAll)
	assert.Equal(t, 15*time.Minute, cfg.Database.MaxConnLifetime)
	assert.False(t, cfg.Aggregation.Enabled)
	assert.Equal(t, 60, cfg.Aggregation.SuggestThreshold)
	assert.Equal(t, 128, cfg.Aggregation.NicknameCacheSize)
}

func TestConfig_Load_UnparseableValuesFallBack(t *testing.T) {
	WithEnv(t, "DATABASE_URL", "postgres://localhost/test")
	WithEnv(t, "APP_ENV", "development")
	WithEnv(t, "PORT", "eighty")
	WithEnv(t, "DB_HEALTH_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultHealthCheckTimeout, cfg.Database.HealthTimeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "missing database URL",
			mutate: func(c *Config) { c.Database.URL = "" },
			field:  "DATABASE_URL",
		},
		{
			name:   "port out of range",
			mutate: func(c *Config) { c.Server.Port = 99999 },
			field:  "PORT",
		},
		{
			name:   "invalid log level",
			mutate: func(c *Config) { c.Logger.Level = "loud" },
			field:  "LOG_LEVEL",
		},
		{
			name:   "invalid environment",
			mutate: func(c *Config) { c.Logger.Environment = "moon" },
			field:  "APP_ENV",
		},
		{
			name:   "no pool connections",
			mutate: func(c *Config) { c.Database.MaxConns = 0 },
			field:  "DB_MAX_CONNS",
		},
		{
			name:   "min connections above max",
			mutate: func(c *Config) { c.Database.MinConns = 10 },
			field:  "DB_MIN_CONNS",
		},
		{
			name: "production requires API key",
			mutate: func(c *Config) {
				c.Logger.Environment = "production"
				c.External.APIKey = ""
			},
			field: "API_KEY",
		},
		{
			name:   "threshold above max score",
			mutate: func(c *Config) { c.Aggregation.PrimaryThreshold = 101 },
			field:  "AGGREGATION_PRIMARY_THRESHOLD",
		},
		{
			name:   "zero suggest threshold",
			mutate: func(c *Config) { c.Aggregation.SuggestThreshold = 0 },
			field:  "AGGREGATION_SUGGEST_THRESHOLD",
		},
		{
			name:   "zero hit limit",
			mutate: func(c *Config) { c.Aggregation.SecondaryHitLimit = 0 },
			field:  "AGGREGATION_SECONDARY_HIT_LIMIT",
		},
		{
			name:   "zero cache size",
			mutate: func(c *Config) { c.Aggregation.NicknameCacheSize = 0 },
			field:  "NICKNAME_CACHE_SIZE",
		},
		{
			name: "restricted CORS without frontend",
			mutate: func(c *Config) {
				c.CORS.AllowAll = false
				c.CORS.FrontendURL = ""
			},
			field: "FRONTEND_URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := TestConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, validationFields(t, err), tt.field)
		})
	}
}

func TestConfig_TestConfigIsValid(t *testing.T) {
	assert.NoError(t, TestConfig().Validate())
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"production", true},
		{"development", false},
		{"staging", false},
		{"test", false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := &Config{Logger: LoggerConfig{Environment: tt.env}}
			assert.Equal(t, tt.want, cfg.IsProduction())
			assert.Equal(t, tt.env == "development", cfg.IsDevelopment())
		})
	}
}

func TestConfig_GetBindAddress(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "0.0.0.0", Port: 3000}}
	assert.Equal(t, "0.0.0.0:3000", cfg.GetBindAddress())
}

func TestConfig_ValidationErrorFormat(t *testing.T) {
	WithEnv(t, "DATABASE_URL", "")
	WithEnv(t, "APP_ENV", "invalid")
	WithEnv(t, "LOG_LEVEL", "invalid")

	_, err := Load()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "configuration validation failed:")
	assert.Contains(t, msg, "DATABASE_URL")
	assert.Contains(t, msg, "APP_ENV")
	assert.Contains(t, msg, "LOG_LEVEL")
	assert.ElementsMatch(t, []string{"DATABASE_URL", "APP_ENV", "LOG_LEVEL"}, validationFields(t, err))
}
