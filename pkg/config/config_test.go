package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veritas-labs/scrutiny/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_ADDR", "DATA_DIR", "CONFIG_DIR", "OTLP_ENDPOINT", "ENVIRONMENT"} {
		t.Setenv(key, "")
	}

	cfg := config.Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "configs", cfg.ConfigDir)
	assert.Empty(t, cfg.OTLPEndpoint)
	assert.Equal(t, "development", cfg.Environment)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://scrutiny@db:5432/scrutiny")
	t.Setenv("OTLP_ENDPOINT", "collector:4317")
	t.Setenv("ENVIRONMENT", "production")

	cfg := config.Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://scrutiny@db:5432/scrutiny", cfg.DatabaseURL)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "production", cfg.Environment)
}
