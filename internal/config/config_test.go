package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 10, cfg.CacheContextSize)
	assert.Equal(t, 60, cfg.RateLimitGeneral)
	assert.Equal(t, 20, cfg.RateLimitChat)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.InDelta(t, 0.7, cfg.DefaultTemperature, 1e-9)
	assert.Equal(t, 2048, cfg.DefaultMaxTokens)
	assert.Equal(t, "llm_separate", cfg.DefaultSentimentMethod)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RATE_LIMIT_CHAT", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("DEFAULT_TEMPERATURE", "0.2")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")

	cfg := Load()

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 5, cfg.RateLimitChat)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.InDelta(t, 0.2, cfg.DefaultTemperature, 1e-9)
	assert.False(t, cfg.RateLimitEnabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RATE_LIMIT_GENERAL", "lots")
	t.Setenv("SERVER_READ_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 60, cfg.RateLimitGeneral)
	assert.Equal(t, 30*time.Second, cfg.ServerReadTimeout)
}

func TestValidateProduction(t *testing.T) {
	cfg := Load()
	cfg.Env = "production"
	cfg.JWTSecret = defaultJWTSecret
	cfg.DatabaseURL = "postgres://localhost/chat"
	require.Error(t, cfg.Validate())

	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	require.NoError(t, cfg.Validate())

	cfg.DatabaseURL = ""
	require.Error(t, cfg.Validate())

	cfg.Env = "development"
	assert.NoError(t, cfg.Validate())
}
