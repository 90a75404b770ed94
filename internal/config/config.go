// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "development-secret-change-in-production"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Env                string
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// Database settings
	DatabaseURL      string
	DBMaxConns       int
	DBConnectRetries int
	DBMigrateOnStart bool

	// Cache settings
	RedisURL         string
	CacheEnabled     bool
	CacheContextSize int
	CacheContextMax  int

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// LLM settings
	AnthropicAPIKey    string
	OpenAIAPIKey       string
	DefaultProvider    string
	DefaultModel       string
	DefaultTemperature float64
	DefaultMaxTokens   int

	// Sentiment settings
	DefaultSentimentMethod string
	NLPEnabled             bool
	GoogleCloudProject     string

	// Rate limiting
	RateLimitEnabled bool
	RateLimitGeneral int
	RateLimitChat    int
	RateLimitAuth    int
	RateLimitWindow  time.Duration
	RateLimitBurst   int

	// Background work
	WorkerPoolSize    int
	WorkerTaskTimeout time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		Env:                getEnv("ENV", "development"),
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		CORSOrigins:        getListEnv("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Database
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DBMaxConns:       getIntEnv("DB_MAX_CONNS", 10),
		DBConnectRetries: getIntEnv("DB_CONNECT_RETRIES", 3),
		DBMigrateOnStart: getBoolEnv("DB_MIGRATE_ON_START", false),

		// Cache
		RedisURL:         getEnv("REDIS_URL", ""),
		CacheEnabled:     getBoolEnv("CACHE_ENABLED", true),
		CacheContextSize: getIntEnv("CACHE_CONTEXT_SIZE", 10),
		CacheContextMax:  getIntEnv("CACHE_CONTEXT_MAX", 50),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", defaultJWTSecret),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 7*24*time.Hour),

		// LLM
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		DefaultProvider:    getEnv("DEFAULT_LLM_PROVIDER", "openai"),
		DefaultModel:       getEnv("DEFAULT_LLM_MODEL", "gpt-4o-mini"),
		DefaultTemperature: getFloatEnv("DEFAULT_TEMPERATURE", 0.7),
		DefaultMaxTokens:   getIntEnv("DEFAULT_MAX_TOKENS", 2048),

		// Sentiment
		DefaultSentimentMethod: getEnv("DEFAULT_SENTIMENT_METHOD", "llm_separate"),
		NLPEnabled:             getBoolEnv("NLP_ENABLED", false),
		GoogleCloudProject:     getEnv("GOOGLE_CLOUD_PROJECT", ""),

		// Rate limiting
		RateLimitEnabled: getBoolEnv("RATE_LIMIT_ENABLED", true),
		RateLimitGeneral: getIntEnv("RATE_LIMIT_GENERAL", 60),
		RateLimitChat:    getIntEnv("RATE_LIMIT_CHAT", 20),
		RateLimitAuth:    getIntEnv("RATE_LIMIT_AUTH", 10),
		RateLimitWindow:  getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitBurst:   getIntEnv("RATE_LIMIT_BURST", 200),

		// Background work
		WorkerPoolSize:    getIntEnv("WORKER_POOL_SIZE", 32),
		WorkerTaskTimeout: getDurationEnv("WORKER_TASK_TIMEOUT", 10*time.Second),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects configurations that must not reach production.
func (c *Config) Validate() error {
	if !c.IsProduction() {
		return nil
	}
	if c.JWTSecret == defaultJWTSecret || len(c.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be set to at least 32 characters in production")
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
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
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
