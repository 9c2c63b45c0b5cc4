package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the process-level configuration read from the environment.
// Provider settings live in the Store, not here.
type Config struct {
	Addr              string
	LogLevel          string
	ConfigFile        string
	RedisURL          string
	OTLPEndpoint      string
	TraceSampleRatio  float64
	EncryptionKey     string
	AWSRegion         string
	CredentialsSecret string
	ModelCacheTTL     time.Duration
	RateLimitRPM      int

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:              getEnv("ADDR", ":8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		ConfigFile:        getEnv("CHATBRIDGE_CONFIG", "data/ai_config.json"),
		RedisURL:          getEnv("REDIS_URL", ""),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", ""),
		TraceSampleRatio:  getFloatEnv("TRACE_SAMPLE_RATIO", 1),
		EncryptionKey:     getEnv("ENCRYPTION_KEY", ""),
		AWSRegion:         getEnv("AWS_REGION", ""),
		CredentialsSecret: getEnv("CREDENTIALS_SECRET", ""),
		ModelCacheTTL:     getDurationEnv("MODEL_CACHE_TTL", 300*time.Second),
		RateLimitRPM:      getIntEnv("RATE_LIMIT_RPM", 0),
		ShutdownTimeout:   getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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
