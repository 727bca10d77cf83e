package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the lot describe pipeline service
type Config struct {
	// Database configuration (dead-letter store)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis configuration
	RedisURL string

	// Server configuration
	Port string

	// OpenAI configuration
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	VisionModel    string
	TranslateModel string

	// Batch limits
	ActiveBatchLimit int64
	PerKeyBatchLimit int64
	MaxLinesPerBatch int
	LineSizeLimit    int64
	FileSizeLimit    int64

	// Scheduling
	DispatchTick time.Duration
	PollInterval time.Duration
	CheckTimeout time.Duration

	// Delivery retries
	MaxRetries int
	BaseDelay  time.Duration

	// Results
	ResultTTL    time.Duration
	BaseLanguage string

	// Security
	SharedKey string

	// Workers
	CompletionWorkers int

	// RabbitMQ intake (optional; disabled when URL is empty)
	RabbitMQURL        string
	RabbitMQExchange   string
	RabbitMQQueue      string
	RabbitMQRoutingKey string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables
func Load() *Config {
	config := &Config{
		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "lotvision"),

		// Redis defaults
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// Server defaults
		Port: getEnv("PORT", "8080"),

		// OpenAI defaults
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		VisionModel:    getEnv("VISION_MODEL", "o4-mini"),
		TranslateModel: getEnv("TRANSLATE_MODEL", "gpt-4.1-mini"),

		// Batch limits
		ActiveBatchLimit: getInt64Env("ACTIVE_BATCH_LIMIT", 10),
		PerKeyBatchLimit: getInt64Env("PER_KEY_BATCH_LIMIT", 2),
		MaxLinesPerBatch: getIntEnv("MAX_LINES_PER_BATCH", 50000),
		LineSizeLimit:    getInt64Env("LINE_SIZE_LIMIT", 1048576),
		FileSizeLimit:    getInt64Env("FILE_SIZE_LIMIT", 200*1024*1024),

		// Scheduling defaults: the dispatch tick is the external trigger,
		// the scheduler self-throttles on top of it
		DispatchTick: getDurationEnv("DISPATCH_TICK", 5*time.Second),
		PollInterval: getDurationEnv("POLL_INTERVAL", 10*time.Second),
		CheckTimeout: getDurationEnv("CHECK_TIMEOUT", 15*time.Second),

		// Delivery defaults
		MaxRetries: getIntEnv("MAX_RETRIES", 5),
		BaseDelay:  getDurationEnv("BASE_DELAY", 2*time.Second),

		// Result retention must exceed the realistic maximum pipeline
		// latency; the bulk completion window alone is 24h
		ResultTTL:    getDurationEnv("RESULT_TTL", 48*time.Hour),
		BaseLanguage: getEnv("BASE_LANGUAGE", "en"),

		// Security
		SharedKey: getEnv("SHARED_KEY", ""),

		// Workers
		CompletionWorkers: getIntEnv("COMPLETION_WORKERS", 4),

		// RabbitMQ intake
		RabbitMQURL:        getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange:   getEnv("RABBITMQ_EXCHANGE", "lotvision"),
		RabbitMQQueue:      getEnv("RABBITMQ_QUEUE", "lot-submissions"),
		RabbitMQRoutingKey: getEnv("RABBITMQ_ROUTING_KEY", "lots.submit"),

		// Logging defaults
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return config
}

// AMQPConfigured reports whether the RabbitMQ intake should be started.
func (c *Config) AMQPConfigured() bool {
	return strings.TrimSpace(c.RabbitMQURL) != ""
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getInt64Env gets a 64-bit integer environment variable or returns a default value
func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
