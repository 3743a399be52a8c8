// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingAPIKey is returned when the model API key is not configured.
var ErrMissingAPIKey = errors.New("API Key Missing. Add GOOGLE_API_KEY to the environment")

// Config holds all application configuration.
type Config struct {
	Port            string
	DBPath          string
	GoogleAPIKey    string
	ModelName       string
	ModelTimeout    time.Duration
	SessionSecret   string
	SessionTTL      time.Duration
	CookieSecure    bool
	HistoryLimit    int
	SummaryMaxLen   int
	MaxUploadBytes  int64
	PasswordScheme  string // "bcrypt" or "sha256"
	RedisAddr       string
	AMQPURL         string
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// RateLimitConfig bounds model calls per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/medivio.db"),
		GoogleAPIKey:   strings.TrimSpace(getEnv("GOOGLE_API_KEY", "")),
		ModelName:      getEnv("MODEL_NAME", "gemini-1.5-pro"),
		ModelTimeout:   getEnvDuration("MODEL_TIMEOUT", 60*time.Second),
		SessionSecret:  getEnv("SESSION_SECRET", ""),
		SessionTTL:     getEnvDuration("SESSION_TTL", 60*time.Minute),
		CookieSecure:   getEnvBool("COOKIE_SECURE", false),
		HistoryLimit:   getEnvInt("HISTORY_LIMIT", 10),
		SummaryMaxLen:  getEnvInt("SUMMARY_MAX_LEN", 100),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_MB", 200)) << 20,
		PasswordScheme: strings.ToLower(getEnv("PASSWORD_SCHEME", "bcrypt")),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		AMQPURL:        getEnv("AMQP_URL", ""),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.GoogleAPIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ModelName == "" {
		return fmt.Errorf("MODEL_NAME cannot be empty")
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.SummaryMaxLen <= 0 {
		return fmt.Errorf("SUMMARY_MAX_LEN must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be > 0")
	}
	switch c.PasswordScheme {
	case "bcrypt", "sha256":
	default:
		return fmt.Errorf("PASSWORD_SCHEME must be bcrypt or sha256, got %q", c.PasswordScheme)
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
