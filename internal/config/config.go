// Package config provides environment configuration for the inbox server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration

	// Messaging API settings
	APIBaseURL   string
	APIToken     string
	APIRateLimit float64
	APIRateBurst int

	// Synchronization
	RequestTimeout     time.Duration
	ListSyncInterval   time.Duration
	ThreadSyncInterval time.Duration
	DedupTolerance     time.Duration
	DirectoryTTL       time.Duration
	EventBuffer        int
	AutoMount          bool
	SSEHeartbeat       time.Duration

	// NATS settings
	NATSEnabled     bool
	NATSURL         string
	NATSCAFile      string
	NATSCertFile    string
	NATSKeyFile     string
	NATSToken       string
	NATSEventMaxAge time.Duration

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		// Messaging API
		APIBaseURL:   getEnv("API_BASE_URL", "http://localhost:9000/api/messaging"),
		APIToken:     getEnv("API_TOKEN", ""),
		APIRateLimit: getFloatEnv("API_RATE_LIMIT", 20),
		APIRateBurst: getIntEnv("API_RATE_BURST", 10),

		// Synchronization
		RequestTimeout:     getDurationEnv("REQUEST_TIMEOUT", 15*time.Second),
		ListSyncInterval:   getDurationEnv("LIST_SYNC_INTERVAL", 10*time.Second),
		ThreadSyncInterval: getDurationEnv("THREAD_SYNC_INTERVAL", 5*time.Second),
		DedupTolerance:     getDurationEnv("DEDUP_TOLERANCE", 60*time.Second),
		DirectoryTTL:       getDurationEnv("DIRECTORY_TTL", 5*time.Minute),
		EventBuffer:        getIntEnv("EVENT_BUFFER", 64),
		AutoMount:          getBoolEnv("AUTO_MOUNT", false),
		SSEHeartbeat:       getDurationEnv("SSE_HEARTBEAT", 30*time.Second),

		// NATS
		NATSEnabled:     getBoolEnv("NATS_ENABLED", false),
		NATSURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:      getEnv("NATS_CA_FILE", ""),
		NATSCertFile:    getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:     getEnv("NATS_KEY_FILE", ""),
		NATSToken:       getEnv("NATS_TOKEN", ""),
		NATSEventMaxAge: getDurationEnv("NATS_EVENT_MAX_AGE", 24*time.Hour),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("API_BASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	positive := map[string]time.Duration{
		"REQUEST_TIMEOUT":      c.RequestTimeout,
		"LIST_SYNC_INTERVAL":   c.ListSyncInterval,
		"THREAD_SYNC_INTERVAL": c.ThreadSyncInterval,
		"DEDUP_TOLERANCE":      c.DedupTolerance,
		"DIRECTORY_TTL":        c.DirectoryTTL,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RateLimitRequests <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS must be positive"))
	}
	return errors.Join(errs...)
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
