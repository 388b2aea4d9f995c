package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/annolab/collab-server/internal/v1/logging"
	"go.uber.org/zap"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret  string
	ListenPort string

	// Optional variables with defaults
	FrontendOrigin string
	RoomSalt       string
	ClusterURL     string
	RestAPIURL     string
	LogDir         string
	LogLevel       string

	// Auth issuer (JWKS mode; HMAC secret is used when unset)
	AuthIssuerDomain string
	AuthAudience     string

	DevelopmentMode bool
	SkipAuth        bool

	// Queue tuning
	MaxQueueSize     int
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	MessageTTL       time.Duration
	PersistQueues    bool
	PersistDir       string

	// Rate limits (ulule formatted, e.g. "100-M")
	RateLimitWsIP   string
	RateLimitEvents string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"

	// Required: JWT_SECRET (minimum 32 characters) unless auth is skipped in dev
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.AuthIssuerDomain = os.Getenv("AUTH_ISSUER_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	if cfg.JWTSecret == "" && cfg.AuthIssuerDomain == "" && !cfg.SkipAuth {
		errors = append(errors, "JWT_SECRET is required (or AUTH_ISSUER_DOMAIN for JWKS mode)")
	} else if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Optional: LISTEN_PORT (defaults to 8001)
	cfg.ListenPort = getEnvOrDefault("LISTEN_PORT", "8001")
	if port, err := strconv.Atoi(cfg.ListenPort); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("LISTEN_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.ListenPort))
	}

	cfg.FrontendOrigin = getEnvOrDefault("FRONTEND_ORIGIN", "http://localhost:3000")
	cfg.RoomSalt = os.Getenv("ROOM_SALT")
	cfg.ClusterURL = os.Getenv("CLUSTER_URL")
	cfg.RestAPIURL = getEnvOrDefault("REST_API_URL", "http://localhost:8000")
	cfg.LogDir = os.Getenv("LOG_DIR")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Queue tuning
	var err error
	if cfg.MaxQueueSize, err = getEnvInt("MAX_QUEUE_SIZE", 1000); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.MaxRetryAttempts, err = getEnvInt("MAX_RETRY_ATTEMPTS", 3); err != nil {
		errors = append(errors, err.Error())
	}
	retryBaseMs, err := getEnvInt("RETRY_BASE_DELAY_MS", 5000)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.RetryBaseDelay = time.Duration(retryBaseMs) * time.Millisecond

	ttlMs, err := getEnvInt("MESSAGE_TTL_MS", int((7 * 24 * time.Hour).Milliseconds()))
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.MessageTTL = time.Duration(ttlMs) * time.Millisecond

	cfg.PersistQueues = os.Getenv("PERSIST_QUEUES") == "true"
	cfg.PersistDir = getEnvOrDefault("PERSIST_DIR", "./data/queues")
	if cfg.PersistQueues && cfg.PersistDir == "" {
		errors = append(errors, "PERSIST_DIR is required when PERSIST_QUEUES=true")
	}

	// Rate limits
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitEvents = getEnvOrDefault("RATE_LIMIT_EVENTS", "100-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// ClusterEnabled reports whether the cluster adapter should be initialized.
func (c *Config) ClusterEnabled() bool {
	return c.ClusterURL != ""
}

// ClusterAddr returns the host:port of the cluster store, stripping a
// redis:// scheme if present.
func (c *Config) ClusterAddr() string {
	addr := strings.TrimPrefix(c.ClusterURL, "redis://")
	// Strip trailing database selector ("host:port/0")
	if i := strings.Index(addr, "/"); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer (got '%s')", key, raw)
	}
	return v, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	logging.Info(nil, "Environment configuration validated",
		zap.String("jwt_secret", redactSecret(cfg.JWTSecret)),
		zap.String("listen_port", cfg.ListenPort),
		zap.String("frontend_origin", cfg.FrontendOrigin),
		zap.Bool("cluster_enabled", cfg.ClusterEnabled()),
		zap.String("cluster_url", cfg.ClusterURL),
		zap.String("rest_api_url", cfg.RestAPIURL),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("development_mode", cfg.DevelopmentMode),
		zap.Bool("persist_queues", cfg.PersistQueues),
		zap.Int("max_queue_size", cfg.MaxQueueSize),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
