package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSecret = "0123456789abcdef0123456789abcdef"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"JWT_SECRET", "AUTH_ISSUER_DOMAIN", "AUTH_AUDIENCE", "LISTEN_PORT",
		"FRONTEND_ORIGIN", "ROOM_SALT", "CLUSTER_URL", "REST_API_URL",
		"LOG_DIR", "LOG_LEVEL", "DEVELOPMENT_MODE", "SKIP_AUTH",
		"MAX_QUEUE_SIZE", "MAX_RETRY_ATTEMPTS", "RETRY_BASE_DELAY_MS",
		"MESSAGE_TTL_MS", "PERSIST_QUEUES", "PERSIST_DIR",
		"RATE_LIMIT_WS_IP", "RATE_LIMIT_EVENTS",
	} {
		t.Setenv(key, "")
	}
}

func TestValidateEnvDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", validSecret)

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8001", cfg.ListenPort)
	assert.Equal(t, "http://localhost:3000", cfg.FrontendOrigin)
	assert.Equal(t, "http://localhost:8000", cfg.RestAPIURL)
	assert.Equal(t, 1000, cfg.MaxQueueSize)
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 7*24*time.Hour, cfg.MessageTTL)
	assert.Equal(t, "100-M", cfg.RateLimitEvents)
	assert.False(t, cfg.ClusterEnabled())
	assert.False(t, cfg.PersistQueues)
}

func TestValidateEnvRequiresAuthConfig(t *testing.T) {
	clearEnv(t)

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestValidateEnvShortSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "too-short")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestValidateEnvSkipAuthInDev(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEVELOPMENT_MODE", "true")
	t.Setenv("SKIP_AUTH", "true")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.DevelopmentMode)
	assert.True(t, cfg.SkipAuth)
}

func TestValidateEnvJWKSMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_ISSUER_DOMAIN", "issuer.example.com")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, "issuer.example.com", cfg.AuthIssuerDomain)
}

func TestValidateEnvBadPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", validSecret)
	t.Setenv("LISTEN_PORT", "notaport")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LISTEN_PORT")
}

func TestValidateEnvBadQueueTuning(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", validSecret)
	t.Setenv("MAX_QUEUE_SIZE", "-5")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_QUEUE_SIZE")
}

func TestClusterAddr(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"redis://localhost:6379", "localhost:6379"},
		{"redis://localhost:6379/0", "localhost:6379"},
		{"localhost:6379", "localhost:6379"},
	}
	for _, tc := range cases {
		cfg := &Config{ClusterURL: tc.url}
		assert.Equal(t, tc.want, cfg.ClusterAddr(), tc.url)
		assert.True(t, cfg.ClusterEnabled())
	}
}
