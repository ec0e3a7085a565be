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
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.ListSyncInterval)
	assert.Equal(t, 5*time.Second, cfg.ThreadSyncInterval)
	assert.Equal(t, time.Minute, cfg.DedupTolerance)
	assert.False(t, cfg.NATSEnabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.test/messaging")
	t.Setenv("THREAD_SYNC_INTERVAL", "2s")
	t.Setenv("API_RATE_LIMIT", "2.5")
	t.Setenv("AUTO_MOUNT", "true")
	t.Setenv("RATE_LIMIT_REQUESTS", "not-a-number")

	cfg := Load()

	assert.Equal(t, "https://api.example.test/messaging", cfg.APIBaseURL)
	assert.Equal(t, 2*time.Second, cfg.ThreadSyncInterval)
	assert.Equal(t, 2.5, cfg.APIRateLimit)
	assert.True(t, cfg.AutoMount)
	assert.Equal(t, 120, cfg.RateLimitRequests)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.ThreadSyncInterval = 0
	cfg.JWTSecret = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "THREAD_SYNC_INTERVAL")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}
