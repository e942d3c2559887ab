package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CLIENT_BASE_URL", "")
	t.Setenv("CLIENT_MAX_ATTACHMENT_BYTES", "")
	t.Setenv("CLIENT_CACHE_TTL_SECONDS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5000/api", cfg.Client.BaseURL)
	assert.Equal(t, int64(150*1024*1024), cfg.Client.MaxAttachmentBytes)
	assert.Equal(t, 30*time.Second, cfg.Client.CacheTTL())
	assert.Equal(t, 100, cfg.Client.CacheMaxEntries)
	assert.Equal(t, 3, cfg.Client.MaxRetries)
	assert.Equal(t, 5, cfg.Storage.MaxFilesPerRequest)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CLIENT_BASE_URL", "https://helpdesk.internal/api")
	t.Setenv("CLIENT_REQUEST_TIMEOUT_SECONDS", "5")
	t.Setenv("CLIENT_MAX_ATTACHMENT_BYTES", "1024")
	t.Setenv("REDIS_CACHE_ENABLED", "true")
	t.Setenv("APP_PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://helpdesk.internal/api", cfg.Client.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Client.RequestTimeout())
	assert.Equal(t, int64(1024), cfg.Client.MaxAttachmentBytes)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "0.0.0.0:9000", cfg.App.Addr())
}

func TestLoad_InvalidRedisDB(t *testing.T) {
	t.Setenv("REDIS_DB", "zero")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_BadNumbersFallBack(t *testing.T) {
	t.Setenv("CLIENT_CACHE_MAX_ENTRIES", "lots")
	t.Setenv("CLIENT_MAX_ATTACHMENT_BYTES", "big")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Client.CacheMaxEntries)
	assert.Equal(t, int64(150*1024*1024), cfg.Client.MaxAttachmentBytes)
}
