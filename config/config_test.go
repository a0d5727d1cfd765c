package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8046, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Retry.MaxRequestRetries)
	assert.Equal(t, 5, cfg.Retry.MaxAccountSwitchTries)
	assert.Equal(t, 3, cfg.Retry.AccountFailureThreshold)
	assert.Equal(t, 7200, cfg.Retry.TextRateLimitCooldownSeconds)
	assert.Equal(t, 14400, cfg.Retry.ImagesRateLimitCooldownSeconds)
	assert.Equal(t, 14400, cfg.Retry.VideosRateLimitCooldownSeconds)
	assert.Equal(t, 3000, cfg.Logging.BufferCapacity)

	_, err = os.Stat(path)
	assert.NoError(t, err, "missing config is written out with defaults")
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 9999
	cfg.Scheduler.Workers = 7
	cfg.Retry.ScheduledRefreshEnabled = true
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, got.Server.Port)
	assert.Equal(t, 7, got.Scheduler.Workers)
	assert.True(t, got.Retry.ScheduledRefreshEnabled)
}

func TestStoreSwap(t *testing.T) {
	store := NewStore(DefaultConfig())
	assert.Equal(t, 8046, store.Current().Server.Port)

	next := DefaultConfig()
	next.Server.Port = 8080
	store.Swap(next)
	assert.Equal(t, 8080, store.Current().Server.Port)
}

func TestRefreshWindow(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Hour, cfg.Retry.RefreshWindow())
}
