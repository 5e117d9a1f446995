package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte("sync:\n  initial_limit: 50\n"), 0o644))

	cfg, err := LoadFrom("local", dir)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Sync.InitialLimit)
	assert.Equal(t, 200, cfg.Sync.ScheduledLimit)
	assert.Equal(t, time.Minute, cfg.Sync.ApprovedGrace)
	assert.Equal(t, 30*time.Second, cfg.Sync.CountTTL)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, ":8080", cfg.Server.Port)
}

func TestLoadFrom_RepositoryConfig(t *testing.T) {
	cfg, err := LoadFrom("local", ".")
	require.NoError(t, err)

	assert.Equal(t, "email.events", cfg.MQ.Exchange)
	assert.Equal(t, 5*time.Minute, cfg.Sync.StatuslessGrace)
	assert.Equal(t, 24*time.Hour, cfg.Sync.StuckAfter)
	assert.Equal(t, 300*time.Millisecond, cfg.Sync.NotifyWindow)
	assert.True(t, cfg.Reconcile.DryRun)
	assert.Empty(t, cfg.Redis.Addr)
}
