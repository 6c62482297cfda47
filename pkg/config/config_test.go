package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alitft/alitft/pkg/lifecycle"
	"github.com/alitft/alitft/pkg/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, transport.DefaultConfig().Lifecycle, cfg.Lifecycle)
	assert.True(t, cfg.KeepAlive)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
auto_reconnect = true

[lifecycle]
animation_minimum = "40s"
connecting_streak = 5

[timeouts]
status = "2s"

[keepalive]
enabled = false

[pacing.connected]
pre_delay = "10ms"
max_retries = 1
accept_scsi_failure = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 40*time.Second, cfg.Lifecycle.AnimationMinimum)
	assert.Equal(t, 5, cfg.Lifecycle.ConnectingStreak)
	// Untouched values keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.ConnectedSilence)
	assert.Equal(t, 2*time.Second, cfg.StatusTimeout)
	assert.False(t, cfg.KeepAlive)
	assert.True(t, cfg.AutoReconnect)

	p := cfg.Policies.For(lifecycle.Connected)
	assert.Equal(t, 10*time.Millisecond, p.PreDelay)
	assert.Equal(t, 1, p.MaxRetries)
	assert.True(t, p.AcceptScsiFailure)
	assert.True(t, p.ResetOnRepeatedStall, "unrelated fields survive the overlay")

	assert.Equal(t, 200*time.Millisecond, cfg.Policies.For(lifecycle.Animation).PreDelay)
}

func TestLoadBadPhase(t *testing.T) {
	path := writeConfig(t, `
[pacing.warp]
pre_delay = "10ms"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `
[timeouts]
command = "fast"
`)
	_, err := Load(path)
	assert.Error(t, err)
}
