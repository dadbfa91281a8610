package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Governor.HourlyQuota)
	assert.Equal(t, 7*time.Minute, cfg.Flow.InactivityTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Flow.EscalationMaxAge)
	assert.Equal(t, 100, cfg.Conversations.MaxActive)
	assert.Equal(t, 500, cfg.Conversations.MaxMessages)
	assert.Equal(t, 20, cfg.Conversations.RetentionDays)
	assert.Equal(t, 85.0, cfg.Governor.PauseThreshold)
	assert.Equal(t, 10*time.Second, cfg.Queue.Tick)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Queue.ProcessingLease)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WABOT_FLOW_INACTIVITY_TIMEOUT", "12m")
	t.Setenv("WABOT_OPERATOR_PHONE", "+15550001111")
	t.Setenv("WABOT_GOVERNOR_HOURLY_QUOTA", "1000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 12*time.Minute, cfg.Flow.InactivityTimeout)
	assert.Equal(t, "+15550001111", cfg.Operator.Phone)
	assert.Equal(t, 1000, cfg.Governor.HourlyQuota)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "wabot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("conversations:\n  max_active: 42\nmedia:\n  driver: s3\n  s3_bucket: chats\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Conversations.MaxActive)
	assert.Equal(t, "s3", cfg.Media.Driver)
	assert.Equal(t, "chats", cfg.Media.S3Bucket)
}

func TestValidateRejectsUnorderedThresholds(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WABOT_GOVERNOR_SOFT_THRESHOLD", "90")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thresholds must increase")
}

func TestValidateRejectsUnknownMediaDriver(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WABOT_MEDIA_DRIVER", "ftp")

	_, err := Load("")
	require.Error(t, err)
}

// chdir changes the working directory for the duration of the test,
// mirroring testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
