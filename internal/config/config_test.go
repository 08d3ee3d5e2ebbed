package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8081", c.Server.Listen)
	assert.Equal(t, "localhost:6379", c.Redis.Addr)
	assert.Equal(t, time.Second, c.Admission.PromoteInterval)
	assert.Equal(t, 3*time.Second, c.Admission.BroadcastInterval)
	assert.Equal(t, 3*time.Second, c.Channel.Heartbeat)
	assert.Equal(t, 30*time.Second, c.Dispatch.StaleAfter)
	assert.Equal(t, 5*time.Minute, c.Credential.TTL)
	assert.Equal(t, 30*time.Second, c.Liveness.StaleAfter)
	assert.Equal(t, 10*time.Second, c.Liveness.ReapInterval)
	assert.Equal(t, int64(100), c.Admission.Batch)
	assert.NotEmpty(t, c.Instance.ID)
	assert.False(t, c.PubNubEnabled())
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9000"
redis:
  addr: "redis-file:6379"
admission:
  batch: 25
  promote_interval: 500ms
instance:
  id: from-file
liveness:
  stale_after: 45s
`), 0o600))

	t.Setenv("GATE_REDIS_ADDR", "redis-env:6379")
	t.Setenv("PN_PUBLISH_KEY", "pub")
	t.Setenv("GATE_PUBNUB_SUBSCRIBE_KEY", "sub")

	c, err := Load([]string{"--config", path, "--instance-id", "gate-1"})
	require.NoError(t, err)

	assert.Equal(t, ":9000", c.Server.Listen)
	assert.Equal(t, "redis-env:6379", c.Redis.Addr)
	assert.Equal(t, int64(25), c.Admission.Batch)
	assert.Equal(t, 500*time.Millisecond, c.Admission.PromoteInterval)
	assert.Equal(t, "gate-1", c.Instance.ID)
	assert.Equal(t, 45*time.Second, c.Liveness.StaleAfter)
	assert.True(t, c.PubNubEnabled())
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admission:\n  batch: 0\ncredential:\n  ttl: 0s\n"), 0o600))

	_, err := Load([]string{"--config", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admission.batch")
	assert.Contains(t, err.Error(), "credential.ttl")

	_, err = Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	_, err = Load([]string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	c, err := Load([]string{"--instance-id", "gate-1"})
	require.NoError(t, err)
	c.Log.Level = "warn"

	var buf bytes.Buffer
	logger := c.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"instance":"gate-1"`)
}
