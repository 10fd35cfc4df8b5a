package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.WALEnabled)
	assert.True(t, cfg.SyncOnWrite)
	assert.Equal(t, "./data", cfg.DataDir)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DRIFT_DATA_DIR", "/var/lib/drift")
	t.Setenv("DRIFT_WAL_ENABLED", "false")
	t.Setenv("DRIFT_WAL_SEGMENT_SIZE", "8192")
	t.Setenv("DRIFT_BUFFER_POOL_PAGES", "256")
	t.Setenv("DRIFT_POOL_MAX_CONNECTIONS", "16")
	t.Setenv("DRIFT_POOL_CONNECTION_TIMEOUT", "250ms")

	cfg := Defaults()
	cfg.ApplyEnv()

	assert.Equal(t, "/var/lib/drift", cfg.DataDir)
	assert.False(t, cfg.WALEnabled)
	assert.Equal(t, int64(8192), cfg.WALSegmentSize)
	assert.Equal(t, 256, cfg.BufferPoolPages)
	assert.Equal(t, 16, cfg.Pool.MaxConnections)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.ConnectionTimeout)
}

func TestEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("DRIFT_WAL_ENABLED", "not-a-bool")
	t.Setenv("DRIFT_BUFFER_POOL_PAGES", "many")

	cfg := Defaults()
	cfg.ApplyEnv()

	assert.True(t, cfg.WALEnabled, "garbage env value must not clobber the default")
	assert.Equal(t, Defaults().BufferPoolPages, cfg.BufferPoolPages)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drift.yaml")
	data := []byte(`
data_dir: /srv/drift
wal_enabled: true
sync_on_write: false
wal_segment_size: 16384
pool:
  min_connections: 4
  max_connections: 32
  connection_timeout: 2s
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg := Defaults()
	require.NoError(t, cfg.LoadFile(path, false))

	assert.Equal(t, "/srv/drift", cfg.DataDir)
	assert.False(t, cfg.SyncOnWrite)
	assert.Equal(t, int64(16384), cfg.WALSegmentSize)
	assert.Equal(t, 4, cfg.Pool.MinConnections)
	assert.Equal(t, 32, cfg.Pool.MaxConnections)
	assert.Equal(t, 2*time.Second, cfg.Pool.ConnectionTimeout)
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.LoadFile("/nonexistent/drift.yaml", true))
	assert.Error(t, cfg.LoadFile("/nonexistent/drift.yaml", false))
}

func TestEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drift.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from-file"), 0o644))
	t.Setenv("DRIFT_DATA_DIR", "/from-env")

	cfg := Defaults()
	require.NoError(t, cfg.LoadFile(path, false))
	cfg.ApplyEnv()

	assert.Equal(t, "/from-env", cfg.DataDir)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = ""
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.WALSegmentSize = 100
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Pool.MinConnections = 100
	cfg.Pool.MaxConnections = 10
	assert.Error(t, cfg.Validate())
}
