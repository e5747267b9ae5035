package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "dev", cfg.Server.Env)
	assert.Equal(t, "./data", cfg.Storage.Root)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.Empty(t, cfg.Server.TCPAddr, "legacy transport is off by default")
	assert.Empty(t, cfg.Redis.Addr, "event bus stays in-process by default")
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
  tcp_addr: ":7070"
  allowed_origins:
    - https://play.example.com
storage:
  root: /var/lib/tableforge
redis:
  addr: redis:6379
  db: 3
s3:
  bucket: tf-assets
  endpoint: http://minio:9000
limits:
  max_messages_per_minute: 120
  save_debounce_ms: 500
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, ":7070", cfg.Server.TCPAddr)
	assert.Equal(t, []string{"https://play.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "/var/lib/tableforge", cfg.Storage.Root)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "tf-assets", cfg.S3.Bucket)
	assert.Equal(t, "http://minio:9000", cfg.S3.Endpoint)
	assert.Equal(t, 120, cfg.Limits.MaxMessagesPerMinute)
	assert.Equal(t, 500*time.Millisecond, cfg.Limits.SaveDebounce())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o644))

	t.Setenv("TF_PORT", "1234")
	t.Setenv("TF_REDIS_ADDR", "override:6379")
	t.Setenv("TF_REDIS_DB", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1234", cfg.Server.Port)
	assert.Equal(t, "override:6379", cfg.Redis.Addr)
	assert.Equal(t, 7, cfg.Redis.DB)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestSaveDebounce_ZeroMeansDefault(t *testing.T) {
	var l LimitsConfig
	assert.Equal(t, time.Duration(0), l.SaveDebounce())
}
