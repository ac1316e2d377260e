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
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.MQTT.PublishTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Queue.QueueDelay)
	assert.Equal(t, 20*time.Second, cfg.Queue.StartupDelay)
	assert.Equal(t, 250, cfg.Queue.StatLogFrequency)
	assert.Equal(t, 5, cfg.DatumService.HistoryRawCount)
	assert.Equal(t, "datum:captured:stream", cfg.Capture.Stream.Stream)
	assert.Contains(t, cfg.Capture.Stream.Consumer, "datum-queue-")
	assert.Equal(t, "datum:acquired:stream", cfg.Publish.Stream)
	assert.False(t, cfg.Upload.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Clearenv()
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("MQTT_PUBLISH_TIMEOUT", "750ms")
	t.Setenv("DATUM_QUEUE_DELAY", "1s")
	t.Setenv("DATUM_HISTORY_RAW_COUNT", "10")
	t.Setenv("DATUM_CAPTURE_MQTT_ENABLED", "false")
	t.Setenv("DATUM_TRANSFORM_EXCLUDES", "temp, ,volts")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 750*time.Millisecond, cfg.MQTT.PublishTimeout)
	assert.Equal(t, time.Second, cfg.Queue.QueueDelay)
	assert.Equal(t, 10, cfg.DatumService.HistoryRawCount)
	assert.False(t, cfg.Capture.MQTTEnabled)
	assert.Equal(t, []string{"temp", "volts"}, cfg.Transform.Excludes)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MalformedEnvKeepsDefault(t *testing.T) {
	os.Clearenv()
	t.Setenv("DATUM_QUEUE_DELAY", "soon")
	t.Setenv("DATUM_HISTORY_RAW_COUNT", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, cfg.Queue.QueueDelay)
	assert.Equal(t, 5, cfg.DatumService.HistoryRawCount)
}

func TestLoadFile(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  host: pg
  port: 6543
queue:
  queue_delay: 500ms
  startup_delay: 0s
datum_service:
  history_raw_count: 8
publish:
  mqtt_enabled: true
  mqtt_topic_prefix: out
transform:
  excludes: ["^debug_"]
upload:
  enabled: true
  client:
    base_url: http://collector.local
`), 0o600))
	t.Setenv("DB_HOST", "pg-override")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "pg-override", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.QueueDelay)
	assert.Equal(t, time.Duration(0), cfg.Queue.StartupDelay)
	assert.Equal(t, 8, cfg.DatumService.HistoryRawCount)
	assert.True(t, cfg.Publish.MQTTEnabled)
	assert.Equal(t, "out", cfg.Publish.MQTTTopicPrefix)
	assert.Equal(t, []string{"^debug_"}, cfg.Transform.Excludes)
	assert.Equal(t, "http://collector.local", cfg.Upload.Client.BaseURL)
	// untouched sections keep defaults
	assert.Equal(t, "datum:acquired:stream", cfg.Publish.Stream)
}

func TestLoadFile_Errors(t *testing.T) {
	os.Clearenv()
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: [unterminated"), 0o600))
	_, err = LoadFile(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	os.Clearenv()
	cfg := Default()
	cfg.DatumService.HistoryRawCount = 0
	cfg.Upload.Enabled = true
	cfg.HTTP.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history_raw_count")
	assert.Contains(t, err.Error(), "base_url")
	assert.Contains(t, err.Error(), "http.addr")
}
