package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
stream        = "testwiki"
api_url       = "https://wiki.example.org/w/api.php"
namespaces    = [0, 120, 146]
batch_size    = 20
poll_interval = "10s"
start_time    = "2024-05-01T00:00:00Z"

retry {
  attempts = 3
  delay    = "500ms"
  budget   = 12
}

checkpoint {
  driver = "pgx"
  dsn    = "postgres://localhost/cdc"
}

sink {
  type = "nats"
  url  = "nats://localhost:4222"
}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "dstream.hcl", sampleHCL))
	require.NoError(t, err)

	assert.Equal(t, "testwiki", cfg.Stream)
	assert.Equal(t, "https://wiki.example.org/wiki/Special:EntityData/", cfg.EntityDataURL)
	assert.Equal(t, []int{0, 120, 146}, cfg.Namespaces)
	assert.Equal(t, 10*time.Second, cfg.GetPollInterval())
	assert.Equal(t, time.Minute, cfg.GetMaxPollInterval())
	assert.Equal(t, 3, cfg.GetRetryAttempts())
	assert.Equal(t, 500*time.Millisecond, cfg.GetRetryDelay())
	assert.Equal(t, 30*time.Second, cfg.GetRetryMaxDelay())
	assert.Equal(t, 12, cfg.GetRetryBudget())
	assert.Equal(t, "pgx", cfg.Checkpoint.Driver)
	assert.Equal(t, "none", cfg.Lock.Type)
	assert.Equal(t, "wikibase.testwiki", cfg.Sink.Subject)
	assert.Equal(t, 256*1024, cfg.Sink.MaxMessageSize)

	start, err := cfg.GetStartTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), start)
}

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "empty.hcl", ""))
	require.NoError(t, err)

	assert.Equal(t, DefaultStream, cfg.Stream)
	assert.Equal(t, DefaultAPIURL, cfg.APIURL)
	assert.Equal(t, "https://www.wikidata.org/wiki/Special:EntityData/", cfg.EntityDataURL)
	assert.Equal(t, []int{0, 120}, cfg.Namespaces)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Driver)
	assert.Equal(t, "log", cfg.Sink.Type)
	assert.Equal(t, 100, cfg.GetRetryBudget())
	assert.Equal(t, 20, cfg.MaxPagesPerCycle)
	assert.Equal(t, 8, cfg.FetchWorkers)

	start, err := cfg.GetStartTime()
	require.NoError(t, err)
	assert.True(t, start.IsZero())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WIKIBASE_CDC_CHECKPOINT_DSN", "postgres://db/override")
	t.Setenv("WIKIBASE_CDC_SINK_URL", "nats://broker:4222")

	cfg, err := LoadFile(writeFile(t, "dstream.hcl", sampleHCL))
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/override", cfg.Checkpoint.DSN)
	assert.Equal(t, "nats://broker:4222", cfg.Sink.URL)
	assert.Equal(t, "https://wiki.example.org/w/api.php", cfg.APIURL, "unset variables keep the file value")
}

func TestFromMap(t *testing.T) {
	cfg, err := FromMap(map[string]interface{}{
		"stream":              "wikidata",
		"max_pages_per_cycle": float64(5),
		"namespaces":          []interface{}{float64(0)},
		"lock": map[string]interface{}{
			"type":              "azure_blob",
			"connection_string": "UseDevelopmentStorage=true",
			"container_name":    "locks",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxPagesPerCycle)
	assert.Equal(t, []int{0}, cfg.Namespaces)
	assert.Equal(t, "locks", cfg.Lock.ContainerName)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"relative api url", `{"api_url": "/w/api.php"}`},
		{"bad duration", `{"poll_interval": "soon"}`},
		{"bad start time", `{"start_time": "yesterday"}`},
		{"batch above max", `{"batch_size": 900, "max_batch_size": 100}`},
		{"unknown driver", `{"checkpoint": {"driver": "oracle", "dsn": "x"}}`},
		{"blob lock without container", `{"lock": {"type": "azure_blob", "connection_string": "x"}}`},
		{"servicebus without queue", `{"sink": {"type": "servicebus", "connection_string": "x"}}`},
		{"plugin without path", `{"sink": {"type": "plugin"}}`},
		{"unknown sink", `{"sink": {"type": "kafka"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFromJSON([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	assert.Equal(t, time.Second, parseDurationOrDefault("", time.Second))
	assert.Equal(t, time.Second, parseDurationOrDefault("-5s", time.Second))
	assert.Equal(t, 2*time.Minute, parseDurationOrDefault("2m", time.Second))
}
