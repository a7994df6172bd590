package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// load reads a YAML config the way the CLI does.
func load(t *testing.T, data []byte) Config {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(data)))
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return cfg
}

func TestDefaultConfigTemplate_MatchesDefaults(t *testing.T) {
	cfg := load(t, []byte(DefaultConfigTemplate()))
	require.Equal(t, Defaults(), cfg)
}

func TestRender_RoundTripsThroughViper(t *testing.T) {
	cfg := Defaults()
	cfg.Tracing.Exporter = "file"
	cfg.Tracing.FilePath = "/tmp/traces.jsonl"
	cfg.Log.Level = "debug"

	data, err := Render(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ttl: 1h0m0s")
	assert.Contains(t, string(data), "file_path: /tmp/traces.jsonl")

	require.Equal(t, cfg, load(t, data))
}

func TestSetValue_CreatesNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SetValue(path, "log.level", "debug"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "log:")
	assert.Contains(t, string(data), "level: debug")
}

func TestSetValue_PreservesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	require.NoError(t, SetValue(path, "tracing.sample_rate", "0.5"))
	require.NoError(t, SetValue(path, "server.addr", "127.0.0.1:9000"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# weathermcp configuration")
	assert.Contains(t, string(data), "# Sessions and the trace context stored")

	cfg := load(t, data)
	require.Equal(t, 0.5, cfg.Tracing.SampleRate)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	require.Equal(t, "Mcp-Session-Id", cfg.Server.SessionHeader)
}

func TestSetValue_AddsMissingSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	require.NoError(t, SetValue(path, "tracing.exporter", "stdout"))

	cfg := load(t, mustRead(t, path))
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "stdout", cfg.Tracing.Exporter)
}

func TestSetValue_QuotesAmbiguousScalars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SetValue(path, "log.file", ""))
	require.NoError(t, SetValue(path, "tracing.service_name", "null"))

	data := mustRead(t, path)
	assert.Contains(t, string(data), `file: ""`)
	assert.Contains(t, string(data), `service_name: "null"`)
}

func TestSetValue_Errors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	err := SetValue(path, "server", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a section")

	err = SetValue(path, "server.addr.port", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a section")

	require.Error(t, SetValue(path, "log..level", "debug"))
}

func TestSetValue_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unclosed"), 0o600))

	err := SetValue(path, "log.level", "debug")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
