// Package config provides configuration types and defaults for weathermcp.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/weathermcp/internal/log"
	"github.com/zjrosen/weathermcp/internal/tracing"
)

// Environment variables honoured for the OTLP endpoint, most specific first.
const (
	EnvOTLPTracesEndpoint = "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"
	EnvOTLPEndpoint       = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config holds all configuration options for weathermcp.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`             // Listen address (default: 0.0.0.0:8001)
	Path            string        `mapstructure:"path"`             // MCP endpoint path (default: /mcp)
	SessionHeader   string        `mapstructure:"session_header"`   // Session id header (default: Mcp-Session-Id)
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`     // Request read timeout
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"` // Grace period on SIGINT/SIGTERM
	CORS            bool          `mapstructure:"cors"`             // Permissive CORS headers
}

// SessionConfig holds MCP session and trace store lifetimes.
type SessionConfig struct {
	// TTL is the idle lifetime of sessions and their stored trace context.
	// Zero keeps them until the client sends DELETE.
	TTL time.Duration `mapstructure:"ttl"`

	// CleanupInterval is how often expired entries are purged.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether spans are recorded and exported.
	// Default: true
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp", "otlphttp"
	// Default: "otlphttp"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/weathermcp/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the OTLP exporters.
	// Either host:port or a full URL.
	// Default: OTEL_EXPORTER_OTLP_* environment, then localhost:4318
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0) for root traces.
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`

	// ServiceName is reported as service.name.
	ServiceName string `mapstructure:"service_name"`
}

// LogConfig holds logging options.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info (default), warn, error
	Format string `mapstructure:"format"` // text (default) or json
	File   string `mapstructure:"file"`   // Log to this file instead of stderr
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/weathermcp/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "weathermcp", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            "0.0.0.0:8001",
			Path:            "/mcp",
			SessionHeader:   tracing.DefaultSessionHeader,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORS:            true,
		},
		Session: SessionConfig{
			TTL:             time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			Exporter:    tracing.ExporterOTLPHTTP,
			FilePath:    "", // Derived from home dir at runtime
			SampleRate:  1.0,
			ServiceName: tracing.DefaultServiceName,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ApplyEnv fills the OTLP endpoint from the OpenTelemetry environment when
// the config file left it empty. A generic OTEL_EXPORTER_OTLP_ENDPOINT gets
// the traces path appended, as the OTLP/HTTP convention requires.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c.Tracing.OTLPEndpoint != "" {
		return
	}
	if v := strings.TrimSpace(getenv(EnvOTLPTracesEndpoint)); v != "" {
		c.Tracing.OTLPEndpoint = v
		return
	}
	if v := strings.TrimSpace(getenv(EnvOTLPEndpoint)); v != "" {
		if c.Tracing.Exporter == tracing.ExporterOTLPHTTP && strings.Contains(v, "://") {
			v = strings.TrimSuffix(v, "/") + "/v1/traces"
		}
		c.Tracing.OTLPEndpoint = v
	}
}

// ToTracing converts the tracing section to a provider config.
func (c Config) ToTracing(version string) tracing.Config {
	t := c.Tracing
	filePath := t.FilePath
	if filePath == "" && t.Exporter == tracing.ExporterFile {
		filePath = DefaultTracesFilePath()
	}
	return tracing.Config{
		Enabled:        t.Enabled,
		Exporter:       t.Exporter,
		FilePath:       filePath,
		OTLPEndpoint:   t.OTLPEndpoint,
		SampleRate:     t.SampleRate,
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
	}
}

// LogOptions converts the log section to logger options.
func (c Config) LogOptions() (log.Options, error) {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.Options{}, err
	}
	return log.Options{
		Level:      level,
		Format:     c.Log.Format,
		Path:       c.Log.File,
		SpanEvents: c.Tracing.Enabled,
	}, nil
}

// Validate checks the whole configuration.
func Validate(c Config) error {
	if err := ValidateServer(c.Server); err != nil {
		return err
	}
	if err := ValidateSession(c.Session); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return ValidateLog(c.Log)
}

// ValidateServer checks server configuration for errors.
func ValidateServer(s ServerConfig) error {
	if s.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("server.path must start with \"/\", got %q", s.Path)
	}
	if s.SessionHeader != "" && !validHeaderName(s.SessionHeader) {
		return fmt.Errorf("server.session_header is not a valid header name: %q", s.SessionHeader)
	}
	if s.ReadTimeout < 0 {
		return fmt.Errorf("server.read_timeout must not be negative, got %v", s.ReadTimeout)
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative, got %v", s.ShutdownTimeout)
	}
	return nil
}

func validHeaderName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}

// ValidateSession checks session configuration for errors.
func ValidateSession(s SessionConfig) error {
	if s.TTL < 0 {
		return fmt.Errorf("session.ttl must not be negative, got %v", s.TTL)
	}
	if s.CleanupInterval < 0 {
		return fmt.Errorf("session.cleanup_interval must not be negative, got %v", s.CleanupInterval)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t TracingConfig) error {
	// Validate SampleRate is in range [0.0, 1.0]
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case tracing.ExporterNone, tracing.ExporterFile, tracing.ExporterStdout,
			tracing.ExporterOTLP, tracing.ExporterOTLPHTTP:
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", \"otlp\", or \"otlphttp\", got %q", t.Exporter)
		}
	}
	return nil
}

// ValidateLog checks logging configuration for errors.
func ValidateLog(l LogConfig) error {
	if _, err := log.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch l.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", l.Format)
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# weathermcp configuration
#
# Every key can be overridden from the environment with the WEATHERMCP_
# prefix, e.g. WEATHERMCP_SERVER_ADDR=127.0.0.1:9000.

server:
  addr: 0.0.0.0:8001           # Listen address
  path: /mcp                   # MCP streamable HTTP endpoint
  session_header: Mcp-Session-Id
  read_timeout: 30s
  shutdown_timeout: 10s        # Grace period for in-flight requests on shutdown
  cors: true                   # Permissive CORS headers for browser clients

# Sessions and the trace context stored for them expire after ttl of
# inactivity. DELETE on the MCP endpoint ends a session immediately.
session:
  ttl: 1h
  cleanup_interval: 10m

tracing:
  enabled: true
  exporter: otlphttp           # none, file, stdout, otlp (gRPC), otlphttp
  # otlp_endpoint: localhost:4318  # Defaults to OTEL_EXPORTER_OTLP_TRACES_ENDPOINT / OTEL_EXPORTER_OTLP_ENDPOINT
  # file_path: ~/.config/weathermcp/traces/traces.jsonl  # Output file for file exporter
  sample_rate: 1.0             # Root trace sampling rate 0.0-1.0; remote parents keep their decision
  service_name: weather-mcp-server

log:
  level: info                  # debug, info, warn, error
  format: text                 # text or json
  # file: /var/log/weathermcp.log
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
