package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SetValue writes a single dotted key (e.g. "log.level") into the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SetValue(configPath, key, value string) error {
	path := strings.Split(key, ".")
	for _, part := range path {
		if part == "" {
			return fmt.Errorf("invalid config key %q", key)
		}
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // G304: operator-controlled config path
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	// Parse into yaml.Node to preserve comments
	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("config root must be a mapping")
	}

	node := doc.Content[0]
	for i, part := range path {
		last := i == len(path)-1
		child := lookup(node, part)
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode}
			if last {
				child = &yaml.Node{Kind: yaml.ScalarNode}
			}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: part},
				child,
			)
		}
		if last {
			if child.Kind != yaml.ScalarNode {
				return fmt.Errorf("config key %q is a section, not a value", key)
			}
			child.Value = value
			child.Tag = ""
			child.Style = scalarStyle(value)
			break
		}
		if child.Kind != yaml.MappingNode {
			return fmt.Errorf("config key %q: %q is not a section", key, part)
		}
		node = child
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// scalarStyle quotes values YAML would otherwise read as a different type.
func scalarStyle(value string) yaml.Style {
	if value == "" {
		return yaml.DoubleQuotedStyle
	}
	if _, err := strconv.ParseBool(value); err == nil {
		return 0
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return 0
	}
	var probe any
	if err := yaml.Unmarshal([]byte(value), &probe); err != nil {
		return yaml.DoubleQuotedStyle
	}
	if _, ok := probe.(string); !ok {
		return yaml.DoubleQuotedStyle
	}
	return 0
}

// writeAtomic writes to a temp file in the same directory, then renames it.
func writeAtomic(configPath string, data []byte) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".weathermcp.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// rendered mirrors Config with yaml tags and human-readable durations.
type rendered struct {
	Server struct {
		Addr            string `yaml:"addr"`
		Path            string `yaml:"path"`
		SessionHeader   string `yaml:"session_header"`
		ReadTimeout     string `yaml:"read_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
		CORS            bool   `yaml:"cors"`
	} `yaml:"server"`
	Session struct {
		TTL             string `yaml:"ttl"`
		CleanupInterval string `yaml:"cleanup_interval"`
	} `yaml:"session"`
	Tracing struct {
		Enabled      bool    `yaml:"enabled"`
		Exporter     string  `yaml:"exporter"`
		FilePath     string  `yaml:"file_path,omitempty"`
		OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty"`
		SampleRate   float64 `yaml:"sample_rate"`
		ServiceName  string  `yaml:"service_name"`
	} `yaml:"tracing"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file,omitempty"`
	} `yaml:"log"`
}

// Render returns the effective configuration as YAML.
func Render(c Config) ([]byte, error) {
	var r rendered
	r.Server.Addr = c.Server.Addr
	r.Server.Path = c.Server.Path
	r.Server.SessionHeader = c.Server.SessionHeader
	r.Server.ReadTimeout = c.Server.ReadTimeout.String()
	r.Server.ShutdownTimeout = c.Server.ShutdownTimeout.String()
	r.Server.CORS = c.Server.CORS
	r.Session.TTL = c.Session.TTL.String()
	r.Session.CleanupInterval = c.Session.CleanupInterval.String()
	r.Tracing.Enabled = c.Tracing.Enabled
	r.Tracing.Exporter = c.Tracing.Exporter
	r.Tracing.FilePath = c.Tracing.FilePath
	r.Tracing.OTLPEndpoint = c.Tracing.OTLPEndpoint
	r.Tracing.SampleRate = c.Tracing.SampleRate
	r.Tracing.ServiceName = c.Tracing.ServiceName
	r.Log.Level = c.Log.Level
	r.Log.Format = c.Log.Format
	r.Log.File = c.Log.File

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&r); err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()
	return buf.Bytes(), nil
}
