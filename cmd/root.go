package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/weathermcp/internal/config"
	"github.com/zjrosen/weathermcp/internal/log"
)

// EnvPrefix prefixes environment overrides, e.g. WEATHERMCP_SERVER_ADDR.
const EnvPrefix = "WEATHERMCP"

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
	cfgErr    error

	logCleanup = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "weathermcp",
	Short: "An MCP weather tool server with trace context correlation",
	Long: `weathermcp serves get_weather and get_forecast over the MCP streamable
HTTP transport (or stdio). Each request continues the trace its session
started, so every tool call lands in the client's trace even when the
client stops sending a traceparent header.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) { logCleanup() },
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.weathermcp/config.yaml or ~/.config/weathermcp/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging")
}

func initConfig() {
	cfg, cfgErr = loadConfig(viper.GetViper(), cfgFile)
}

// loadConfig resolves configuration from defaults, the config file, .env
// and the environment, in increasing precedence.
func loadConfig(v *viper.Viper, path string) (config.Config, error) {
	// .env never overrides variables already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.Config{}, fmt.Errorf("loading .env: %w", err)
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Config lookup order:
		// 1. .weathermcp/config.yaml (current directory)
		// 2. ~/.config/weathermcp/config.yaml (user config)
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
		} else {
			home, _ := os.UserHomeDir()
			v.AddConfigPath(filepath.Join(home, ".config", "weathermcp"))
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config.Config{}, fmt.Errorf("reading config: %w", err)
		}
		// No config file anywhere: defaults and environment only
	}

	var c config.Config
	if err := v.Unmarshal(&c); err != nil {
		return config.Config{}, fmt.Errorf("decoding config: %w", err)
	}
	c.ApplyEnv(os.Getenv)
	return c, nil
}

const localConfigPath = ".weathermcp/config.yaml"

func setDefaults(v *viper.Viper) {
	d := config.Defaults()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.path", d.Server.Path)
	v.SetDefault("server.session_header", d.Server.SessionHeader)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors", d.Server.CORS)
	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("session.cleanup_interval", d.Session.CleanupInterval)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
}

// setup validates the configuration and initializes logging.
func setup(cmd *cobra.Command, _ []string) error {
	if cfgErr != nil {
		return cfgErr
	}
	if debugFlag {
		cfg.Log.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	opts, err := cfg.LogOptions()
	if err != nil {
		return err
	}
	opts.Output = cmd.ErrOrStderr()
	cleanup, err := log.Init(opts)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	logCleanup = cleanup

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug(log.CatConfig, "loaded config", "path", used)
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
