package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/weathermcp/internal/config"
	"github.com/zjrosen/weathermcp/internal/log"
	"github.com/zjrosen/weathermcp/internal/mcp"
	"github.com/zjrosen/weathermcp/internal/metrics"
	"github.com/zjrosen/weathermcp/internal/tracestore"
	"github.com/zjrosen/weathermcp/internal/tracing"
	"github.com/zjrosen/weathermcp/internal/weather"
)

// ServerName is reported in initialize and used as the default service name.
const ServerName = "weather-mcp-server"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP weather server",
	Long: `Run the MCP weather server on the streamable HTTP transport.

Routes:
  POST/DELETE <path>   MCP endpoint (default /mcp)
  GET /health          liveness and session count
  GET /metrics         Prometheus metrics

Example:
  weathermcp serve                      # Listen on 0.0.0.0:8001
  weathermcp serve --addr 127.0.0.1:9000
  weathermcp serve --stdio              # Speak MCP over stdin/stdout`,
	RunE: runServe,
}

var (
	serveAddr  string
	serveStdio bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "Serve MCP over stdin/stdout instead of HTTP")
}

// app is the wired server graph shared by the HTTP and stdio transports.
type app struct {
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	provider *tracing.Provider
	store    *tracestore.Store
	server   *mcp.Server
	handler  http.Handler
}

func newApp(c config.Config) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	provider, err := tracing.NewProvider(c.ToTracing(version))
	if err != nil {
		return nil, fmt.Errorf("creating tracer provider: %w", err)
	}

	store := tracestore.New(tracestore.Config{
		TTL:             c.Session.TTL,
		CleanupInterval: c.Session.CleanupInterval,
		Metrics:         m,
	})
	sessions := mcp.NewSessionManager(c.Session.TTL, c.Session.CleanupInterval)
	sessions.OnClose(store.Remove)

	server := mcp.NewServer(ServerName, version,
		mcp.WithInstructions(weather.Instructions),
		mcp.WithSessions(sessions),
		mcp.WithTraceStore(store),
		mcp.WithSessionHeader(c.Server.SessionHeader),
	)
	weather.Register(server, weather.NewService(), tracing.InstrumentConfig{
		Store:   store,
		Tracer:  provider.Tracer(),
		Metrics: m,
	})

	propagate := tracing.NewPropagationMiddleware(tracing.PropagationConfig{
		Store:         store,
		Tracer:        provider.Tracer(),
		SessionHeader: c.Server.SessionHeader,
		Metrics:       m,
	})

	return &app{
		registry: registry,
		metrics:  m,
		provider: provider,
		store:    store,
		server:   server,
		handler:  newRouter(c.Server, server, propagate, registry),
	}, nil
}

func (a *app) shutdown(ctx context.Context) {
	a.server.Stop()
	if err := a.provider.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatTrace, "Error flushing spans", err)
	}
}

func newRouter(sc config.ServerConfig, server *mcp.Server, propagate func(http.Handler) http.Handler, registry *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()
	if sc.CORS {
		router.Use(corsMiddleware(sc.SessionHeader))
	}

	// Method checks stay in the MCP handler so it can answer 405 with Allow
	router.Handle(sc.Path, propagate(server.HTTPHandler()))
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"sessions": server.Sessions().Len(),
		})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

// corsMiddleware allows any origin and answers preflight requests.
func corsMiddleware(sessionHeader string) mux.MiddlewareFunc {
	if sessionHeader == "" {
		sessionHeader = tracing.DefaultSessionHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, traceparent, tracestate, baggage, "+sessionHeader)
			h.Set("Access-Control-Expose-Headers", sessionHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchLogLevel()

	if serveStdio {
		log.Info(log.CatMCP, "Serving MCP over stdio")
		go func() {
			<-ctx.Done()
			a.server.Stop()
		}()
		err := a.server.Serve(os.Stdin, os.Stdout)
		a.shutdown(context.Background())
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	log.Info(log.CatHTTP, "MCP server listening",
		"addr", cfg.Server.Addr, "path", cfg.Server.Path, "exporter", cfg.Tracing.Exporter)
	fmt.Fprintf(cmd.OutOrStdout(), "weathermcp listening on http://%s%s\n", cfg.Server.Addr, cfg.Server.Path)

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		log.Info(log.CatHTTP, "Shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatHTTP, "Error stopping HTTP server", err)
	}
	a.shutdown(shutdownCtx)

	fmt.Fprintln(cmd.OutOrStdout(), "weathermcp stopped")
	return nil
}

// watchLogLevel applies log.level edits in the config file without a restart.
func watchLogLevel() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if debugFlag {
			return
		}
		level, err := log.ParseLevel(viper.GetString("log.level"))
		if err != nil {
			log.Warn(log.CatConfig, "Ignoring invalid log level from config", "error", err.Error())
			return
		}
		log.SetMinLevel(level)
		log.Info(log.CatConfig, "Log level changed", "level", level.String(), "path", e.Name)
	})
	viper.WatchConfig()
}
