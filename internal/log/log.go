// Package log provides structured logging for weathermcp.
// It keeps a small category-based API on top of logrus and, when tracing is
// enabled, forwards entries logged with a context to the active span.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string ("debug", "info", ...) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Category groups related log messages.
type Category string

const (
	CatConfig Category = "config" // Configuration loading/saving
	CatHTTP   Category = "http"   // HTTP listener and transport
	CatMCP    Category = "mcp"    // MCP server and protocol communication
	CatTrace  Category = "trace"  // Propagation middleware and instrumentation
	CatStore  Category = "store"  // Trace context store
	CatTool   Category = "tool"   // Tool handlers
)

// Options configures the global logger.
type Options struct {
	Level Level
	// Format is "text" (default) or "json".
	Format string
	// Path writes to a file instead of Output when set.
	Path string
	// Output defaults to os.Stderr.
	Output io.Writer
	// SpanEvents attaches entries logged with a context to the active span.
	SpanEvents bool
}

var (
	mu            sync.RWMutex
	defaultLogger *logrus.Logger
	enabled       bool
)

// Init initializes the global logger.
// Returns a cleanup function that closes the log file, if any.
func Init(opts Options) (func(), error) {
	l := logrus.New()
	l.SetLevel(opts.Level.logrus())

	switch opts.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	cleanup := func() {}
	switch {
	case opts.Path != "":
		f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: operator-controlled log path
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		l.SetOutput(f)
		cleanup = func() { _ = f.Close() }
	case opts.Output != nil:
		l.SetOutput(opts.Output)
	default:
		l.SetOutput(os.Stderr)
	}

	if opts.SpanEvents {
		l.AddHook(otellogrus.NewHook(otellogrus.WithLevels(
			logrus.PanicLevel,
			logrus.FatalLevel,
			logrus.ErrorLevel,
			logrus.WarnLevel,
			logrus.InfoLevel,
		)))
	}

	mu.Lock()
	defaultLogger = l
	enabled = true
	mu.Unlock()

	return cleanup, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(on bool) {
	mu.Lock()
	enabled = on
	mu.Unlock()
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger != nil {
		defaultLogger.SetLevel(level.logrus())
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	entry(context.Background(), LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	entry(context.Background(), LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	entry(context.Background(), LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	entry(context.Background(), LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	entry(context.Background(), LevelError, cat, msg, withErr(fields, err)...)
}

// DebugCtx logs at debug level with the span carried by ctx.
func DebugCtx(ctx context.Context, cat Category, msg string, fields ...any) {
	entry(ctx, LevelDebug, cat, msg, fields...)
}

// InfoCtx logs at info level with the span carried by ctx.
func InfoCtx(ctx context.Context, cat Category, msg string, fields ...any) {
	entry(ctx, LevelInfo, cat, msg, fields...)
}

// WarnCtx logs at warning level with the span carried by ctx.
func WarnCtx(ctx context.Context, cat Category, msg string, fields ...any) {
	entry(ctx, LevelWarn, cat, msg, fields...)
}

// ErrorErrCtx logs an error with the span carried by ctx.
func ErrorErrCtx(ctx context.Context, cat Category, msg string, err error, fields ...any) {
	entry(ctx, LevelError, cat, msg, withErr(fields, err)...)
}

func withErr(fields []any, err error) []any {
	// Cap the slice so append never writes into the caller's backing array
	fields = fields[:len(fields):len(fields)]
	if err != nil {
		return append(fields, "error", err.Error())
	}
	return append(fields, "error", "<nil>")
}

func entry(ctx context.Context, level Level, cat Category, msg string, fields ...any) {
	mu.RLock()
	l, on := defaultLogger, enabled
	mu.RUnlock()
	if l == nil || !on {
		return
	}

	f := make(logrus.Fields, len(fields)/2+1)
	f["category"] = string(cat)
	for i := 0; i+1 < len(fields); i += 2 {
		f[fmt.Sprint(fields[i])] = fields[i+1]
	}
	// Odd field count: keep the orphan key visible
	if len(fields)%2 != 0 {
		f[fmt.Sprint(fields[len(fields)-1])] = "<missing>"
	}

	e := l.WithContext(ctx).WithFields(f)
	switch level {
	case LevelDebug:
		e.Debug(msg)
	case LevelInfo:
		e.Info(msg)
	case LevelWarn:
		e.Warn(msg)
	default:
		e.Error(msg)
	}
}
