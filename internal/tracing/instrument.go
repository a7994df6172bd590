package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/weathermcp/internal/log"
	"github.com/zjrosen/weathermcp/internal/metrics"
	"github.com/zjrosen/weathermcp/internal/tracestore"
)

// ErrInputCapture is returned when tool arguments cannot be JSON encoded for
// the span's input attribute. The handler is not run in that case.
var ErrInputCapture = errors.New("capture tool input")

// Handler is a typed tool handler.
type Handler[A, R any] func(ctx context.Context, args A) (R, error)

// InstrumentConfig configures Instrument.
type InstrumentConfig struct {
	// Store supplies the session and fallback parents when ctx carries no
	// span. Optional.
	Store *tracestore.Store

	// Tracer creates tool spans. If nil, a no-op tracer is used.
	Tracer trace.Tracer

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Instrument wraps h so that every call runs inside a span named
// "mcp.tool.<name>" carrying the JSON encoded arguments and, on success,
// the JSON encoded result. The result and error of h are returned unchanged.
func Instrument[A, R any](cfg InstrumentConfig, name string, h Handler[A, R]) Handler[A, R] {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(TracerName)
	}
	spanName := SpanPrefixTool + name

	return func(ctx context.Context, args A) (R, error) {
		ctx, source := resolveParent(ctx, cfg.Store)
		cfg.Metrics.Resolved("tool", string(source))

		attrs := []attribute.KeyValue{
			attribute.String(AttrMCPToolName, name),
			attribute.String(AttrParentSource, string(source)),
		}
		if sid := SessionIDFromContext(ctx); sid != "" {
			attrs = append(attrs, attribute.String(AttrMCPSessionID, sid))
		}
		ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
		defer span.End()

		input, err := json.Marshal(args)
		if err != nil {
			var zero R
			err = fmt.Errorf("%w for %s: %w", ErrInputCapture, name, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			cfg.Metrics.ToolCall(name, err, 0)
			log.ErrorErrCtx(ctx, log.CatTool, "tool input not serializable", err, "tool", name)
			return zero, err
		}
		span.SetAttributes(attribute.String(AttrInput, string(input)))

		start := time.Now()
		result, err := h(ctx, args)
		cfg.Metrics.ToolCall(name, err, time.Since(start))

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}

		output, mErr := json.Marshal(result)
		if mErr != nil {
			span.AddEvent(EventOutputCaptureFailed)
			span.RecordError(mErr)
			log.WarnCtx(ctx, log.CatTool, "tool output not serializable", "tool", name, "error", mErr.Error())
			return result, nil
		}
		span.SetAttributes(attribute.String(AttrOutput, string(output)))
		span.SetStatus(codes.Ok, "")
		return result, nil
	}
}

// resolveParent picks the parent for a tool span: a span already in ctx,
// then the stored context of the session in ctx, then the store's fallback.
func resolveParent(ctx context.Context, store *tracestore.Store) (context.Context, ParentSource) {
	if trace.SpanContextFromContext(ctx).IsValid() {
		return ctx, ParentFromContext
	}
	if store == nil {
		return ctx, ParentNone
	}
	if sid := SessionIDFromContext(ctx); sid != "" {
		if sc, ok := store.Get(sid); ok {
			return trace.ContextWithRemoteSpanContext(ctx, sc), ParentFromSession
		}
	}
	if sc, ok := store.Fallback(); ok {
		return trace.ContextWithRemoteSpanContext(ctx, sc), ParentFromFallback
	}
	return ctx, ParentNone
}
