package tracing

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/weathermcp/internal/log"
	"github.com/zjrosen/weathermcp/internal/metrics"
	"github.com/zjrosen/weathermcp/internal/tracestore"
)

// DefaultSessionHeader is the MCP streamable HTTP session header.
const DefaultSessionHeader = "Mcp-Session-Id"

// TracerName is the instrumentation scope used when no tracer is supplied.
const TracerName = "github.com/zjrosen/weathermcp"

// PropagationConfig configures the propagation middleware.
type PropagationConfig struct {
	// Store correlates session ids with trace contexts.
	// If nil, the middleware keeps a private store.
	Store *tracestore.Store

	// Codec extracts trace context from request headers.
	// Default: W3C TraceContext plus Baggage.
	Codec Codec

	// Tracer creates the request span. If nil, a no-op tracer is used and
	// only correlation happens.
	Tracer trace.Tracer

	// SessionHeader is the request/response header carrying the session id.
	// Default: "Mcp-Session-Id".
	SessionHeader string

	// Metrics is optional.
	Metrics *metrics.Metrics
}

func (cfg PropagationConfig) withDefaults() PropagationConfig {
	if cfg.Store == nil {
		cfg.Store = tracestore.New(tracestore.DefaultConfig())
	}
	if cfg.Codec == nil {
		cfg.Codec = NewW3CCodec()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(TracerName)
	}
	if cfg.SessionHeader == "" {
		cfg.SessionHeader = DefaultSessionHeader
	}
	return cfg
}

// NewPropagationMiddleware creates HTTP middleware that continues the trace
// a client session started, even for requests without a traceparent.
//
// For each request it extracts the incoming trace context, resolves the
// request span's parent (header, then the stored context of the request's
// session, then none), starts a server span and refreshes the store's
// fallback slot. When the response commits a session header, the context
// is written back to the store for that session.
func NewPropagationMiddleware(cfg PropagationConfig) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug(log.CatTrace, "incoming request headers", "method", r.Method, "path", r.URL.Path, "headers", redactHeaders(r.Header))
			if tp := r.Header.Get("traceparent"); tp != "" {
				log.Info(log.CatTrace, "received traceparent header", "traceparent", tp)
			} else {
				log.Debug(log.CatTrace, "no traceparent header found")
			}

			ctx := cfg.Codec.Extract(r.Context(), r.Header)
			extracted := trace.SpanContextFromContext(ctx)
			fromHeader := extracted.IsValid() && extracted.IsRemote()

			requestSession := r.Header.Get(cfg.SessionHeader)
			if !ValidSessionID(requestSession) {
				requestSession = ""
			}

			source := ParentNone
			switch {
			case fromHeader:
				source = ParentFromHeader
			case requestSession != "":
				if sc, ok := cfg.Store.Get(requestSession); ok {
					ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
					source = ParentFromSession
				}
			}
			cfg.Metrics.Resolved("request", string(source))

			attrs := []attribute.KeyValue{
				attribute.String(AttrHTTPMethod, r.Method),
				attribute.String(AttrHTTPRoute, r.URL.Path),
				attribute.String(AttrParentSource, string(source)),
			}
			if requestSession != "" {
				attrs = append(attrs, attribute.String(AttrMCPSessionID, requestSession))
			}
			ctx, span := cfg.Tracer.Start(ctx, SpanPrefixHTTP+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			ctx = ContextWithSessionID(ctx, requestSession)

			if fromHeader {
				cfg.Store.SetFallback(extracted)
			} else {
				cfg.Store.SetFallback(span.SpanContext())
			}

			wb := &writeBack{
				cfg:        cfg,
				ctx:        ctx,
				span:       span,
				extracted:  extracted,
				fromHeader: fromHeader,
				header:     w.Header(),
				status:     http.StatusOK,
			}
			next.ServeHTTP(wb.wrap(w), r.WithContext(ctx))
			wb.commit()

			span.SetAttributes(attribute.Int(AttrHTTPStatusCode, wb.status))
			if wb.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(wb.status))
			}
		})
	}
}

var sensitiveHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie", "X-Api-Key"}

// redactHeaders returns a copy of h with credential-bearing values masked.
func redactHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range sensitiveHeaders {
		if _, ok := out[name]; ok {
			out[name] = []string{"[REDACTED]"}
		}
	}
	return out
}

// writeBack stores the request's trace context for the response's session
// exactly once, when the response headers are committed.
type writeBack struct {
	cfg        PropagationConfig
	ctx        context.Context
	span       trace.Span
	extracted  trace.SpanContext
	fromHeader bool
	header     http.Header

	once   sync.Once
	status int
}

func (wb *writeBack) wrap(w http.ResponseWriter) http.ResponseWriter {
	return httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				// Informational responses do not commit the headers
				if code >= http.StatusOK {
					wb.once.Do(func() {
						wb.status = code
						wb.store()
					})
				}
				next(code)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				wb.commit()
				return next(b)
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				wb.commit()
				return next(src)
			}
		},
		Flush: func(next httpsnoop.FlushFunc) httpsnoop.FlushFunc {
			return func() {
				wb.commit()
				next()
			}
		},
	})
}

// commit runs the write-back if headers were not committed yet.
func (wb *writeBack) commit() {
	wb.once.Do(wb.store)
}

func (wb *writeBack) store() {
	sessionID := wb.header.Get(wb.cfg.SessionHeader)
	if sessionID == "" {
		return
	}
	if !ValidSessionID(sessionID) {
		log.Debug(log.CatTrace, "skipping trace write-back for malformed session id", "length", len(sessionID))
		return
	}

	sc := wb.extracted
	if !wb.fromHeader {
		// Keep an existing correlation; only seed sessions that have none
		if _, ok := wb.cfg.Store.Get(sessionID); ok {
			return
		}
		sc = wb.span.SpanContext()
	}
	if !sc.IsValid() {
		return
	}

	wb.cfg.Store.Put(sessionID, sc)
	wb.span.AddEvent(EventSessionStored, trace.WithAttributes(attribute.String(AttrMCPSessionID, sessionID)))
	log.InfoCtx(wb.ctx, log.CatTrace, "stored trace context for session",
		"session", sessionID, "trace_id", sc.TraceID().String())
}
