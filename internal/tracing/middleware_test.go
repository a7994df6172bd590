package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/weathermcp/internal/metrics"
	"github.com/zjrosen/weathermcp/internal/tracestore"
)

// ===========================================================================
// Test Helpers
// ===========================================================================

type echoTool struct {
	Location string `json:"location"`
}

// sessionHandler assigns newSession when the request has no session header
// and runs an instrumented tool inside the request.
func sessionHandler(newSession string, tool Handler[echoTool, string]) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := r.Header.Get(DefaultSessionHeader)
		if sid == "" {
			sid = newSession
		}
		if sid != "" {
			w.Header().Set(DefaultSessionHeader, sid)
		}
		if tool != nil {
			if _, err := tool(r.Context(), echoTool{Location: "Paris"}); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

func echoHandler(_ context.Context, args echoTool) (string, error) {
	return "weather in " + args.Location, nil
}

func doRequest(t *testing.T, h http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ===========================================================================
// Propagation Tests
// ===========================================================================

func TestMiddleware_HeaderContextParentsRequestSpan(t *testing.T) {
	tracer, recorder := setupTestTracer(t)
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store, Tracer: tracer})

	rec := doRequest(t, mw(sessionHandler("sess-1", nil)), map[string]string{"traceparent": testTraceparent})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "sess-1", rec.Header().Get(DefaultSessionHeader))

	span := requireSpan(t, recorder, "mcp.http POST /mcp")
	require.Equal(t, trace.SpanKindServer, span.SpanKind())
	require.Equal(t, testTraceID, span.SpanContext().TraceID().String())
	require.Equal(t, testSpanID, span.Parent().SpanID().String())
	require.True(t, span.Parent().IsRemote())

	source, ok := getAttributeValue(span, AttrParentSource)
	require.True(t, ok)
	require.Equal(t, string(ParentFromHeader), source.AsString())

	stored, ok := store.Get("sess-1")
	require.True(t, ok)
	require.Equal(t, testTraceID, stored.TraceID().String())
	require.Equal(t, testSpanID, stored.SpanID().String())

	fb, ok := store.Fallback()
	require.True(t, ok)
	require.Equal(t, testTraceID, fb.TraceID().String())
}

// A session started with a traceparent keeps later header-less tool calls on
// the same trace.
func TestMiddleware_SessionContinuity(t *testing.T) {
	tracer, recorder := setupTestTracer(t)
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store, Tracer: tracer})
	tool := Instrument(InstrumentConfig{Store: store, Tracer: tracer}, "get_weather", echoHandler)

	// First request: initialize with traceparent, server assigns the session
	rec := doRequest(t, mw(sessionHandler("sess-A", nil)), map[string]string{"traceparent": testTraceparent})
	sid := rec.Header().Get(DefaultSessionHeader)
	require.Equal(t, "sess-A", sid)

	// Second request: only the session header comes back
	rec = doRequest(t, mw(sessionHandler("", tool)), map[string]string{DefaultSessionHeader: sid})
	require.Equal(t, http.StatusOK, rec.Code)

	toolSpan := requireSpan(t, recorder, "mcp.tool.get_weather")
	require.Equal(t, testTraceID, toolSpan.SpanContext().TraceID().String())

	var second trace.SpanContext
	for _, s := range recorder.Ended() {
		if s.Name() == "mcp.http POST /mcp" && s.Parent().IsValid() && s.Parent().SpanID().String() == testSpanID {
			src, _ := getAttributeValue(s, AttrParentSource)
			if src.AsString() == string(ParentFromSession) {
				second = s.SpanContext()
			}
		}
	}
	require.True(t, second.IsValid(), "second request span should be parented by the stored context")
	require.Equal(t, second.SpanID(), toolSpan.Parent().SpanID())

	// The header-less request does not replace the stored correlation
	stored, ok := store.Get(sid)
	require.True(t, ok)
	require.Equal(t, testSpanID, stored.SpanID().String())
}

// A context-less first call becomes a root; its own span seeds the fallback
// and the session entry.
func TestMiddleware_NoContextStartsRoot(t *testing.T) {
	tracer, recorder := setupTestTracer(t)
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store, Tracer: tracer})
	tool := Instrument(InstrumentConfig{Store: store, Tracer: tracer}, "get_forecast", echoHandler)

	rec := doRequest(t, mw(sessionHandler("sess-C", tool)), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	reqSpan := requireSpan(t, recorder, "mcp.http POST /mcp")
	require.False(t, reqSpan.Parent().IsValid(), "request span should be a root")

	toolSpan := requireSpan(t, recorder, "mcp.tool.get_forecast")
	require.Equal(t, reqSpan.SpanContext().TraceID(), toolSpan.SpanContext().TraceID())
	require.Equal(t, reqSpan.SpanContext().SpanID(), toolSpan.Parent().SpanID())

	fb, ok := store.Fallback()
	require.True(t, ok)
	require.True(t, reqSpan.SpanContext().Equal(fb))

	stored, ok := store.Get("sess-C")
	require.True(t, ok)
	require.True(t, reqSpan.SpanContext().Equal(stored))

	// A later call with no span and no session lands on the fallback
	_, err := tool(context.Background(), echoTool{Location: "Oslo"})
	require.NoError(t, err)
	var fallbackSpan trace.SpanContext
	for _, s := range recorder.Ended() {
		if src, ok := getAttributeValue(s, AttrParentSource); ok && src.AsString() == string(ParentFromFallback) {
			fallbackSpan = s.SpanContext()
		}
	}
	require.Equal(t, reqSpan.SpanContext().TraceID(), fallbackSpan.TraceID())
}

func TestMiddleware_NewTraceparentReplacesSessionEntry(t *testing.T) {
	tracer, _ := setupTestTracer(t)
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store, Tracer: tracer})

	store.Put("sess", remoteSpanContext(t, "11111111111111111111111111111111", "1111111111111111"))

	doRequest(t, mw(sessionHandler("", nil)), map[string]string{
		DefaultSessionHeader: "sess",
		"traceparent":        testTraceparent,
	})

	stored, ok := store.Get("sess")
	require.True(t, ok)
	require.Equal(t, testTraceID, stored.TraceID().String())
}

func TestMiddleware_InvalidTraceparentIsRoot(t *testing.T) {
	tracer, recorder := setupTestTracer(t)
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store, Tracer: tracer})

	rec := doRequest(t, mw(sessionHandler("", nil)), map[string]string{"traceparent": "not-a-traceparent"})
	require.Equal(t, http.StatusOK, rec.Code)

	span := requireSpan(t, recorder, "mcp.http POST /mcp")
	require.False(t, span.Parent().IsValid())
	source, _ := getAttributeValue(span, AttrParentSource)
	require.Equal(t, string(ParentNone), source.AsString())
}

func TestMiddleware_MalformedSessionIDSkipsWriteBack(t *testing.T) {
	tracer, _ := setupTestTracer(t)
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store, Tracer: tracer})

	doRequest(t, mw(sessionHandler("bad session id", nil)), map[string]string{"traceparent": testTraceparent})

	require.Equal(t, 0, store.Len())
	_, ok := store.Get("bad session id")
	require.False(t, ok)
}

func TestMiddleware_WriteBackVisibleWhenHeadersCommit(t *testing.T) {
	tracer, _ := setupTestTracer(t)
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store, Tracer: tracer})

	var visibleBeforeBody bool
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(DefaultSessionHeader, "sess-early")
		w.WriteHeader(http.StatusOK)
		_, visibleBeforeBody = store.Get("sess-early")
		_, _ = w.Write([]byte("body"))
	})

	doRequest(t, mw(h), map[string]string{"traceparent": testTraceparent})
	require.True(t, visibleBeforeBody, "entry should be stored once headers are committed")
}

func TestMiddleware_WriteBackWhenHandlerWritesNothing(t *testing.T) {
	tracer, _ := setupTestTracer(t)
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store, Tracer: tracer})

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(DefaultSessionHeader, "sess-silent")
	})

	doRequest(t, mw(h), map[string]string{"traceparent": testTraceparent})
	_, ok := store.Get("sess-silent")
	require.True(t, ok)
}

func TestMiddleware_ServerErrorSetsSpanStatus(t *testing.T) {
	tracer, recorder := setupTestTracer(t)
	mw := NewPropagationMiddleware(PropagationConfig{Tracer: tracer})

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	rec := doRequest(t, mw(h), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	span := requireSpan(t, recorder, "mcp.http POST /mcp")
	require.Equal(t, codes.Error, span.Status().Code)
	status, ok := getAttributeValue(span, AttrHTTPStatusCode)
	require.True(t, ok)
	require.Equal(t, int64(http.StatusInternalServerError), status.AsInt64())
}

func TestMiddleware_ClientErrorLeavesStatusUnset(t *testing.T) {
	tracer, recorder := setupTestTracer(t)
	mw := NewPropagationMiddleware(PropagationConfig{Tracer: tracer})

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	doRequest(t, mw(h), nil)

	span := requireSpan(t, recorder, "mcp.http POST /mcp")
	assert.Equal(t, codes.Unset, span.Status().Code)
}

func TestMiddleware_ResponsePassesThroughUnmodified(t *testing.T) {
	mw := NewPropagationMiddleware(PropagationConfig{})

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(DefaultSessionHeader, "sess")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0"}`))
	})
	rec := doRequest(t, mw(h), map[string]string{"traceparent": testTraceparent})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, `{"jsonrpc":"2.0"}`, rec.Body.String())
}

func TestMiddleware_SessionIDInContext(t *testing.T) {
	mw := NewPropagationMiddleware(PropagationConfig{})

	var got string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = SessionIDFromContext(r.Context())
	})
	doRequest(t, mw(h), map[string]string{DefaultSessionHeader: "sess-ctx"})
	require.Equal(t, "sess-ctx", got)
}

func TestMiddleware_CustomSessionHeader(t *testing.T) {
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store, SessionHeader: "X-Session"})

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Session", "custom")
		w.Header().Set(DefaultSessionHeader, "ignored")
	})
	doRequest(t, mw(h), map[string]string{"traceparent": testTraceparent})

	_, ok := store.Get("custom")
	require.True(t, ok)
	_, ok = store.Get("ignored")
	require.False(t, ok)
}

// Without a tracer the middleware still correlates the incoming context.
func TestMiddleware_NilTracerStillCorrelates(t *testing.T) {
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store})

	var spanInHandler trace.SpanContext
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		spanInHandler = trace.SpanContextFromContext(r.Context())
		w.Header().Set(DefaultSessionHeader, "sess-noop")
	})
	doRequest(t, mw(h), map[string]string{"traceparent": testTraceparent})

	require.Equal(t, testTraceID, spanInHandler.TraceID().String())
	stored, ok := store.Get("sess-noop")
	require.True(t, ok)
	require.Equal(t, testSpanID, stored.SpanID().String())
}

func TestMiddleware_RecordsParentResolutionMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store, Metrics: m})
	h := sessionHandler("sess-m", nil)

	doRequest(t, mw(h), map[string]string{"traceparent": testTraceparent})
	doRequest(t, mw(h), map[string]string{DefaultSessionHeader: "sess-m"})
	doRequest(t, mw(h), map[string]string{DefaultSessionHeader: "unknown"})

	require.Equal(t, 1.0, testutil.ToFloat64(m.ParentResolutions.WithLabelValues("request", string(ParentFromHeader))))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ParentResolutions.WithLabelValues("request", string(ParentFromSession))))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ParentResolutions.WithLabelValues("request", string(ParentNone))))
}

func TestRedactHeaders_MasksCredentials(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("Cookie", "session=abc")
	h.Set("X-API-Key", "key-123")
	h.Set("traceparent", testTraceparent)

	got := redactHeaders(h)

	assert.Equal(t, "[REDACTED]", got.Get("Authorization"))
	assert.Equal(t, "[REDACTED]", got.Get("Cookie"))
	assert.Equal(t, "[REDACTED]", got.Get("X-Api-Key"))
	assert.Equal(t, testTraceparent, got.Get("traceparent"))
	assert.Equal(t, "Bearer secret", h.Get("Authorization"), "input header must not be mutated")
	assert.Nil(t, redactHeaders(nil))
}

func TestMiddleware_InformationalStatusDoesNotCommitWriteBack(t *testing.T) {
	tracer, recorder := setupTestTracer(t)
	store := tracestore.New(tracestore.DefaultConfig())
	mw := NewPropagationMiddleware(PropagationConfig{Store: store, Tracer: tracer})

	var storedAfterEarlyHints bool
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusEarlyHints)
		_, storedAfterEarlyHints = store.Get("sess-hints")
		w.Header().Set(DefaultSessionHeader, "sess-hints")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("body"))
	})
	srv := httptest.NewServer(mw(h))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("traceparent", testTraceparent)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	srv.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.False(t, storedAfterEarlyHints)
	_, ok := store.Get("sess-hints")
	require.True(t, ok, "session header set after a 1xx must still be written back")

	span := requireSpan(t, recorder, "mcp.http POST /mcp")
	status, ok := getAttributeValue(span, AttrHTTPStatusCode)
	require.True(t, ok)
	require.Equal(t, int64(http.StatusOK), status.AsInt64())
}
