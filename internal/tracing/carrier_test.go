package tracing

import (
	"context"
	"net/http"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestW3CCodec_Extract(t *testing.T) {
	h := http.Header{}
	h.Set("traceparent", testTraceparent)
	h.Set("tracestate", "vendor=value")
	h.Set("baggage", "user=alice")

	ctx := NewW3CCodec().Extract(context.Background(), h)

	sc := trace.SpanContextFromContext(ctx)
	require.True(t, sc.IsValid())
	require.True(t, sc.IsRemote())
	require.True(t, sc.IsSampled())
	require.Equal(t, testTraceID, sc.TraceID().String())
	require.Equal(t, testSpanID, sc.SpanID().String())
	require.Equal(t, "value", sc.TraceState().Get("vendor"))
	require.Equal(t, "alice", baggage.FromContext(ctx).Member("user").Value())
}

func TestW3CCodec_ExtractInvalid(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
	}{
		{"missing", http.Header{}},
		{"nil", nil},
		{"garbage", http.Header{"Traceparent": []string{"garbage"}}},
		{"zero trace id", http.Header{"Traceparent": []string{"00-00000000000000000000000000000000-00f067aa0ba902b7-01"}}},
		{"zero span id", http.Header{"Traceparent": []string{"00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := NewW3CCodec().Extract(context.Background(), tt.header)
			require.False(t, trace.SpanContextFromContext(ctx).IsValid())
		})
	}
}

func TestW3CCodec_InjectRoundTrip(t *testing.T) {
	codec := NewW3CCodec()
	sc := remoteSpanContext(t, testTraceID, testSpanID)
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	h := http.Header{}
	codec.Inject(ctx, h)
	require.Equal(t, testTraceparent, h.Get("traceparent"))

	got := trace.SpanContextFromContext(codec.Extract(context.Background(), h))
	require.Equal(t, sc.TraceID(), got.TraceID())
	require.Equal(t, sc.SpanID(), got.SpanID())
}

func TestW3CCodec_InjectNilHeader(t *testing.T) {
	require.NotPanics(t, func() {
		NewW3CCodec().Inject(context.Background(), nil)
	})
}

func TestNewCodec_CustomPropagator(t *testing.T) {
	codec := NewCodec(propagation.TraceContext{})
	fields := codec.Fields()
	sort.Strings(fields)
	require.Equal(t, []string{"traceparent", "tracestate"}, fields)

	require.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, NewCodec(nil).Fields())
}

func TestMetaCarrier(t *testing.T) {
	c := NewMetaCarrier(nil)
	c.Set("traceparent", testTraceparent)
	c.Meta()["progressToken"] = 7

	require.Equal(t, testTraceparent, c.Get("traceparent"))
	require.Equal(t, "", c.Get("progressToken"), "non-string values read as empty")
	require.Equal(t, "", c.Get("missing"))
	require.ElementsMatch(t, []string{"traceparent", "progressToken"}, c.Keys())
}

func TestExtractMeta(t *testing.T) {
	meta := map[string]any{"traceparent": testTraceparent}
	sc := trace.SpanContextFromContext(ExtractMeta(context.Background(), meta))
	require.True(t, sc.IsValid())
	require.Equal(t, testTraceID, sc.TraceID().String())

	empty := ExtractMeta(context.Background(), nil)
	require.False(t, trace.SpanContextFromContext(empty).IsValid())
}

func TestInjectMeta(t *testing.T) {
	ctx := trace.ContextWithSpanContext(context.Background(), remoteSpanContext(t, testTraceID, testSpanID))

	meta := map[string]any{"progressToken": "abc"}
	InjectMeta(ctx, meta)
	require.Equal(t, testTraceparent, meta["traceparent"])
	require.Equal(t, "abc", meta["progressToken"])

	require.NotPanics(t, func() { InjectMeta(ctx, nil) })
}
