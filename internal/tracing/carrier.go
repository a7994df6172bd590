package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

// Codec moves trace context between a context.Context and HTTP headers.
// Extract never fails: a missing or malformed traceparent yields ctx with no
// remote span context.
type Codec interface {
	Extract(ctx context.Context, header http.Header) context.Context
	Inject(ctx context.Context, header http.Header)
}

// TextMapCodec is a Codec backed by an OpenTelemetry TextMapPropagator.
type TextMapCodec struct {
	propagator propagation.TextMapPropagator
}

// NewW3CCodec returns a Codec for W3C traceparent/tracestate and baggage.
func NewW3CCodec() *TextMapCodec {
	return NewCodec(W3CPropagator())
}

// NewCodec wraps p. A nil propagator falls back to W3CPropagator.
func NewCodec(p propagation.TextMapPropagator) *TextMapCodec {
	if p == nil {
		p = W3CPropagator()
	}
	return &TextMapCodec{propagator: p}
}

// W3CPropagator is the TraceContext plus Baggage composite.
func W3CPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// Extract implements Codec.
func (c *TextMapCodec) Extract(ctx context.Context, header http.Header) context.Context {
	if header == nil {
		return ctx
	}
	return c.propagator.Extract(ctx, propagation.HeaderCarrier(header))
}

// Inject implements Codec.
func (c *TextMapCodec) Inject(ctx context.Context, header http.Header) {
	if header == nil {
		return
	}
	c.propagator.Inject(ctx, propagation.HeaderCarrier(header))
}

// Fields lists the header names the codec reads and writes.
func (c *TextMapCodec) Fields() []string {
	return c.propagator.Fields()
}

// MetaCarrier implements propagation.TextMapCarrier for MCP params._meta,
// letting clients that cannot set HTTP headers (stdio) carry traceparent in
// the request itself.
type MetaCarrier struct {
	meta map[string]any
}

// NewMetaCarrier wraps meta. A nil map is replaced by an empty one.
func NewMetaCarrier(meta map[string]any) *MetaCarrier {
	if meta == nil {
		meta = make(map[string]any)
	}
	return &MetaCarrier{meta: meta}
}

// Get returns the string value for key, or "" when absent or not a string.
func (c *MetaCarrier) Get(key string) string {
	if v, ok := c.meta[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Set stores the key-value pair.
func (c *MetaCarrier) Set(key, value string) {
	c.meta[key] = value
}

// Keys lists the keys stored in this carrier.
func (c *MetaCarrier) Keys() []string {
	keys := make([]string, 0, len(c.meta))
	for k := range c.meta {
		keys = append(keys, k)
	}
	return keys
}

// Meta returns the underlying map.
func (c *MetaCarrier) Meta() map[string]any {
	return c.meta
}

// ExtractMeta reads W3C trace context from an MCP _meta map.
func ExtractMeta(ctx context.Context, meta map[string]any) context.Context {
	if len(meta) == 0 {
		return ctx
	}
	return W3CPropagator().Extract(ctx, NewMetaCarrier(meta))
}

// InjectMeta writes the span context of ctx into meta. A nil map is a no-op.
func InjectMeta(ctx context.Context, meta map[string]any) {
	if meta == nil {
		return
	}
	W3CPropagator().Inject(ctx, NewMetaCarrier(meta))
}
