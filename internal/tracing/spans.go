package tracing

// Span attribute keys.
const (
	// Tool payloads, JSON encoded
	AttrInput  = "input"
	AttrOutput = "output"

	// Where a span's parent came from (see ParentSource)
	AttrParentSource = "trace.parent.source"

	// MCP attributes
	AttrMCPToolName  = "mcp.tool.name"
	AttrMCPSessionID = "mcp.session.id"

	// HTTP attributes
	AttrHTTPMethod     = "http.request.method"
	AttrHTTPRoute      = "url.path"
	AttrHTTPStatusCode = "http.response.status_code"

	// Error attributes
	AttrErrorType = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixHTTP = "mcp.http "
	SpanPrefixTool = "mcp.tool."
)

// Event names for span events.
const (
	EventOutputCaptureFailed = "output.capture_failed"
	EventSessionStored       = "session.trace_stored"
)

// ParentSource names where a span's parent context was found.
type ParentSource string

const (
	ParentFromHeader   ParentSource = "header"
	ParentFromContext  ParentSource = "context"
	ParentFromSession  ParentSource = "session"
	ParentFromFallback ParentSource = "fallback"
	ParentNone         ParentSource = "root"
)
