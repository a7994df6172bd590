// Package tracing provides distributed tracing infrastructure for weathermcp.
// It keeps tool spans of one MCP session on one trace: extracting W3C trace
// context at the HTTP edge, correlating it with session ids through a
// tracestore.Store, and wrapping tool handlers in spans.
package tracing

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// sessionIDKey is the context key for storing the MCP session id.
const sessionIDKey contextKey = "session_id"

// SessionIDFromContext extracts the session ID from the context.
// Returns an empty string if no session ID is present.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(sessionIDKey); v != nil {
		if sessionID, ok := v.(string); ok {
			return sessionID
		}
	}
	return ""
}

// ContextWithSessionID returns a new context with the session ID set.
// If sessionID is empty, the original context is returned unchanged.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// ValidSessionID reports whether id is usable as a store key: 1 to 256
// visible ASCII characters.
func ValidSessionID(id string) bool {
	if len(id) == 0 || len(id) > 256 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
