package mcp

import (
	"context"
	"encoding/json"

	"github.com/zjrosen/weathermcp/internal/tracing"
)

// TypedHandler adapts a typed handler to a ToolHandler. Arguments are decoded
// into A (a decoding failure is an invalid params error) and the result is
// returned both as JSON text and as structured content.
func TypedHandler[A, R any](h tracing.Handler[A, R]) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
		var args A
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, NewInvalidParams(err.Error())
			}
		}

		res, err := h(ctx, args)
		if err != nil {
			return nil, err
		}

		text, err := json.Marshal(res)
		if err != nil {
			return nil, NewInternalError("encode tool result: " + err.Error())
		}
		return StructuredResult(string(text), res), nil
	}
}
