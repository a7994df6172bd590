package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type greetArgs struct {
	Name string `json:"name"`
}

type greetResult struct {
	Message string `json:"message"`
}

func greet(ctx context.Context, args greetArgs) (greetResult, error) {
	if args.Name == "" {
		return greetResult{}, errors.New("name is required")
	}
	return greetResult{Message: "hello " + args.Name}, nil
}

func TestTypedHandler_Success(t *testing.T) {
	h := TypedHandler(greet)

	res, err := h(context.Background(), json.RawMessage(`{"name":"ada"}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.JSONEq(t, `{"message":"hello ada"}`, res.Content[0].Text)
	require.Equal(t, greetResult{Message: "hello ada"}, res.StructuredContent)
}

func TestTypedHandler_InvalidArguments(t *testing.T) {
	h := TypedHandler(greet)

	_, err := h(context.Background(), json.RawMessage(`{"name":42}`))
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, ErrCodeInvalidParams, rpcErr.Code)
}

func TestTypedHandler_MissingArgumentsUseZeroValue(t *testing.T) {
	h := TypedHandler(greet)

	for _, raw := range []json.RawMessage{nil, json.RawMessage(`null`)} {
		_, err := h(context.Background(), raw)
		require.EqualError(t, err, "name is required")
	}
}

func TestTypedHandler_ErrorPassesThrough(t *testing.T) {
	sentinel := errors.New("boom")
	h := TypedHandler(func(ctx context.Context, args greetArgs) (greetResult, error) {
		return greetResult{}, sentinel
	})

	res, err := h(context.Background(), json.RawMessage(`{}`))
	require.Nil(t, res)
	require.ErrorIs(t, err, sentinel)
}
