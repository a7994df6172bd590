package tracing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionIDFromContext_Empty(t *testing.T) {
	require.Equal(t, "", SessionIDFromContext(context.Background()))
}

func TestSessionIDFromContext_NilContext(t *testing.T) {
	//nolint:staticcheck // SA1012: testing nil context handling
	require.Equal(t, "", SessionIDFromContext(nil))
}

func TestContextWithSessionID_RoundTrip(t *testing.T) {
	ctx := ContextWithSessionID(context.Background(), "sess-123")
	require.Equal(t, "sess-123", SessionIDFromContext(ctx))
}

func TestContextWithSessionID_EmptyReturnsOriginal(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, ctx, ContextWithSessionID(ctx, ""))
}

func TestContextWithSessionID_Overwrite(t *testing.T) {
	ctx := ContextWithSessionID(context.Background(), "first")
	ctx = ContextWithSessionID(ctx, "second")
	require.Equal(t, "second", SessionIDFromContext(ctx))
}

func TestSessionIDFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), sessionIDKey, 42)
	require.Equal(t, "", SessionIDFromContext(ctx))
}

func TestValidSessionID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"uuid", "7f0c2a8e-3a4b-4c5d-9e6f-0a1b2c3d4e5f", true},
		{"single char", "x", true},
		{"max length", strings.Repeat("a", 256), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 257), false},
		{"space", "abc def", false},
		{"control", "abc\x00", false},
		{"non ascii", "séssion", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ValidSessionID(tt.id))
		})
	}
}
