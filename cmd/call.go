package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/weathermcp/internal/log"
	"github.com/zjrosen/weathermcp/internal/mcp"
	"github.com/zjrosen/weathermcp/internal/tracing"
)

var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Call a tool on a running weathermcp server",
	Long: `Initialize an MCP session against a running server, call one tool and
print its result. The call is made inside a client span; pass --traceparent
to continue an existing trace instead.

Example:
  weathermcp call get_weather --arg location=Paris
  weathermcp call get_forecast --arg location=Oslo --arg days=5
  weathermcp call get_weather --arg location=Rome \
    --traceparent 00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

var (
	callURL         string
	callArgs        []string
	callTraceparent string
	callTimeout     time.Duration
	callList        bool
)

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringVar(&callURL, "url", "http://localhost:8001/mcp", "MCP endpoint URL")
	callCmd.Flags().StringArrayVarP(&callArgs, "arg", "a", nil, "Tool argument as key=value (repeatable); values are parsed as JSON when possible")
	callCmd.Flags().StringVar(&callTraceparent, "traceparent", "", "W3C traceparent to continue")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Request timeout")
	callCmd.Flags().BoolVar(&callList, "list", false, "List the server's tools before calling")
}

// parseArgs turns key=value pairs into a JSON object. Values that parse as
// JSON (numbers, booleans, objects) keep their type; anything else is a string.
func parseArgs(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q, want key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			args[key] = decoded
			continue
		}
		args[key] = value
	}
	return args, nil
}

// parentContext returns ctx carrying the remote parent named by traceparent.
func parentContext(ctx context.Context, traceparent string) (context.Context, error) {
	if traceparent == "" {
		return ctx, nil
	}
	header := http.Header{}
	header.Set("traceparent", traceparent)
	ctx = tracing.NewW3CCodec().Extract(ctx, header)
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return nil, fmt.Errorf("invalid traceparent %q", traceparent)
	}
	return ctx, nil
}

func runCall(cmd *cobra.Command, positional []string) error {
	tool := positional[0]
	args, err := parseArgs(callArgs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	ctx, err = parentContext(ctx, callTraceparent)
	if err != nil {
		return err
	}

	tc := cfg.ToTracing(version)
	tc.ServiceName = "weathermcp-client"
	provider, err := tracing.NewProvider(tc)
	if err != nil {
		return fmt.Errorf("creating tracer provider: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			log.ErrorErr(log.CatTrace, "Error flushing spans", err)
		}
	}()

	ctx, span := provider.Tracer().Start(ctx, "weathermcp.call "+tool, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	result, err := callTool(ctx, cmd.OutOrStdout(), mcp.NewClient(callURL,
		mcp.WithClientTimeout(callTimeout),
		mcp.WithClientSessionHeader(cfg.Server.SessionHeader),
		mcp.WithClientInfo("weathermcp-cli", version),
	), tool, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if result.IsError {
		span.SetStatus(codes.Error, "tool returned an error")
	}
	return printResult(cmd.OutOrStdout(), result)
}

func callTool(ctx context.Context, out io.Writer, client *mcp.Client, tool string, args map[string]any) (*mcp.ToolCallResult, error) {
	info, err := client.Initialize(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	log.InfoCtx(ctx, log.CatMCP, "Session initialized",
		"server", info.ServerInfo.Name, "session", client.SessionID(),
		"trace_id", trace.SpanContextFromContext(ctx).TraceID().String())
	defer func() {
		if err := client.Close(context.WithoutCancel(ctx)); err != nil {
			log.ErrorErr(log.CatMCP, "Failed to close session", err)
		}
	}()

	if callList {
		tools, err := client.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		for _, t := range tools {
			fmt.Fprintf(out, "%s\t%s\n", t.Name, t.Description)
		}
	}

	result, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", tool, err)
	}
	return result, nil
}

func printResult(w io.Writer, result *mcp.ToolCallResult) error {
	if result.StructuredContent != nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result.StructuredContent)
	}
	for _, item := range result.Content {
		fmt.Fprintln(w, item.Text)
	}
	if result.IsError {
		return fmt.Errorf("tool returned an error")
	}
	return nil
}
