package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zjrosen/weathermcp/internal/log"
	"github.com/zjrosen/weathermcp/internal/tracing"
)

// Client is an MCP client for the streamable HTTP transport. It remembers the
// session id returned by initialize and sends it on later requests. Trace
// context of the calling ctx is propagated in the traceparent header and,
// for tools/call, in params._meta.
type Client struct {
	http          *resty.Client
	url           string
	sessionHeader string
	info          ImplementationInfo

	nextID atomic.Int64

	mu        sync.RWMutex
	sessionID string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientTimeout sets the per-request timeout.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithTransport replaces the base round tripper. It is still wrapped for
// trace propagation.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.http.SetTransport(otelhttp.NewTransport(rt, otelhttp.WithPropagators(tracing.W3CPropagator())))
	}
}

// WithClientSessionHeader overrides the session header name.
func WithClientSessionHeader(name string) ClientOption {
	return func(c *Client) {
		if name != "" {
			c.sessionHeader = name
		}
	}
}

// WithClientInfo sets the implementation info sent in initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.info = ImplementationInfo{Name: name, Version: version}
	}
}

// NewClient creates a client for the MCP endpoint at url.
func NewClient(url string, opts ...ClientOption) *Client {
	rc := resty.New().
		SetTransport(otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithPropagators(tracing.W3CPropagator()))).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json, text/event-stream")

	c := &Client{
		http:          rc,
		url:           url,
		sessionHeader: tracing.DefaultSessionHeader,
		info:          ImplementationInfo{Name: "weathermcp-client", Version: "dev"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the current session id, empty before Initialize.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// SetSessionID resumes an existing session.
func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Initialize performs the handshake and stores the session id.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	var result InitializeResult
	err := c.call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.info,
	}, &result)
	if err != nil {
		return nil, err
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTools returns the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var result ToolsListResult
	if err := c.call(ctx, "tools/list", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes name with args. A tool-level failure is returned as a
// result with IsError set, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*ToolCallResult, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	params := ToolCallParams{Name: name, Arguments: raw}
	meta := map[string]any{}
	tracing.InjectMeta(ctx, meta)
	if len(meta) > 0 {
		params.Meta = meta
	}

	var result ToolCallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close terminates the session on the server.
func (c *Client) Close(ctx context.Context) error {
	sid := c.SessionID()
	if sid == "" {
		return nil
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(c.sessionHeader, sid).
		Delete(c.url)
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("terminate session: HTTP %d", resp.StatusCode())
	}
	c.SetSessionID("")
	return nil
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	id := c.nextID.Add(1)
	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
		Params:  rawParams,
	}

	resp, err := c.request(ctx).SetBody(req).Post(c.url)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if sid := resp.Header().Get(c.sessionHeader); sid != "" {
		c.SetSessionID(sid)
	}

	var rr rawResponse
	if err := json.Unmarshal(resp.Body(), &rr); err != nil {
		return fmt.Errorf("%s: HTTP %d: decode response: %w", method, resp.StatusCode(), err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("%s: HTTP %d", method, resp.StatusCode())
	}
	if out != nil && len(rr.Result) > 0 {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	log.Debug(log.CatMCP, "client call complete", "method", method, "session", c.SessionID())
	return nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	resp, err := c.request(ctx).
		SetBody(Request{JSONRPC: JSONRPCVersion, Method: method}).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("%s: HTTP %d", method, resp.StatusCode())
	}
	return nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if sid := c.SessionID(); sid != "" {
		r.SetHeader(c.sessionHeader, sid)
	}
	return r
}
