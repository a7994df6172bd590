package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/weathermcp/internal/log"
	"github.com/zjrosen/weathermcp/internal/tracestore"
	"github.com/zjrosen/weathermcp/internal/tracing"
)

// maxBodyBytes bounds a single HTTP JSON-RPC message.
const maxBodyBytes = 4 << 20

// ToolHandler is a function that handles a tool call.
// It receives the raw arguments and returns a result or error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// Server implements an MCP tool server over stdio and streamable HTTP.
type Server struct {
	info          ImplementationInfo
	instructions  string
	tools         map[string]Tool
	handlers      map[string]ToolHandler
	order         []string
	sessions      *SessionManager
	store         *tracestore.Store
	sessionHeader string

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex

	writeMu sync.Mutex
	writer  io.Writer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the server instructions sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithSessions sets the session manager used by the HTTP transport.
func WithSessions(m *SessionManager) ServerOption {
	return func(s *Server) {
		s.sessions = m
	}
}

// WithTraceStore records trace context carried in tools/call _meta.
func WithTraceStore(store *tracestore.Store) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithSessionHeader overrides the session header name.
func WithSessionHeader(name string) ServerOption {
	return func(s *Server) {
		if name != "" {
			s.sessionHeader = name
		}
	}
}

// NewServer creates a new MCP server.
func NewServer(name, version string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info: ImplementationInfo{
			Name:    name,
			Version: version,
		},
		tools:         make(map[string]Tool),
		handlers:      make(map[string]ToolHandler),
		sessionHeader: tracing.DefaultSessionHeader,
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = NewSessionManager(DefaultSessionTTL, DefaultSessionCleanupInterval)
	}

	return s
}

// RegisterTool registers a tool with its handler. Registering a name twice
// replaces the earlier tool.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name]; !exists {
		s.order = append(s.order, tool.Name)
	}
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatMCP, "Registered tool", "name", tool.Name)
}

// Tools returns the registered tools in registration order.
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]Tool, 0, len(s.order))
	for _, name := range s.order {
		tools = append(tools, s.tools[name])
	}
	return tools
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Stop ends a running Serve loop at the next message.
func (s *Server) Stop() {
	s.cancel()
}

// Serve runs the stdio transport: one JSON-RPC message per line on stdin,
// responses on stdout. It returns when stdin closes or Stop is called.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.writeMu.Lock()
	s.writer = stdout
	s.writeMu.Unlock()

	scanner := bufio.NewScanner(stdin)
	// Increase buffer for large messages
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		log.Debug(log.CatMCP, "Received message", "raw", string(line))

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.send(NewErrorResponse(nil, NewParseError(err.Error())))
			continue
		}

		if req.IsNotification() {
			s.handleNotification(&req)
		} else {
			s.send(s.dispatch(s.ctx, &req))
		}

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatMCP, "Scanner error", "error", err)
		return fmt.Errorf("reading input: %w", err)
	}

	return nil
}

// HTTPHandler returns the streamable HTTP transport for the MCP endpoint.
//
// POST carries one JSON-RPC message. initialize opens a session and returns
// its id in the session header; every other message must echo that header.
// DELETE terminates the session.
func (s *Server) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handlePost(w, r)
		case http.MethodDelete:
			s.handleDelete(w, r)
		default:
			w.Header().Set("Allow", "POST, DELETE")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, NewErrorResponse(nil, NewInvalidRequest("failed to read request body")))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, NewErrorResponse(nil, NewParseError(err.Error())))
		return
	}
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		writeJSON(w, http.StatusBadRequest, NewErrorResponse(req.ID, NewInvalidRequest("expected a JSON-RPC 2.0 request")))
		return
	}

	ctx := r.Context()
	var sessionID string
	if req.Method == "initialize" {
		sessionID = s.sessions.Create()
	} else {
		sessionID = r.Header.Get(s.sessionHeader)
		if sessionID == "" {
			writeJSON(w, http.StatusBadRequest, NewErrorResponse(req.ID, NewInvalidRequest("missing "+s.sessionHeader+" header")))
			return
		}
		if err := s.sessions.Touch(sessionID); err != nil {
			status := http.StatusNotFound
			if errors.Is(err, ErrInvalidSession) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, NewErrorResponse(req.ID, NewInvalidRequest(err.Error())))
			return
		}
	}
	ctx = tracing.ContextWithSessionID(ctx, sessionID)
	w.Header().Set(s.sessionHeader, sessionID)

	if req.IsNotification() {
		s.handleNotification(&req)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	writeJSON(w, http.StatusOK, s.dispatch(ctx, &req))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(s.sessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+s.sessionHeader+" header", http.StatusBadRequest)
		return
	}
	switch err := s.sessions.Terminate(sessionID); {
	case errors.Is(err, ErrInvalidSession):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.Info(log.CatMCP, "session terminated", "session", sessionID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.ErrorErr(log.CatMCP, "Failed to marshal response", err)
		data, _ = json.Marshal(NewErrorResponse(resp.ID, NewInternalError("failed to encode response")))
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Debug(log.CatMCP, "Failed to write response", "error", err)
	}
}

// dispatch processes a JSON-RPC request and builds its response.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	log.Debug(log.CatMCP, "Handling request", "method", req.Method)

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "tools/list":
		result = ToolsListResult{Tools: s.Tools()}
	case "tools/call":
		result, rpcErr = s.handleToolsCall(ctx, req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewResponse(req.ID, result)
}

// handleNotification processes a JSON-RPC notification (no response needed).
func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		log.Debug(log.CatMCP, "Client initialized")
	case "notifications/cancelled":
		log.Debug(log.CatMCP, "Request cancelled")
	default:
		// Unknown notifications are ignored per protocol
		log.Debug(log.CatMCP, "Unknown notification", "method", req.Method)
	}
}

// handleInitialize processes the initialize request.
func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Debug(log.CatMCP, "Initialize request",
		"clientVersion", p.ProtocolVersion,
		"clientName", p.ClientInfo.Name)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

// handleToolsCall invokes a tool and returns its result.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()

	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	ctx = s.withMetaTrace(ctx, p.Meta)

	log.Debug(log.CatMCP, "Calling tool", "name", p.Name)
	start := time.Now()
	result, err := handler(ctx, p.Arguments)

	if err != nil {
		log.Debug(log.CatMCP, "Tool execution failed", "name", p.Name, "error", err, "duration", time.Since(start))
		var rpcErr *RPCError
		switch {
		case errors.As(err, &rpcErr):
			return nil, rpcErr
		case errors.Is(err, tracing.ErrInputCapture):
			return nil, NewInternalError(err.Error())
		}
		// Tool failures are results, not protocol errors
		return ErrorResult(err.Error()), nil
	}
	if result == nil {
		result = SuccessResult("")
	}

	return result, nil
}

// withMetaTrace adopts a traceparent carried in params._meta as the parent of
// the tool call and records it for the session, or as the fallback when the
// call has no session (stdio).
func (s *Server) withMetaTrace(ctx context.Context, meta map[string]any) context.Context {
	if len(meta) == 0 {
		return ctx
	}
	sc := trace.SpanContextFromContext(tracing.ExtractMeta(context.Background(), meta))
	if !sc.IsValid() {
		return ctx
	}
	log.Info(log.CatTrace, "received traceparent in _meta", "trace_id", sc.TraceID().String())

	if s.store != nil {
		if sid := tracing.SessionIDFromContext(ctx); sid != "" {
			s.store.Put(sid, sc)
		} else {
			s.store.SetFallback(sc)
		}
	}
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// send marshals and writes a response to the stdio writer.
func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Debug(log.CatMCP, "Failed to marshal response", "error", err)
		data, _ = json.Marshal(NewErrorResponse(resp.ID, NewInternalError("failed to encode response")))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writer == nil {
		return
	}

	// MCP uses newline-delimited JSON
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatMCP, "Failed to write response", "error", err)
	}

	log.Debug(log.CatMCP, "Sent response", "raw", string(data[:len(data)-1]))
}
