// Package engine is the protocol router: it classifies JSON-RPC requests and
// produces the response for each one. It is transport-agnostic and shared by
// the streaming HTTP and stdio transports.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ggoodman/aippt-mcp-go/internal/jsonrpc"
	"github.com/ggoodman/aippt-mcp-go/internal/logctx"
	"github.com/ggoodman/aippt-mcp-go/internal/metrics"
	"github.com/ggoodman/aippt-mcp-go/mcp"
	"github.com/ggoodman/aippt-mcp-go/tools"
)

var (
	// ErrToolPanic marks a tool invocation that panicked.
	ErrToolPanic = errors.New("engine: tool panicked")
)

// Catalog is the tool set the router dispatches against.
type Catalog interface {
	List() []mcp.Tool
	Call(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)
}

// Engine routes requests to their handlers.
type Engine struct {
	catalog    Catalog
	serverInfo mcp.ImplementationInfo
	caps       mcp.ServerCapabilities
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics records tool call outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithServerInfo sets the name and version reported by initialize.
func WithServerInfo(name, version string) Option {
	return func(e *Engine) {
		if name != "" {
			e.serverInfo.Name = name
		}
		if version != "" {
			e.serverInfo.Version = version
		}
	}
}

// NewEngine creates a router over catalog.
func NewEngine(catalog Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog:    catalog,
		serverInfo: mcp.ImplementationInfo{Name: "pptmcpseriver", Version: "0.2.0"},
		caps:       mcp.DefaultServerCapabilities(),
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ServerInfo returns the implementation info reported by initialize.
func (e *Engine) ServerInfo() mcp.ImplementationInfo { return e.serverInfo }

// Dispatch handles one request and returns its response. Notifications, and
// any request without an id, produce a nil response.
func (e *Engine) Dispatch(ctx context.Context, sessionID string, req *jsonrpc.Request) *jsonrpc.Response {
	kind := Classify(req.Method)
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
	log := e.log.With(slog.String("kind", kind.String()))

	if req.IsNotification() {
		if kind != KindNotification {
			log.DebugContext(ctx, "engine.dispatch.no_id")
		}
		return nil
	}

	var res *jsonrpc.Response
	switch kind {
	case KindInitialize:
		res = e.handleInitialize(ctx, log, req)
	case KindPing:
		res = result(req.ID, mcp.EmptyResult{})
	case KindToolsList:
		res = result(req.ID, &mcp.ListToolsResult{Tools: e.catalog.List()})
	case KindToolsCall:
		res = e.handleToolCall(ctx, log, req)
	case KindNotification:
		// A notification method sent with an id still gets no reply.
		return nil
	case KindUnknown:
		log.InfoContext(ctx, "engine.dispatch.method_not_found", slog.String("session_id", sessionID))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}
	return res
}

func (e *Engine) handleInitialize(ctx context.Context, log *slog.Logger, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		// Client info is informational only; a malformed handshake still
		// gets the fixed result.
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.DebugContext(ctx, "engine.initialize.params", slog.String("err", err.Error()))
		}
	}
	log.InfoContext(ctx, "engine.initialize",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("requested_version", params.ProtocolVersion),
	)
	return result(req.ID, e.InitializeResult())
}

// InitializeResult is the fixed handshake result.
func (e *Engine) InitializeResult() *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    e.caps,
		ServerInfo:      e.serverInfo,
	}
}

func (e *Engine) handleToolCall(ctx context.Context, log *slog.Logger, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		log.InfoContext(ctx, "engine.tools_call.invalid")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params: missing tool name", nil)
	}
	if !isObjectOrAbsent(params.Arguments) {
		log.InfoContext(ctx, "engine.tools_call.invalid_arguments", slog.String("tool", params.Name))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params: arguments must be an object", nil)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})
	out := e.CallTool(ctx, &params)

	switch {
	case errors.Is(out.Err, ErrToolPanic):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
	case errors.Is(out.Err, tools.ErrToolNotFound):
		return result(req.ID, tools.Errorf("错误: 未知工具: %s", params.Name))
	case out.Err != nil:
		return result(req.ID, tools.Errorf("错误: %v", out.Err))
	}
	return result(req.ID, out.Result)
}

// ToolOutcome is a tool invocation reduced to either a result or a failure.
type ToolOutcome struct {
	Result   *mcp.CallToolResult
	Err      error
	Duration time.Duration
}

// Outcome is a short label for logs and metrics.
func (o ToolOutcome) Outcome() string {
	switch {
	case errors.Is(o.Err, ErrToolPanic):
		return "panic"
	case errors.Is(o.Err, tools.ErrToolNotFound):
		return "not_found"
	case o.Err != nil:
		return "error"
	case o.Result != nil && o.Result.IsError:
		return "tool_error"
	}
	return "ok"
}

// CallTool invokes a tool, converting panics and handler errors into a
// ToolOutcome.
func (e *Engine) CallTool(ctx context.Context, params *mcp.CallToolRequestReceived) (out ToolOutcome) {
	start := e.now()
	defer func() {
		if r := recover(); r != nil {
			out = ToolOutcome{Err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			e.log.ErrorContext(ctx, "engine.tools_call.panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
		out.Duration = e.now().Sub(start)
		e.metrics.ToolCall(params.Name, out.Outcome(), out.Duration)

		attrs := []any{slog.String("outcome", out.Outcome()), slog.Int64("dur_ms", out.Duration.Milliseconds())}
		if out.Err != nil {
			attrs = append(attrs, slog.String("err", out.Err.Error()))
		}
		e.log.InfoContext(ctx, "engine.tools_call", attrs...)
	}()

	res, err := e.catalog.Call(ctx, params)
	if err != nil {
		return ToolOutcome{Err: err}
	}
	if res == nil {
		res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	}
	return ToolOutcome{Result: res}
}

func isObjectOrAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	return trimmed[0] == '{'
}

func result(id *jsonrpc.RequestID, v any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
	}
	return res
}
