package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

// Hooks logs MCP server lifecycle events and feeds tool call metrics.
type Hooks struct {
	logger  zerolog.Logger
	metrics *Metrics

	mu      sync.Mutex
	started map[string]time.Time
}

// NewHooks constructs a Hooks instance. metrics may be nil.
func NewHooks(logger zerolog.Logger, metrics *Metrics) *Hooks {
	return &Hooks{logger: logger, metrics: metrics, started: make(map[string]time.Time)}
}

// Server returns the mcp-go hook set bound to h.
func (h *Hooks) Server() *server.Hooks {
	hooks := &server.Hooks{}

	hooks.AddOnRegisterSession(func(ctx context.Context, session server.ClientSession) {
		h.OnSessionStart(session.SessionID())
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		h.OnSessionEnd(session.SessionID())
	})
	hooks.AddAfterListTools(func(ctx context.Context, id any, req *mcp.ListToolsRequest, res *mcp.ListToolsResult) {
		h.logger.Info().Int("tools", len(res.Tools)).Msg("list_tools served")
	})
	hooks.AddBeforeCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest) {
		h.mu.Lock()
		h.started[requestKey(id)] = time.Now()
		h.mu.Unlock()
	})
	hooks.AddAfterCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest, res *mcp.CallToolResult) {
		h.OnToolCall(req.Params.Name, h.elapsed(id), res != nil && res.IsError, nil)
	})
	hooks.AddOnError(func(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
		if req, ok := message.(*mcp.CallToolRequest); ok && method == mcp.MethodToolsCall {
			h.OnToolCall(req.Params.Name, h.elapsed(id), false, err)
			return
		}
		h.logger.Error().Str("method", string(method)).Err(err).Msg("request error")
	})
	return hooks
}

// OnServerStart is called when the server begins accepting connections.
func (h *Hooks) OnServerStart() {
	h.logger.Info().Msg("MCP server starting")
}

// OnServerStop is called during server shutdown.
func (h *Hooks) OnServerStop() {
	h.logger.Info().Msg("MCP server stopping")
}

// OnSessionStart records the start of a client session.
func (h *Hooks) OnSessionStart(sessionID string) {
	h.logger.Info().Str("session_id", sessionID).Msg("session started")
}

// OnSessionEnd records the end of a client session.
func (h *Hooks) OnSessionEnd(sessionID string) {
	h.logger.Info().Str("session_id", sessionID).Msg("session ended")
}

// OnToolCall logs a tool invocation and counts it. toolErr marks a tool-level
// error result; err is a protocol failure.
func (h *Hooks) OnToolCall(toolName string, duration time.Duration, toolErr bool, err error) {
	outcome := OutcomeOK
	switch {
	case err != nil:
		outcome = OutcomeError
		h.logger.Error().Str("tool", toolName).Dur("duration", duration).Err(err).Msg("tool call error")
	case toolErr:
		outcome = OutcomeToolError
		h.logger.Warn().Str("tool", toolName).Dur("duration", duration).Msg("tool call returned error result")
	default:
		h.logger.Info().Str("tool", toolName).Dur("duration", duration).Msg("tool call completed")
	}
	h.metrics.ToolCalled(toolName, outcome, duration)
}

func (h *Hooks) elapsed(id any) time.Duration {
	k := requestKey(id)
	h.mu.Lock()
	defer h.mu.Unlock()
	start, ok := h.started[k]
	if !ok {
		return 0
	}
	delete(h.started, k)
	return time.Since(start)
}

func requestKey(id any) string { return fmt.Sprint(id) }
