package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tmc/langchaingo/llms"
)

// DefaultSummaryModel is the client model assumed when sizing text summaries.
const DefaultSummaryModel = "gpt-4o"

// Registry maintains tool definitions, their handlers and the client model
// whose context window sizes text summaries.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]mcp.Tool
	handlers map[string]server.ToolHandlerFunc
	model    string
}

// New constructs an empty Registry ready for tool population.
func New() *Registry {
	return &Registry{
		tools:    map[string]mcp.Tool{},
		handlers: map[string]server.ToolHandlerFunc{},
		model:    DefaultSummaryModel,
	}
}

// WithModel sets the client model name. An empty name keeps the default.
// Call it before registering tools; their summary budget is fixed then.
func (r *Registry) WithModel(model string) {
	if model == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.model = model
}

// Model returns the configured client model name.
func (r *Registry) Model() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.model
}

// Add registers tool on s and records it with its handler.
func (r *Registry) Add(s *server.MCPServer, tool mcp.Tool, h server.ToolHandlerFunc) {
	if s != nil {
		s.AddTool(tool, h)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[tool.Name] = tool
	r.handlers[tool.Name] = h
}

// Handler returns the handler recorded for a tool.
func (r *Registry) Handler(name string) (server.ToolHandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Tools returns a stable-sorted list of registered tool definitions.
func (r *Registry) Tools(ctx context.Context) ([]mcp.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]mcp.Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}

	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name < tools[j].Name
	})

	return tools, nil
}

// ModelContextSize is the configured model's context window in tokens.
func (r *Registry) ModelContextSize() int {
	return llms.GetModelContextSize(r.Model())
}

// SummaryBudget is the byte budget for a tool's text summary: a small slice
// of the model context, assuming roughly four bytes per token.
func (r *Registry) SummaryBudget() int {
	n := r.ModelContextSize() * 4 / 64
	return min(max(n, 512), 8192)
}
