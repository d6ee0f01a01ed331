package registry

import (
	"context"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// EnvEnableWrites turns on tools that write workbooks.
const EnvEnableWrites = "XCELPIVOT_ENABLE_WRITES"

// WriteToolFilter conditionally hides write tools unless explicitly enabled.
type WriteToolFilter struct {
	allowWrites bool
}

// NewWriteToolFilterFromEnv constructs a filter using XCELPIVOT_ENABLE_WRITES.
func NewWriteToolFilterFromEnv() *WriteToolFilter {
	return NewWriteToolFilter(WritesEnabled())
}

func NewWriteToolFilter(allow bool) *WriteToolFilter {
	return &WriteToolFilter{allowWrites: allow}
}

// WritesEnabled reports whether XCELPIVOT_ENABLE_WRITES is set to a true value.
func WritesEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnableWrites)))
	return v == "1" || v == "true" || v == "yes"
}

// FilterTools implements server tool filtering semantics.
// When writes are disabled, tools with prefixes used for writes are excluded
// from discovery: export_, write_.
func (f *WriteToolFilter) FilterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	if f.allowWrites {
		return tools
	}
	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if isWriteTool(t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func isWriteTool(name string) bool {
	name = strings.ToLower(name)
	return strings.HasPrefix(name, "export_") || strings.HasPrefix(name, "write_")
}
