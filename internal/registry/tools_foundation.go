package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/vinodismyname/xcelpivot/internal/insights"
	"github.com/vinodismyname/xcelpivot/internal/runtime"
	"github.com/vinodismyname/xcelpivot/internal/workbooks"
	"github.com/vinodismyname/xcelpivot/pkg/mcperr"
	"github.com/xuri/excelize/v2"
)

// --- Input / Output Schemas (typed for discovery) ---

// OpenWorkbookInput defines parameters for opening a workbook.
type OpenWorkbookInput struct {
	Path string `json:"path" jsonschema_description:"Path to an Excel workbook inside an allowed directory"`
}

// OpenWorkbookOutput documents the response fields for open_workbook.
type OpenWorkbookOutput struct {
	WorkbookID      string `json:"workbook_id" jsonschema_description:"Server-assigned workbook handle ID"`
	Path            string `json:"path" jsonschema_description:"Canonical workbook path"`
	MaxPayloadBytes int    `json:"maxPayloadBytes" jsonschema_description:"Effective payload size limit in bytes"`
	GridPageRows    int    `json:"gridPageRows" jsonschema_description:"Default crosstab page size in grid rows"`
	MaxRowTuples    int    `json:"maxRowTuples" jsonschema_description:"Server ceiling on distinct row tuples per pivot"`
	MaxColTuples    int    `json:"maxColTuples" jsonschema_description:"Server ceiling on distinct column tuples per pivot"`
}

// CloseWorkbookInput defines parameters for closing a workbook.
type CloseWorkbookInput struct {
	WorkbookID string `json:"workbook_id" jsonschema_description:"Workbook handle ID to close"`
}

type CloseWorkbookOutput struct {
	Success bool `json:"success" jsonschema_description:"True when the handle was closed"`
}

// SheetInfo summarizes a sheet without loading full data.
type SheetInfo struct {
	Name      string   `json:"name" jsonschema_description:"Sheet name"`
	Dimension string   `json:"dimension,omitempty" jsonschema_description:"Used range, e.g. A1:F200"`
	Headers   []string `json:"headers,omitempty" jsonschema_description:"First row texts, usable as pivot column names"`
}

// ListStructureInput defines parameters for structure discovery.
type ListStructureInput struct {
	Path         string `json:"path" jsonschema_description:"Path to an Excel workbook inside an allowed directory"`
	MetadataOnly bool   `json:"metadata_only,omitempty" jsonschema_description:"Skip header rows"`
}

// ListStructureOutput summarizes workbook structure.
type ListStructureOutput struct {
	WorkbookID   string      `json:"workbook_id"`
	Path         string      `json:"path"`
	MetadataOnly bool        `json:"metadata_only"`
	Sheets       []SheetInfo `json:"sheets"`
}

// maxHeaderCells bounds the header texts listed per sheet.
const maxHeaderCells = 64

// RegisterFoundationTools wires the workbook handle tools.
func RegisterFoundationTools(s *server.MCPServer, reg *Registry, limits runtime.Limits, mgr *workbooks.Manager) {
	// open_workbook
	openTool := mcp.NewTool(
		"open_workbook",
		mcp.WithDescription("Open a workbook and return a handle ID with effective limits. Pivot tools open workbooks by path on demand; opening first keeps the handle and its cached pivots warm."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to an Excel workbook (.xlsx, .xlsm, .xltx, .xltm)")),
		mcp.WithOutputSchema[OpenWorkbookOutput](),
	)
	reg.Add(s, openTool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in OpenWorkbookInput) (*mcp.CallToolResult, error) {
		if strings.TrimSpace(in.Path) == "" {
			return mcperr.New(mcperr.Validation, "path is required"), nil
		}
		id, canonical, err := mgr.GetOrOpenByPath(ctx, in.Path)
		if err != nil {
			return mcperr.New(openCode(err), err.Error()), nil
		}
		out := OpenWorkbookOutput{
			WorkbookID:      id,
			Path:            canonical,
			MaxPayloadBytes: limits.MaxPayloadBytes,
			GridPageRows:    limits.GridPageRows,
			MaxRowTuples:    limits.MaxRowTuples,
			MaxColTuples:    limits.MaxColTuples,
		}
		summary := fmt.Sprintf("workbook_id=%s path=%s", id, canonical)
		return mcp.NewToolResultStructured(out, summary), nil
	}))

	// close_workbook
	closeTool := mcp.NewTool(
		"close_workbook",
		mcp.WithDescription("Close a previously opened workbook handle and drop its cached pivots"),
		mcp.WithString("workbook_id", mcp.Required(), mcp.Description("Workbook handle ID")),
		mcp.WithOutputSchema[CloseWorkbookOutput](),
	)
	reg.Add(s, closeTool, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in CloseWorkbookInput) (*mcp.CallToolResult, error) {
		if strings.TrimSpace(in.WorkbookID) == "" {
			return mcperr.New(mcperr.Validation, "workbook_id is required"), nil
		}
		if err := mgr.CloseHandle(ctx, in.WorkbookID); err != nil {
			return mcperr.New(openCode(err), err.Error()), nil
		}
		return mcp.NewToolResultStructured(CloseWorkbookOutput{Success: true}, "closed "+in.WorkbookID), nil
	}))

	// list_structure
	listStructure := mcp.NewTool(
		"list_structure",
		mcp.WithDescription("Return workbook structure: sheets, used ranges and header rows (no cell data). Use it to pick the sheet, range and column names for a pivot."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to an Excel workbook")),
		mcp.WithBoolean("metadata_only", mcp.DefaultBool(false), mcp.Description("Skip header rows")),
		mcp.WithOutputSchema[ListStructureOutput](),
	)
	reg.Add(s, listStructure, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in ListStructureInput) (*mcp.CallToolResult, error) {
		if strings.TrimSpace(in.Path) == "" {
			return mcperr.New(mcperr.Validation, "path is required"), nil
		}
		id, canonical, err := mgr.GetOrOpenByPath(ctx, in.Path)
		if err != nil {
			return mcperr.New(openCode(err), err.Error()), nil
		}
		out := ListStructureOutput{WorkbookID: id, Path: canonical, MetadataOnly: in.MetadataOnly}
		err = mgr.WithRead(id, func(f *excelize.File, _ int64) error {
			for _, name := range f.GetSheetList() {
				info := SheetInfo{Name: name}
				if dim, err := f.GetSheetDimension(name); err == nil {
					info.Dimension = dim
				}
				if !in.MetadataOnly {
					hdr, err := firstRow(f, name)
					if err != nil {
						return err
					}
					info.Headers = hdr
				}
				out.Sheets = append(out.Sheets, info)
			}
			return nil
		})
		if err != nil {
			return mcperr.New(mcperr.ReadFailed, err.Error()), nil
		}
		lines := []string{fmt.Sprintf("sheets=%d", len(out.Sheets))}
		for _, sh := range out.Sheets {
			lines = append(lines, fmt.Sprintf("- %s %s %v", sh.Name, sh.Dimension, sh.Headers))
		}
		res := mcp.NewToolResultStructured(out, lines[0])
		res.Content = []mcp.Content{mcp.NewTextContent(strings.Join(lines, "\n"))}
		return res, nil
	}))
}

func firstRow(f *excelize.File, sheet string) ([]string, error) {
	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Error()
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) > maxHeaderCells {
		cols = cols[:maxHeaderCells]
	}
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols, nil
}

// openCode maps a handle or open error to its catalog code.
func openCode(err error) mcperr.Code {
	code := insights.Classify(err)
	if code == mcperr.BuildFailed {
		return mcperr.OpenFailed
	}
	return code
}
