package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/vinodismyname/xcelpivot/internal/insights"
	"github.com/vinodismyname/xcelpivot/internal/values"
	"github.com/vinodismyname/xcelpivot/pkg/mcperr"
)

// RegisterPivotTools wires the crosstab tools backed by p.
func RegisterPivotTools(s *server.MCPServer, reg *Registry, p *insights.Pivoter) {
	budget := reg.SummaryBudget()

	// crosstab
	ct := mcp.NewTool(
		"crosstab",
		mcp.WithDescription("Build a pivot table (crosstab) over a sheet range and return one page of the laid-out grid. Rows and cols list grouping dimensions outermost first; each accepts a header name or 1-based index, optional date_level bucketing (year, quarter, month, week, day, or parts such as month_of_year), named groups, top_n with an Others bucket, and value sorting. Aggregates include sum, count, distinct_count, average, min, max, median, mode, variance, std_dev, product, first, last, concat, weighted_average and sum_product, optionally shown as a percentage of the group or grand total. Builds are cached per workbook, so later pages are cheap; pass meta.next_cursor to fetch the next page. Header rows repeat on every page and merged label spans are listed in spans. Errors include INVALID_DEFINITION, INVALID_SHEET, INVALID_RANGE, CURSOR_INVALID, PAYLOAD_TOO_LARGE and TIMEOUT."),
		mcp.WithInputSchema[insights.CrosstabInput](),
		mcp.WithOutputSchema[insights.CrosstabOutput](),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	reg.Add(s, ct, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in insights.CrosstabInput) (*mcp.CallToolResult, error) {
		if strings.TrimSpace(in.Cursor) == "" {
			if strings.TrimSpace(in.Path) == "" || strings.TrimSpace(in.Sheet) == "" || strings.TrimSpace(in.Range) == "" {
				return mcperr.New(mcperr.Validation, "path, sheet, and range are required without a cursor"), nil
			}
			if in.Pivot == nil {
				return mcperr.New(mcperr.Validation, "pivot is required without a cursor"), nil
			}
		}
		out, err := p.Crosstab(ctx, in)
		if err != nil {
			return mcperr.New(insights.Classify(err), err.Error()), nil
		}
		summary := fmt.Sprintf("grid=%dx%d header_rows=%d rows=%d..%d of %d truncated=%v", out.RowCount, out.ColCount, out.HeaderRows, out.Meta.Offset, out.Meta.Offset+out.Meta.Returned, out.Meta.Total, out.Meta.Truncated)
		if out.Truncation != nil {
			summary += fmt.Sprintf(" build_truncated=%s(limit=%d)", out.Truncation.Reason, out.Truncation.Limit)
		}
		lines := []string{summary}
		for _, r := range out.Header {
			lines = append(lines, gridLine(r))
		}
		for _, r := range out.Rows {
			lines = append(lines, gridLine(r))
		}
		if out.Meta.NextCursor != "" {
			lines = append(lines, "next_cursor="+out.Meta.NextCursor)
		}
		res := mcp.NewToolResultStructured(out, summary)
		res.Content = []mcp.Content{mcp.NewTextContent(clip(strings.Join(lines, "\n"), budget))}
		return res, nil
	}))

	// export_crosstab
	ex := mcp.NewTool(
		"export_crosstab",
		mcp.WithDescription("Build a pivot table and write the full grid to a new sheet with merged header spans, total styling and percent formats. Writes into the source workbook unless output_path names a new .xlsx file inside an allowed directory. The target sheet must not exist. Disabled unless the server enables writes; errors include WRITES_DISABLED, SHEET_EXISTS, PERMISSION_DENIED, INVALID_DEFINITION and BUILD_FAILED."),
		mcp.WithInputSchema[insights.ExportCrosstabInput](),
		mcp.WithOutputSchema[insights.ExportCrosstabOutput](),
		mcp.WithDestructiveHintAnnotation(false),
	)
	reg.Add(s, ex, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in insights.ExportCrosstabInput) (*mcp.CallToolResult, error) {
		if strings.TrimSpace(in.Path) == "" || strings.TrimSpace(in.Sheet) == "" || strings.TrimSpace(in.Range) == "" {
			return mcperr.New(mcperr.Validation, "path, sheet, and range are required"), nil
		}
		out, err := p.ExportCrosstab(ctx, in)
		if err != nil {
			return mcperr.New(insights.Classify(err), err.Error()), nil
		}
		summary := fmt.Sprintf("wrote %s!%s to %s rows=%d cols=%d truncated=%v", out.TargetSheet, out.Range, out.Path, out.Rows, out.Cols, out.Truncation != nil)
		res := mcp.NewToolResultStructured(out, summary)
		res.Content = []mcp.Content{mcp.NewTextContent(summary)}
		return res, nil
	}))

	// composition_shift
	cs := mcp.NewTool(
		"composition_shift",
		mcp.WithDescription("Compute share-of-period by group across two periods and highlight mix shifts in percentage points. Dimension, measure and time take header names or 1-based indices; dates are bucketed by date_level (month by default). Baseline and current default to the last two periods, and a label prefix such as 2024-03 selects a month. Results are capped to Top-N movers with the rest grouped into 'Other'. Errors include VALIDATION, INVALID_DEFINITION, INVALID_SHEET and BUILD_FAILED."),
		mcp.WithInputSchema[insights.CompositionShiftInput](),
		mcp.WithOutputSchema[insights.CompositionShiftOutput](),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	reg.Add(s, cs, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in insights.CompositionShiftInput) (*mcp.CallToolResult, error) {
		if strings.TrimSpace(in.Path) == "" || strings.TrimSpace(in.Sheet) == "" || strings.TrimSpace(in.Range) == "" {
			return mcperr.New(mcperr.Validation, "path, sheet, and range are required"), nil
		}
		if strings.TrimSpace(in.Dimension) == "" || strings.TrimSpace(in.Measure) == "" || strings.TrimSpace(in.Time) == "" {
			return mcperr.New(mcperr.Validation, "dimension, measure, and time are required"), nil
		}
		out, err := p.CompositionShift(ctx, in)
		if err != nil {
			return mcperr.New(insights.Classify(err), err.Error()), nil
		}
		summary := fmt.Sprintf("periods=[%s→%s] groups=%d topN=%d truncated=%v", out.PeriodBaseline, out.PeriodCurrent, len(out.Groups), out.TopN, out.Meta.Truncated)
		res := mcp.NewToolResultStructured(out, summary)
		res.Content = []mcp.Content{mcp.NewTextContent(summary)}
		return res, nil
	}))

	// concentration_metrics
	cm := mcp.NewTool(
		"concentration_metrics",
		mcp.WithDescription("Compute Top-N share and Herfindahl-Hirschman Index (HHI) for a grouping dimension. Dimension and measure take header names or 1-based indices within the range; returns Top-N group shares, 'Other' share, HHI value, and a concentration band. Errors include VALIDATION, INVALID_DEFINITION, INVALID_SHEET and BUILD_FAILED."),
		mcp.WithInputSchema[insights.ConcentrationMetricsInput](),
		mcp.WithOutputSchema[insights.ConcentrationMetricsOutput](),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	reg.Add(s, cm, mcp.NewTypedToolHandler(func(ctx context.Context, req mcp.CallToolRequest, in insights.ConcentrationMetricsInput) (*mcp.CallToolResult, error) {
		if strings.TrimSpace(in.Path) == "" || strings.TrimSpace(in.Sheet) == "" || strings.TrimSpace(in.Range) == "" {
			return mcperr.New(mcperr.Validation, "path, sheet, and range are required"), nil
		}
		if strings.TrimSpace(in.Dimension) == "" || strings.TrimSpace(in.Measure) == "" {
			return mcperr.New(mcperr.Validation, "dimension and measure are required"), nil
		}
		out, err := p.ConcentrationMetrics(ctx, in)
		if err != nil {
			return mcperr.New(insights.Classify(err), err.Error()), nil
		}
		summary := fmt.Sprintf("topN=%d HHI=%.3f band=%s groups=%d truncated=%v", out.TopN, out.HHI, out.Band, len(out.Groups), out.Meta.Truncated)
		res := mcp.NewToolResultStructured(out, summary)
		res.Content = []mcp.Content{mcp.NewTextContent(summary)}
		return res, nil
	}))
}

// gridLine renders a grid row as tab-separated text.
func gridLine(r insights.GridRow) string {
	parts := make([]string, len(r.Cells))
	for i, c := range r.Cells {
		if c != nil {
			parts[i] = values.Format(c)
		}
	}
	return strings.Join(parts, "\t")
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := strings.LastIndexByte(s[:n], '\n')
	if cut <= 0 {
		cut = n
	}
	return s[:cut] + "\n…"
}
