package insights

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vinodismyname/xcelpivot/internal/reportdef"
	"github.com/vinodismyname/xcelpivot/internal/runtime"
	"github.com/vinodismyname/xcelpivot/internal/workbooks"
	"github.com/vinodismyname/xcelpivot/pkg/mcperr"
	"github.com/xuri/excelize/v2"
)

// saveRows writes rows to sheet of a new workbook in a temp dir.
func saveRows(t *testing.T, name, sheet string, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName("Sheet1", sheet))
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		row := r
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func salesWorkbook(t *testing.T) string {
	t.Helper()
	return saveRows(t, "sales.xlsx", "Sales", [][]any{
		{"Region", "Product", "Month", "Sales"},
		{"East", "A", "2024-01-15", 100},
		{"East", "B", "2024-01-20", 50},
		{"West", "A", "2024-02-03", 30},
		{"North", "B", "2024-02-10", 20},
		{"South", "A", "2024-02-11", 10},
	})
}

func newPivoter(t *testing.T) *Pivoter {
	t.Helper()
	limits := runtime.NewLimits(8, 8)
	ctrl := runtime.NewController(limits)
	mgr := workbooks.NewManager(0, 0, ctrl, nil)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return &Pivoter{Limits: limits, Mgr: mgr, Gate: ctrl, SpillDir: t.TempDir()}
}

func byRegion() *reportdef.Pivot {
	return &reportdef.Pivot{
		Rows:       []reportdef.Dimension{{Column: "Region"}},
		Aggregates: []reportdef.Aggregate{{Column: "Sales", Kind: "sum"}},
	}
}

func TestCrosstabPagesThroughGrid(t *testing.T) {
	p := newPivoter(t)
	path := salesWorkbook(t)
	ctx := context.Background()

	out, err := p.Crosstab(ctx, CrosstabInput{Path: path, Sheet: "Sales", Range: "A1:D6", Pivot: byRegion(), PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, "A1:D6", out.Range)
	require.Equal(t, 1, out.HeaderRows)
	require.Equal(t, 1, out.HeaderCols)
	require.Len(t, out.Header, 1)
	require.Equal(t, "Sum(Sales)", out.Header[0].Cells[1])
	require.Equal(t, GridMeta{Offset: 0, Returned: 2, Total: 5, Truncated: true, NextCursor: out.Meta.NextCursor}, out.Meta)
	require.NotEmpty(t, out.Meta.NextCursor)
	require.Equal(t, []any{"East", 150.0}, out.Rows[0].Cells)
	require.Equal(t, []any{"North", 20.0}, out.Rows[1].Cells)
	require.Equal(t, "data", out.Rows[0].Kind)

	out, err = p.Crosstab(ctx, CrosstabInput{Cursor: out.Meta.NextCursor})
	require.NoError(t, err)
	require.Equal(t, 2, out.Meta.Offset)
	require.Equal(t, []any{"South", 10.0}, out.Rows[0].Cells)
	require.Equal(t, []any{"West", 30.0}, out.Rows[1].Cells)

	out, err = p.Crosstab(ctx, CrosstabInput{Cursor: out.Meta.NextCursor})
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	require.Equal(t, "grand_total", out.Rows[0].Kind)
	require.Equal(t, []any{"Grand Total", 210.0}, out.Rows[0].Cells)
	require.False(t, out.Meta.Truncated)
	require.Empty(t, out.Meta.NextCursor)

	// Every page was served from one cached build.
	id, _, err := p.Mgr.GetOrOpenByPath(ctx, path)
	require.NoError(t, err)
	h, ok := p.Mgr.Get(id)
	require.True(t, ok)
	require.Equal(t, 1, h.CachedPivots())
}

func TestCrosstabRepeatsSpanValueOnLaterPage(t *testing.T) {
	p := newPivoter(t)
	path := salesWorkbook(t)
	def := &reportdef.Pivot{
		Rows:       []reportdef.Dimension{{Column: "Region"}, {Column: "Product"}},
		Aggregates: []reportdef.Aggregate{{Column: "Sales", Kind: "sum"}},
	}

	first, err := p.Crosstab(context.Background(), CrosstabInput{Path: path, Sheet: "Sales", Range: "A1:D6", Pivot: def, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, []any{"East", "A", 100.0}, first.Rows[0].Cells)
	require.Contains(t, first.Spans, GridSpan{Row: 1, Col: 0, Rows: 2, Cols: 1})

	second, err := p.Crosstab(context.Background(), CrosstabInput{Cursor: first.Meta.NextCursor})
	require.NoError(t, err)
	east := second.Rows[0]
	require.Equal(t, "total", east.Kind)
	require.Equal(t, []any{"East", "Total", 150.0}, east.Cells)
	require.Contains(t, second.Spans, GridSpan{Row: 3, Col: 0, Rows: 1, Cols: 1})
}

func TestCrosstabCursorGoesStaleAfterWrite(t *testing.T) {
	p := newPivoter(t)
	path := salesWorkbook(t)
	ctx := context.Background()

	out, err := p.Crosstab(ctx, CrosstabInput{Path: path, Sheet: "Sales", Range: "A1:D6", Pivot: byRegion(), PageSize: 1})
	require.NoError(t, err)

	id, _, err := p.Mgr.GetOrOpenByPath(ctx, path)
	require.NoError(t, err)
	require.NoError(t, p.Mgr.WithWrite(id, func(f *excelize.File) error {
		return f.SetCellValue("Sales", "D2", 1000)
	}))

	_, err = p.Crosstab(ctx, CrosstabInput{Cursor: out.Meta.NextCursor})
	require.ErrorIs(t, err, ErrStaleCursor)
	require.Equal(t, mcperr.CursorInvalid, Classify(err))

	_, err = p.Crosstab(ctx, CrosstabInput{Cursor: "not-a-cursor"})
	require.Equal(t, mcperr.CursorInvalid, Classify(err))
}

func TestCrosstabReportsTruncation(t *testing.T) {
	p := newPivoter(t)
	path := salesWorkbook(t)
	def := byRegion()
	def.Limits.MaxRowTuples = 2

	out, err := p.Crosstab(context.Background(), CrosstabInput{Path: path, Sheet: "Sales", Range: "A1:D6", Pivot: def})
	require.NoError(t, err)
	require.NotNil(t, out.Truncation)
	require.Equal(t, "row_tuples", out.Truncation.Reason)
	require.Equal(t, 2, out.Truncation.Limit)
}

func TestCrosstabPayloadLimit(t *testing.T) {
	p := newPivoter(t)
	p.Limits.MaxPayloadBytes = 1
	path := salesWorkbook(t)

	_, err := p.Crosstab(context.Background(), CrosstabInput{Path: path, Sheet: "Sales", Range: "A1:D6", Pivot: byRegion()})
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.Equal(t, mcperr.PayloadTooLarge, Classify(err))
}

func TestCrosstabClassifiesInputErrors(t *testing.T) {
	p := newPivoter(t)
	path := salesWorkbook(t)
	ctx := context.Background()

	badCol := &reportdef.Pivot{
		Rows:       []reportdef.Dimension{{Column: "Country"}},
		Aggregates: []reportdef.Aggregate{{Column: "Sales", Kind: "sum"}},
	}
	_, err := p.Crosstab(ctx, CrosstabInput{Path: path, Sheet: "Sales", Range: "A1:D6", Pivot: badCol})
	require.ErrorIs(t, err, reportdef.ErrUnknownColumn)
	require.Equal(t, mcperr.InvalidDefinition, Classify(err))

	badKind := &reportdef.Pivot{
		Rows:       []reportdef.Dimension{{Column: "Region"}},
		Aggregates: []reportdef.Aggregate{{Column: "Sales", Kind: "geomean"}},
	}
	_, err = p.Crosstab(ctx, CrosstabInput{Path: path, Sheet: "Sales", Range: "A1:D6", Pivot: badKind})
	require.Equal(t, mcperr.InvalidDefinition, Classify(err))

	_, err = p.Crosstab(ctx, CrosstabInput{Path: path, Sheet: "Missing", Range: "A1:D6", Pivot: byRegion()})
	require.Equal(t, mcperr.InvalidSheet, Classify(err))

	_, err = p.Crosstab(ctx, CrosstabInput{Path: path, Sheet: "Sales", Range: "NoSuchName", Pivot: byRegion()})
	require.Equal(t, mcperr.InvalidRange, Classify(err))

	_, err = p.Crosstab(ctx, CrosstabInput{Path: filepath.Join(t.TempDir(), "data.csv"), Sheet: "Sales", Range: "A1:D6", Pivot: byRegion()})
	require.Equal(t, mcperr.UnsupportedFormat, Classify(err))

	_, err = p.Crosstab(ctx, CrosstabInput{Path: path, Sheet: "Sales", Range: "A1:D6"})
	require.Equal(t, mcperr.InvalidDefinition, Classify(err))
}

func TestCeilingClampsToServerLimit(t *testing.T) {
	require.Equal(t, 10, ceiling(0, 10))
	require.Equal(t, 10, ceiling(50, 10))
	require.Equal(t, 5, ceiling(5, 10))
	require.Equal(t, 7, ceiling(7, 0))
}

func TestJSONCellDropsNonFinite(t *testing.T) {
	nan := 0.0
	nan = nan / nan
	require.Nil(t, jsonCell(nan))
	require.Equal(t, 1.5, jsonCell(1.5))
	require.Equal(t, "x", jsonCell("x"))
	require.Nil(t, jsonCell(nil))
}

func TestCrosstabListsTotalColumns(t *testing.T) {
	p := newPivoter(t)
	path := salesWorkbook(t)
	def := &reportdef.Pivot{
		Rows:       []reportdef.Dimension{{Column: "Region"}},
		Cols:       []reportdef.Dimension{{Column: "Product"}, {Column: "Month"}},
		Aggregates: []reportdef.Aggregate{{Column: "Sales", Kind: "sum"}},
	}
	out, err := p.Crosstab(context.Background(), CrosstabInput{Path: path, Sheet: "Sales", Range: "A1:D6", Pivot: def})
	require.NoError(t, err)
	require.Equal(t, 9, out.ColCount)
	// A spans three months and B two; each product ends in a subtotal column.
	require.Equal(t, []int{4, 7, 8}, out.TotalCols)
	require.Equal(t, []int{8}, out.GrandCols)
}
