package sheets

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	"github.com/vinodismyname/xcelpivot/internal/formula"
	"github.com/xuri/excelize/v2"
)

func writeSalesWorkbook(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"Region", "Product", "Sales", "Share", "Date"},
		{"East", "A", 10, "25%", "2024-01-05"},
		{"East", "B", "$1,200", "(5%)", "2024-02-11"},
		{"West", "A", 5, "n/a", ""},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow(sheet, cell, &r))
	}
	require.NoError(t, f.SetDefinedName(&excelize.DefinedName{Name: "SalesTable", RefersTo: "Sheet1!$A$1:$E$4"}))
	path := filepath.Join(t.TempDir(), "sales.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func openWorkbook(t *testing.T, path string) *excelize.File {
	t.Helper()
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestResolveRange(t *testing.T) {
	f := openWorkbook(t, writeSalesWorkbook(t))

	b, err := ResolveRange(f, "Sheet1", "Sheet1!E4:A1")
	require.NoError(t, err)
	require.Equal(t, Bounds{X1: 1, Y1: 1, X2: 5, Y2: 4, Ref: "A1:E4"}, b)
	require.Equal(t, 5, b.Cols())
	require.Equal(t, 4, b.Rows())

	b, err = ResolveRange(f, "Sheet1", "SalesTable")
	require.NoError(t, err)
	require.Equal(t, "A1:E4", b.Ref)

	_, err = ResolveRange(f, "Sheet1", "Other!A1:B2")
	require.ErrorIs(t, err, ErrInvalidRange)
	_, err = ResolveRange(f, "Sheet1", "Missing")
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestRangeSourceConvertsCells(t *testing.T) {
	f := openWorkbook(t, writeSalesWorkbook(t))
	src, err := NewRangeSource(f, "Sheet1", "A1:E4")
	require.NoError(t, err)
	defer src.Close()

	require.Equal(t, []string{"Region", "Product", "Sales", "Share", "Date"}, src.Header())
	require.Equal(t, 5, src.ColCount())

	require.True(t, src.MoreRows(1))
	require.Equal(t, "East", src.Object(1, 0))
	require.Equal(t, 10.0, src.Object(1, 2))
	require.Equal(t, 0.25, src.Object(1, 3))
	require.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), src.Object(1, 4))

	require.True(t, src.MoreRows(2))
	require.Equal(t, 1200.0, src.Object(2, 2))
	require.InDelta(t, -0.05, src.Object(2, 3), 1e-12)
	require.Nil(t, src.Object(1, 2), "only the current row is held")

	require.True(t, src.MoreRows(3))
	require.Equal(t, "n/a", src.Object(3, 3))
	require.Nil(t, src.Object(3, 4))
	require.False(t, src.MoreRows(4))

	// Going back restarts the stream.
	require.True(t, src.MoreRows(1))
	require.Equal(t, "East", src.Object(1, 0))
	require.NoError(t, src.Err())

	_, err = NewRangeSource(f, "Nope", "A1:B2")
	require.ErrorIs(t, err, ErrSheetNotFound)
}

func TestConvert(t *testing.T) {
	require.Nil(t, Convert("  "))
	require.Equal(t, true, Convert("TRUE"))
	require.Equal(t, -42.5, Convert("($42.50)"))
	require.Equal(t, "NaN", Convert("NaN"))
	require.Equal(t, "Inf", Convert("Inf"))
	require.Equal(t, "East", Convert(" East "))
}

func TestCrosstabOverRangeRebuilds(t *testing.T) {
	f := openWorkbook(t, writeSalesWorkbook(t))
	src, err := NewRangeSource(f, "Sheet1", "SalesTable")
	require.NoError(t, err)
	defer src.Close()

	x, err := crosstab.New(src, crosstab.Options{
		Rows:       []crosstab.Dimension{{Column: 0}},
		Cols:       []crosstab.Dimension{{Column: 1}},
		Aggregates: []crosstab.Aggregate{{Column: 2, Kind: formula.Sum}},
	})
	require.NoError(t, err)
	defer x.Close()

	for i := 0; i < 2; i++ {
		g, err := x.Grid(context.Background())
		require.NoError(t, err)
		require.Equal(t, "Region", g.Object(0, 0))
		require.Equal(t, 1210.0, g.Object(1, 3))
		require.Equal(t, 1215.0, g.Object(3, 3))
		x.Invalidate()
	}
	require.NoError(t, src.Err())
}

func TestExportGridMergesSpans(t *testing.T) {
	f := openWorkbook(t, writeSalesWorkbook(t))
	src, err := NewRangeSource(f, "Sheet1", "A1:E4")
	require.NoError(t, err)
	defer src.Close()

	g, err := crosstab.Build(context.Background(), src, crosstab.Options{
		Rows:       []crosstab.Dimension{{Column: 0}, {Column: 1}},
		Aggregates: []crosstab.Aggregate{{Column: 2, Kind: formula.Sum}},
	})
	require.NoError(t, err)

	ref, err := ExportGrid(f, "Pivot", g, ExportOptions{ColWidth: 14})
	require.NoError(t, err)
	require.Equal(t, "A1:C7", ref)

	v, err := f.GetCellValue("Pivot", "A1")
	require.NoError(t, err)
	require.Equal(t, "Region", v)
	v, err = f.GetCellValue("Pivot", "C1")
	require.NoError(t, err)
	require.Equal(t, "Sum(Sales)", v)
	v, err = f.GetCellValue("Pivot", "B4")
	require.NoError(t, err)
	require.Equal(t, "Total", v)
	v, err = f.GetCellValue("Pivot", "C7")
	require.NoError(t, err)
	require.Equal(t, "1215", v)

	merged, err := f.GetMergeCells("Pivot")
	require.NoError(t, err)
	require.Len(t, merged, 3)

	_, err = ExportGrid(f, "Pivot", g, ExportOptions{})
	require.ErrorIs(t, err, ErrSheetExists)
}
