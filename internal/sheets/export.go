package sheets

import (
	"errors"
	"fmt"
	"time"

	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	"github.com/vinodismyname/xcelpivot/internal/values"
	"github.com/xuri/excelize/v2"
)

// ErrSheetExists is returned when the export target sheet is already present.
var ErrSheetExists = errors.New("sheets: target sheet already exists")

// ExportOptions controls grid export.
type ExportOptions struct {
	// PercentAggregates lists aggregate indices whose cells get a percent number format.
	PercentAggregates []int
	// ColWidth sets every column width when positive.
	ColWidth float64
}

// ExportGrid writes g to a new sheet of f, starting at A1, and merges every
// span. It returns the written range.
func ExportGrid(f *excelize.File, sheet string, g *crosstab.Grid, opts ExportOptions) (string, error) {
	if idx, err := f.GetSheetIndex(sheet); err == nil && idx != -1 {
		return "", fmt.Errorf("%w: %s", ErrSheetExists, sheet)
	}
	if _, err := f.NewSheet(sheet); err != nil {
		return "", fmt.Errorf("sheets: create %q: %w", sheet, err)
	}
	st, err := newExportStyles(f)
	if err != nil {
		return "", err
	}
	pct := make(map[int]bool, len(opts.PercentAggregates))
	for _, a := range opts.PercentAggregates {
		pct[a] = true
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return "", fmt.Errorf("sheets: stream %q: %w", sheet, err)
	}
	if opts.ColWidth > 0 && g.ColCount() > 0 {
		if err := sw.SetColWidth(1, g.ColCount(), opts.ColWidth); err != nil {
			return "", err
		}
	}
	for r := 0; r < g.RowCount(); r++ {
		row := make([]any, g.ColCount())
		for c := range row {
			style := st.data
			switch {
			case g.IsCornerCell(r, c) || g.IsHeaderCell(r, c):
				style = st.header
			case g.IsTotalCell(r, c):
				style = st.total
				if pct[g.AggregateIndex(r, c)] {
					style = st.totalPct
				}
			case pct[g.AggregateIndex(r, c)]:
				style = st.pct
			}
			row[c] = excelize.Cell{StyleID: style, Value: cellValue(g.Object(r, c))}
		}
		cell, _ := excelize.CoordinatesToCellName(1, r+1)
		if err := sw.SetRow(cell, row); err != nil {
			return "", fmt.Errorf("sheets: write row %d: %w", r+1, err)
		}
	}

	var mergeErr error
	g.Spans(func(r, c int, s crosstab.Span) {
		if mergeErr != nil {
			return
		}
		tl, _ := excelize.CoordinatesToCellName(c+1, r+1)
		br, _ := excelize.CoordinatesToCellName(c+s.Cols, r+s.Rows)
		mergeErr = sw.MergeCell(tl, br)
	})
	if mergeErr != nil {
		return "", fmt.Errorf("sheets: merge: %w", mergeErr)
	}
	if err := sw.Flush(); err != nil {
		return "", fmt.Errorf("sheets: flush %q: %w", sheet, err)
	}
	if g.RowCount() == 0 || g.ColCount() == 0 {
		return "", nil
	}
	br, _ := excelize.CoordinatesToCellName(g.ColCount(), g.RowCount())
	return "A1:" + br, nil
}

type exportStyles struct {
	header, total, totalPct, data, pct int
}

func newExportStyles(f *excelize.File) (exportStyles, error) {
	var st exportStyles
	pctFmt := 10 // 0.00%
	for _, s := range []struct {
		id    *int
		style *excelize.Style
	}{
		{&st.header, &excelize.Style{
			Font:      &excelize.Font{Bold: true},
			Fill:      excelize.Fill{Type: "pattern", Color: []string{"DDEBF7"}, Pattern: 1},
			Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "top"},
		}},
		{&st.total, &excelize.Style{Font: &excelize.Font{Bold: true}}},
		{&st.totalPct, &excelize.Style{Font: &excelize.Font{Bold: true}, NumFmt: pctFmt}},
		{&st.pct, &excelize.Style{NumFmt: pctFmt}},
	} {
		id, err := f.NewStyle(s.style)
		if err != nil {
			return st, fmt.Errorf("sheets: style: %w", err)
		}
		*s.id = id
	}
	return st, nil
}

func cellValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64, int, int64, time.Time:
		return x
	default:
		return values.Format(v)
	}
}
