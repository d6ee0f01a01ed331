package crosstab

import (
	"errors"
	"sync"
)

// Span is the extent of a merged header cell anchored at its top-left corner.
type Span struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type cellPos struct{ r, c int }

// Grid is the laid-out crosstab. Values are fixed at build time; SetObject
// overlays individual cells without rebuilding.
type Grid struct {
	rows, cols           TupleStore
	rowDepth, colDepth   int
	hdrRows, hdrCols     int
	rowMult, colMult     int
	sideBySide           bool
	nRows, nCols         int
	cells                [][]any
	spans                map[cellPos]Span
	anchors              map[cellPos]cellPos
	totalRows, totalCols map[int]struct{}
	grandRows, grandCols map[int]struct{}
	trailRows, trailCols int
	truncation           *Truncation

	mu        sync.RWMutex
	overrides map[cellPos]any
}

func (g *Grid) RowCount() int        { return g.nRows }
func (g *Grid) ColCount() int        { return g.nCols }
func (g *Grid) HeaderRowCount() int  { return g.hdrRows }
func (g *Grid) HeaderColCount() int  { return g.hdrCols }
func (g *Grid) TrailerRowCount() int { return g.trailRows }
func (g *Grid) TrailerColCount() int { return g.trailCols }

// SideBySide reports whether aggregates are laid across columns.
func (g *Grid) SideBySide() bool { return g.sideBySide }

// Truncation is non-nil when a ceiling cut the build short.
func (g *Grid) Truncation() *Truncation { return g.truncation }

func (g *Grid) inside(r, c int) bool { return r >= 0 && c >= 0 && r < g.nRows && c < g.nCols }

// Object returns the value of a cell. Cells merged into a span return nil;
// the value lives in the span's anchor.
func (g *Grid) Object(r, c int) any {
	if !g.inside(r, c) {
		return nil
	}
	g.mu.RLock()
	v, ok := g.overrides[cellPos{r, c}]
	g.mu.RUnlock()
	if ok {
		return v
	}
	return g.cells[r][c]
}

// SetObject overwrites a single cell value.
func (g *Grid) SetObject(r, c int, v any) {
	if !g.inside(r, c) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.overrides == nil {
		g.overrides = make(map[cellPos]any)
	}
	g.overrides[cellPos{r, c}] = v
}

func (g *Grid) IsCornerCell(r, c int) bool {
	return g.inside(r, c) && r < g.hdrRows && c < g.hdrCols
}

// IsHeaderCell reports row or column header cells outside the corner.
func (g *Grid) IsHeaderCell(r, c int) bool {
	return g.inside(r, c) && (r < g.hdrRows) != (c < g.hdrCols)
}

func (g *Grid) IsDataCell(r, c int) bool {
	return g.inside(r, c) && r >= g.hdrRows && c >= g.hdrCols
}

// IsTotalCell reports cells in a subtotal or grand total row or column, headers included.
func (g *Grid) IsTotalCell(r, c int) bool {
	if !g.inside(r, c) || g.IsCornerCell(r, c) {
		return false
	}
	_, tr := g.totalRows[r]
	_, tc := g.totalCols[c]
	return tr || tc
}

func (g *Grid) IsGrandTotalCell(r, c int) bool {
	if !g.inside(r, c) || g.IsCornerCell(r, c) {
		return false
	}
	_, gr := g.grandRows[r]
	_, gc := g.grandCols[c]
	return gr || gc
}

// IsTotalRow reports whether grid row r is a subtotal or grand total row.
func (g *Grid) IsTotalRow(r int) bool {
	_, ok := g.totalRows[r]
	return ok
}

func (g *Grid) IsGrandTotalRow(r int) bool {
	_, ok := g.grandRows[r]
	return ok
}

func (g *Grid) IsTotalCol(c int) bool {
	_, ok := g.totalCols[c]
	return ok
}

func (g *Grid) IsGrandTotalCol(c int) bool {
	_, ok := g.grandCols[c]
	return ok
}

// Span returns the span anchored at (r, c), if any.
func (g *Grid) Span(r, c int) (Span, bool) {
	s, ok := g.spans[cellPos{r, c}]
	return s, ok
}

// Anchor returns the top-left cell of the span covering (r, c). Cells outside
// any span are their own anchor.
func (g *Grid) Anchor(r, c int) (int, int) {
	if a, ok := g.anchors[cellPos{r, c}]; ok {
		return a.r, a.c
	}
	return r, c
}

// Spans calls fn for every span in the grid.
func (g *Grid) Spans(fn func(r, c int, s Span)) {
	for p, s := range g.spans {
		fn(p.r, p.c, s)
	}
}

// AggregateIndex returns the aggregate shown at a data or header cell, or -1.
func (g *Grid) AggregateIndex(r, c int) int {
	if !g.inside(r, c) {
		return -1
	}
	if g.sideBySide {
		if c < g.hdrCols {
			return -1
		}
		return (c - g.hdrCols) % g.colMult
	}
	if r < g.hdrRows {
		return -1
	}
	return (r - g.hdrRows) % g.rowMult
}

// RowTuple returns the row tuple of a grid row; header rows have none.
func (g *Grid) RowTuple(r int) (*Tuple, error) {
	if r < g.hdrRows || r >= g.nRows {
		return nil, nil
	}
	return g.rows.At((r - g.hdrRows) / g.rowMult)
}

// ColTuple returns the column tuple of a grid column; header columns have none.
func (g *Grid) ColTuple(c int) (*Tuple, error) {
	if c < g.hdrCols || c >= g.nCols {
		return nil, nil
	}
	return g.cols.At((c - g.hdrCols) / g.colMult)
}

// Close releases spill storage.
func (g *Grid) Close() error {
	return errors.Join(g.rows.Close(), g.cols.Close())
}
