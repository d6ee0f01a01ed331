package crosstab

import (
	"fmt"
	"strings"

	"github.com/vinodismyname/xcelpivot/internal/values"
)

// layout assembles the grid: corner labels, column and row headers, data
// cells, spans and the total position matrix.
func (cb *cube) layout(src Source, rows, cols []*Tuple) *Grid {
	rd, cd := len(cb.opts.Rows), len(cb.opts.Cols)
	nAgg := len(cb.aggs)

	side := cb.opts.SideBySide
	switch {
	case cd == 0:
		side = true
	case rd == 0:
		side = false
	}
	g := &Grid{
		rowDepth:   rd,
		colDepth:   cd,
		rowMult:    1,
		colMult:    1,
		sideBySide: side,
		hdrRows:    cd,
		hdrCols:    rd,
		spans:      make(map[cellPos]Span),
		anchors:    make(map[cellPos]cellPos),
		totalRows:  make(map[int]struct{}),
		totalCols:  make(map[int]struct{}),
		grandRows:  make(map[int]struct{}),
		grandCols:  make(map[int]struct{}),
		truncation: cb.trunc,
	}
	if side {
		g.colMult = nAgg
	} else {
		g.rowMult = nAgg
	}
	aggLabels := nAgg > 1 || (side && cd == 0) || (!side && rd == 0)
	if aggLabels {
		if side {
			g.hdrRows++
		} else {
			g.hdrCols++
		}
	}
	g.nRows = g.hdrRows + len(rows)*g.rowMult
	g.nCols = g.hdrCols + len(cols)*g.colMult
	g.cells = make([][]any, g.nRows)
	for r := range g.cells {
		g.cells[r] = make([]any, g.nCols)
	}

	labels := cb.aggregateLabels(src)
	rowAt := func(ri int) int { return g.hdrRows + ri*g.rowMult }
	colAt := func(ci int) int { return g.hdrCols + ci*g.colMult }

	// Corner: row dimension labels on the last header row, column dimension
	// labels down the last header column above it.
	if g.hdrRows > 0 {
		for j, d := range cb.opts.Rows {
			g.cells[g.hdrRows-1][j] = dimensionLabel(src, d)
		}
		if g.hdrCols > 0 {
			for r := 0; r < cd && r < g.hdrRows-1; r++ {
				g.cells[r][g.hdrCols-1] = dimensionLabel(src, cb.opts.Cols[r])
			}
		}
	}

	for ci, ct := range cols {
		for a := 0; a < g.colMult; a++ {
			c := colAt(ci) + a
			for r := 0; r < cd; r++ {
				g.cells[r][c] = cb.headerValue(ct, r)
			}
			if side && aggLabels {
				g.cells[g.hdrRows-1][c] = labels[a]
			}
			if ct.Len() < cd {
				g.totalCols[c] = struct{}{}
				if ct.Len() == 0 {
					g.grandCols[c] = struct{}{}
				}
			}
		}
	}
	for ri, rt := range rows {
		for a := 0; a < g.rowMult; a++ {
			r := rowAt(ri) + a
			for j := 0; j < rd; j++ {
				g.cells[r][j] = cb.headerValue(rt, j)
			}
			if !side && aggLabels {
				g.cells[r][g.hdrCols-1] = labels[a]
			}
			if rt.Len() < rd {
				g.totalRows[r] = struct{}{}
				if rt.Len() == 0 {
					g.grandRows[r] = struct{}{}
				}
			}
		}
	}

	for ri, rt := range rows {
		for ci, ct := range cols {
			for ra := 0; ra < g.rowMult; ra++ {
				for ca := 0; ca < g.colMult; ca++ {
					agg := ra
					if side {
						agg = ca
					}
					g.cells[rowAt(ri)+ra][colAt(ci)+ca] = cb.cellValue(rt, ct, agg)
				}
			}
		}
	}

	cb.columnSpans(g, cols, colAt)
	cb.rowSpans(g, rows, rowAt)

	if n := len(rows); n > 0 && rd > 0 && rows[n-1].Len() == 0 {
		g.trailRows = g.rowMult
	}
	if n := len(cols); n > 0 && cd > 0 && cols[n-1].Len() == 0 {
		g.trailCols = g.colMult
	}
	return g
}

func (cb *cube) cellValue(r, c *Tuple, agg int) any {
	var v any
	if f := cb.lookup(r, c, agg); f != nil {
		v = f.Result()
	}
	if v == nil && cb.opts.FillBlankWithZero && cb.aggs[agg].numeric {
		return 0.0
	}
	return v
}

// headerValue is the header text of tuple t at depth i. Positions past the
// end of a total tuple carry the total label.
func (cb *cube) headerValue(t *Tuple, i int) any {
	if i < t.Len() {
		if o, ok := t.At(i).(Others); ok {
			return o.Label
		}
		return t.At(i)
	}
	if t.Len() == 0 {
		return cb.opts.GrandTotalLabel
	}
	return cb.opts.TotalLabel
}

func dimensionLabel(src Source, d Dimension) string {
	if d.Label != "" {
		return d.Label
	}
	return columnName(src, d.Column)
}

func (cb *cube) aggregateLabels(src Source) []string {
	out := make([]string, len(cb.aggs))
	for i, a := range cb.aggs {
		if a.Label != "" {
			out[i] = a.Label
			continue
		}
		out[i] = fmt.Sprintf("%s(%s)", kindTitle(string(a.Kind)), columnName(src, a.Column))
	}
	return out
}

// kindTitle renders "distinct_count" as "DistinctCount".
func kindTitle(k string) string {
	parts := strings.Split(k, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}

func samePrefix(a, b *Tuple, n int) bool {
	for i := 0; i < n; i++ {
		if values.Key(a.At(i)) != values.Key(b.At(i)) {
			return false
		}
	}
	return true
}

// span records a merged region anchored at (r, c) and clears the cells it covers.
func (g *Grid) span(r, c, rows, cols int) {
	if rows*cols <= 1 {
		return
	}
	g.spans[cellPos{r, c}] = Span{Rows: rows, Cols: cols}
	for i := r; i < r+rows; i++ {
		for j := c; j < c+cols; j++ {
			if i == r && j == c {
				continue
			}
			g.anchors[cellPos{i, j}] = cellPos{r, c}
			g.cells[i][j] = nil
		}
	}
}

// columnSpans merges runs of equal column headers at each depth. A total
// column's label cells merge downwards from the depth where the total starts.
func (cb *cube) columnSpans(g *Grid, cols []*Tuple, colAt func(int) int) {
	cd := g.colDepth
	for r := 0; r < cd; r++ {
		for ci := 0; ci < len(cols); {
			ct := cols[ci]
			if ct.Len() <= r {
				if ct.Len() == r {
					g.span(r, colAt(ci), cd-r, g.colMult)
				}
				ci++
				continue
			}
			cj := ci + 1
			for cj < len(cols) && cols[cj].Len() > r && samePrefix(cols[cj], ct, r+1) {
				cj++
			}
			g.span(r, colAt(ci), 1, (cj-ci)*g.colMult)
			ci = cj
		}
	}
}

// rowSpans is the row-axis counterpart of columnSpans. With repeated row
// labels only total labels merge.
func (cb *cube) rowSpans(g *Grid, rows []*Tuple, rowAt func(int) int) {
	rd := g.rowDepth
	repeat := cb.opts.RepeatRowLabels
	for j := 0; j < rd; j++ {
		for ri := 0; ri < len(rows); {
			rt := rows[ri]
			if rt.Len() <= j {
				if rt.Len() == j {
					if repeat {
						for a := 0; a < g.rowMult; a++ {
							g.span(rowAt(ri)+a, j, 1, rd-j)
						}
					} else {
						g.span(rowAt(ri), j, g.rowMult, rd-j)
					}
				}
				ri++
				continue
			}
			if repeat {
				ri++
				continue
			}
			rj := ri + 1
			for rj < len(rows) && rows[rj].Len() > j && samePrefix(rows[rj], rt, j+1) {
				rj++
			}
			g.span(rowAt(ri), j, (rj-ri)*g.rowMult, 1)
			ri = rj
		}
	}
}
