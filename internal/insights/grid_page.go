package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	"github.com/vinodismyname/xcelpivot/internal/reportdef"
	"github.com/vinodismyname/xcelpivot/pkg/pagination"
)

const maxGridPageRows = 500

// CrosstabInput requests one page of a pivot grid. A cursor carries the
// workbook, range and pivot of the page it continues, so the other fields
// may be omitted when it is set.
type CrosstabInput struct {
	Path     string           `json:"path,omitempty" jsonschema_description:"Excel file path inside an allowed directory; omit when cursor is set"`
	Sheet    string           `json:"sheet,omitempty" jsonschema_description:"Source sheet name"`
	Range    string           `json:"range,omitempty" jsonschema_description:"A1 range or defined name; the first row holds the column headers"`
	Pivot    *reportdef.Pivot `json:"pivot,omitempty" jsonschema_description:"Pivot definition: rows, cols, aggregates, filters, layout"`
	Cursor   string           `json:"cursor,omitempty" jsonschema_description:"Opaque cursor from a previous page; takes precedence over the other inputs"`
	PageSize int              `json:"page_size,omitempty" jsonschema_description:"Body rows per page (default from server limits, max 500)"`
}

// GridRow is one grid row. Kind is header, data, total or grand_total.
type GridRow struct {
	Row   int    `json:"row"`
	Kind  string `json:"kind"`
	Cells []any  `json:"cells"`
}

// GridSpan is a merged header block anchored at (Row, Col). Spans crossing a
// page boundary are clipped to the page and their value repeated at the
// first row of the page.
type GridSpan struct {
	Row  int `json:"row"`
	Col  int `json:"col"`
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type GridMeta struct {
	Offset     int    `json:"offset"`
	Returned   int    `json:"returned"`
	Total      int    `json:"total"`
	Truncated  bool   `json:"truncated"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// CrosstabOutput is a page of a built grid. Header rows are repeated on every page.
type CrosstabOutput struct {
	Path       string               `json:"path"`
	Sheet      string               `json:"sheet"`
	Range      string               `json:"range"`
	RowCount   int                  `json:"row_count"`
	ColCount   int                  `json:"col_count"`
	HeaderRows int                  `json:"header_rows"`
	HeaderCols int                  `json:"header_cols"`
	TotalCols  []int                `json:"total_cols,omitempty" jsonschema_description:"Grid columns holding subtotals or grand totals"`
	GrandCols  []int                `json:"grand_total_cols,omitempty" jsonschema_description:"Grid columns holding grand totals"`
	Header     []GridRow            `json:"header"`
	Rows       []GridRow            `json:"rows"`
	Spans      []GridSpan           `json:"spans,omitempty"`
	Truncation *crosstab.Truncation `json:"truncation,omitempty" jsonschema_description:"Set when a source-row or tuple ceiling cut the build short"`
	Meta       GridMeta             `json:"meta"`
}

type pageRequest struct {
	path, sheet, rng string
	def              reportdef.Pivot
	offset, size     int
	version          int64
	fromCursor       bool
}

// Crosstab builds (or reuses) the pivot of in and returns one page of grid rows.
func (p *Pivoter) Crosstab(ctx context.Context, in CrosstabInput) (CrosstabOutput, error) {
	var out CrosstabOutput
	req, err := p.pageRequest(in)
	if err != nil {
		return out, err
	}
	err = p.withGrid(ctx, req.path, req.sheet, req.rng, req.def, func(ref pivotRef, g *crosstab.Grid) error {
		if req.fromCursor && ref.Version != req.version {
			return fmt.Errorf("%w: version %d, cursor %d", ErrStaleCursor, ref.Version, req.version)
		}
		out.Path, out.Sheet, out.Range = ref.Path, ref.Sheet, ref.Range
		if err := p.page(g, req, &out); err != nil {
			return err
		}
		if !out.Meta.Truncated {
			return nil
		}
		next, err := pagination.EncodeCursor(pagination.Cursor{
			Wid: ref.ID,
			P:   ref.Path,
			S:   req.sheet,
			R:   req.rng,
			U:   pagination.UnitGridRows,
			Off: out.Meta.Offset + out.Meta.Returned,
			Ps:  req.size,
			Wbv: ref.Version,
			Ph:  pagination.Hash(ref.Def),
			Pd:  string(ref.Def),
		})
		if err != nil {
			return err
		}
		out.Meta.NextCursor = next
		return nil
	})
	return out, err
}

func (p *Pivoter) pageRequest(in CrosstabInput) (pageRequest, error) {
	if c := strings.TrimSpace(in.Cursor); c != "" {
		cur, err := pagination.DecodeCursor(c)
		if err != nil {
			return pageRequest{}, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
		}
		if cur.U != pagination.UnitGridRows || cur.Pd == "" || cur.P == "" {
			return pageRequest{}, fmt.Errorf("%w: not a crosstab cursor", ErrInvalidCursor)
		}
		var def reportdef.Pivot
		if err := json.Unmarshal([]byte(cur.Pd), &def); err != nil {
			return pageRequest{}, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
		}
		return pageRequest{
			path: cur.P, sheet: cur.S, rng: cur.R, def: def,
			offset: cur.Off, size: cur.Ps, version: cur.Wbv, fromCursor: true,
		}, nil
	}
	if in.Pivot == nil {
		return pageRequest{}, fmt.Errorf("%w: pivot is required", ErrInvalidPivot)
	}
	size := in.PageSize
	if size <= 0 {
		size = p.Limits.GridPageRows
	}
	size = min(max(size, 1), maxGridPageRows)
	return pageRequest{
		path: in.Path, sheet: strings.TrimSpace(in.Sheet), rng: strings.TrimSpace(in.Range),
		def: *in.Pivot, size: size,
	}, nil
}

// page fills out with the header rows and the body rows of req's page, stopping
// early when the payload limit is reached.
func (p *Pivoter) page(g *crosstab.Grid, req pageRequest, out *CrosstabOutput) error {
	hdr := g.HeaderRowCount()
	body := g.RowCount() - hdr
	out.RowCount, out.ColCount = g.RowCount(), g.ColCount()
	out.HeaderRows, out.HeaderCols = hdr, g.HeaderColCount()
	out.Truncation = g.Truncation()
	for c := g.HeaderColCount(); c < g.ColCount(); c++ {
		if g.IsTotalCol(c) {
			out.TotalCols = append(out.TotalCols, c)
		}
		if g.IsGrandTotalCol(c) {
			out.GrandCols = append(out.GrandCols, c)
		}
	}

	out.Header = make([]GridRow, 0, hdr)
	size := 0
	for r := 0; r < hdr; r++ {
		row := gridRow(g, r)
		size += rowSize(row)
		out.Header = append(out.Header, row)
	}

	start := min(req.offset, body)
	end := min(start+req.size, body)
	out.Rows = make([]GridRow, 0, end-start)
	limit := p.Limits.MaxPayloadBytes
	for r := hdr + start; r < hdr+end; r++ {
		row := gridRow(g, r)
		n := rowSize(row)
		if limit > 0 && size+n > limit {
			if len(out.Rows) == 0 {
				return fmt.Errorf("%w: row %d needs %d bytes, limit %d", ErrPayloadTooLarge, r, size+n, limit)
			}
			break
		}
		size += n
		out.Rows = append(out.Rows, row)
	}
	end = start + len(out.Rows)
	out.Spans = pageSpans(g, hdr+start, hdr+end, out)
	out.Meta = GridMeta{Offset: start, Returned: len(out.Rows), Total: body, Truncated: end < body}
	return nil
}

func gridRow(g *crosstab.Grid, r int) GridRow {
	cells := make([]any, g.ColCount())
	for c := range cells {
		cells[c] = jsonCell(g.Object(r, c))
	}
	return GridRow{Row: r, Kind: rowKind(g, r), Cells: cells}
}

func rowKind(g *crosstab.Grid, r int) string {
	switch {
	case r < g.HeaderRowCount():
		return "header"
	case g.IsGrandTotalRow(r):
		return "grand_total"
	case g.IsTotalRow(r):
		return "total"
	default:
		return "data"
	}
}

func rowSize(row GridRow) int {
	b, err := json.Marshal(row)
	if err != nil {
		return 0
	}
	return len(b)
}

// pageSpans returns the spans visible in the header rows and in body rows
// [from, to). A body span starting above the page is clipped and its anchor
// value copied to the page's first row.
func pageSpans(g *crosstab.Grid, from, to int, out *CrosstabOutput) []GridSpan {
	hdr := g.HeaderRowCount()
	var spans []GridSpan
	g.Spans(func(r, c int, s crosstab.Span) {
		top, bottom := r, r+s.Rows // bottom is exclusive
		if r < hdr {
			spans = append(spans, GridSpan{Row: r, Col: c, Rows: min(bottom, hdr) - r, Cols: s.Cols})
			return
		}
		lo, hi := max(top, from), min(bottom, to)
		if lo >= hi {
			return
		}
		if lo != top {
			out.Rows[lo-from].Cells[c] = jsonCell(g.Object(r, c))
		}
		spans = append(spans, GridSpan{Row: lo, Col: c, Rows: hi - lo, Cols: s.Cols})
	})
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Row != spans[j].Row {
			return spans[i].Row < spans[j].Row
		}
		return spans[i].Col < spans[j].Col
	})
	return spans
}
