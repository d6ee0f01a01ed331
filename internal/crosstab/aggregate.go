package crosstab

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/vinodismyname/xcelpivot/internal/formula"
)

const cancelCheckInterval = 256

// Truncation reports a build cut short by a configured ceiling. The grid
// still holds everything aggregated before the ceiling was hit.
type Truncation struct {
	Reason      string `json:"reason"`
	Limit       int    `json:"limit"`
	ScannedRows int    `json:"scanned_rows"`
}

const (
	TruncatedSourceRows = "source_rows"
	TruncatedRowTuples  = "row_tuples"
	TruncatedColTuples  = "col_tuples"
)

type cellKey struct {
	row, col string
	agg      int
}

type resolvedAggregate struct {
	Aggregate
	proto   formula.Formula
	numeric bool
}

// axisIndex records every tuple seen on one axis, totals included.
type axisIndex struct {
	depth  int
	tuples map[string]*Tuple
	full   int
	merged map[string]*Tuple
}

func newAxisIndex(depth int) *axisIndex {
	return &axisIndex{
		depth:  depth,
		tuples: map[string]*Tuple{emptyTuple.key: emptyTuple},
		merged: make(map[string]*Tuple),
	}
}

// intern returns the registered tuple with t's key, registering t when new.
func (x *axisIndex) intern(t *Tuple) *Tuple {
	if have, ok := x.tuples[t.key]; ok {
		return have
	}
	x.tuples[t.key] = t
	if t.Len() == x.depth && t.Len() > 0 {
		x.full++
	}
	return t
}

func (x *axisIndex) universe() []*Tuple {
	out := make([]*Tuple, 0, len(x.tuples)+len(x.merged))
	for _, t := range x.tuples {
		out = append(out, t)
	}
	for _, t := range x.merged {
		out = append(out, t)
	}
	return out
}

// cube holds the accumulators of one build. Keys that are displayed live in
// cells; keys hidden by total suppression but still needed for ranking or
// percentages live in shadow.
type cube struct {
	opts    Options
	aggs    []resolvedAggregate
	cells   map[cellKey]formula.Formula
	shadow  map[cellKey]formula.Formula
	axes    [2]*axisIndex
	log     *zerolog.Logger
	trunc   *Truncation
	scanned int
}

func newCube(opts Options, log *zerolog.Logger) (*cube, error) {
	cb := &cube{
		opts:   opts,
		cells:  make(map[cellKey]formula.Formula),
		shadow: make(map[cellKey]formula.Formula),
		axes:   [2]*axisIndex{newAxisIndex(len(opts.Rows)), newAxisIndex(len(opts.Cols))},
		log:    log,
	}
	for _, a := range opts.Aggregates {
		pct := formula.PercentNone
		if a.Percentage != nil {
			pct = a.Percentage.Type
		}
		proto, err := opts.Registry.New(a.Kind, pct)
		if err != nil {
			return nil, err
		}
		spec, _ := opts.Registry.Lookup(a.Kind)
		cb.aggs = append(cb.aggs, resolvedAggregate{Aggregate: a, proto: proto, numeric: spec.Numeric})
	}
	return cb, nil
}

func (cb *cube) axis(a Axis) *axisIndex { return cb.axes[a] }

// scan is the aggregation pass. It reads every data row once and feeds each
// aggregate into the detail, subtotal and grand total keys of the row.
func (cb *cube) scan(ctx context.Context, src Source) error {
	rows, cols := cb.axes[RowAxis], cb.axes[ColAxis]
	needTotals := cb.opts.needsTotals()
	rowShown := cb.shownLevels(RowAxis)
	colShown := cb.shownLevels(ColAxis)
	rowPrefixes := make([]*Tuple, rows.depth+1)
	colPrefixes := make([]*Tuple, cols.depth+1)
	secondary := make([][]any, len(cb.aggs))

	hdr := src.HeaderRowCount()
	for r := hdr; src.MoreRows(r); r++ {
		n := r - hdr
		if n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if limit := cb.opts.MaxSourceRows; limit > 0 && n >= limit {
			cb.truncate(TruncatedSourceRows, limit)
			break
		}
		if cb.opts.Filter != nil && !cb.opts.Filter(rowView{src: src, row: r}) {
			continue
		}

		rt := cb.rowTuple(src, r, cb.opts.Rows)
		ct := cb.rowTuple(src, r, cb.opts.Cols)
		if !cb.fits(rows, rt, cb.opts.MaxRowTuples) {
			cb.truncate(TruncatedRowTuples, cb.opts.MaxRowTuples)
			break
		}
		if !cb.fits(cols, ct, cb.opts.MaxColTuples) {
			cb.truncate(TruncatedColTuples, cb.opts.MaxColTuples)
			break
		}
		for i := range rowPrefixes {
			rowPrefixes[i] = rows.intern(rt.Prefix(i))
		}
		for j := range colPrefixes {
			colPrefixes[j] = cols.intern(ct.Prefix(j))
		}
		cb.scanned++

		for a := range cb.aggs {
			ag := &cb.aggs[a]
			v := src.Object(r, ag.Column)
			if len(ag.Secondary) > 0 {
				sec := secondary[a][:0]
				for _, c := range ag.Secondary {
					sec = append(sec, src.Object(r, c))
				}
				secondary[a] = sec
			}
			for i, rp := range rowPrefixes {
				for j, cp := range colPrefixes {
					shown := rowShown[i] && colShown[j]
					if !shown && !needTotals {
						continue
					}
					cb.accumulate(shown, cellKey{rp.key, cp.key, a}, v, secondary[a])
				}
			}
		}
	}
	return nil
}

func (cb *cube) shownLevels(a Axis) []bool {
	depth := cb.axes[a].depth
	out := make([]bool, depth+1)
	for n := range out {
		out[n] = cb.opts.levelShown(a, n)
	}
	return out
}

func (cb *cube) rowTuple(src Source, r int, dims []Dimension) *Tuple {
	vals := make([]any, len(dims))
	for i, d := range dims {
		v := src.Object(r, d.Column)
		if g, ok := d.Comparer.(Grouper); ok {
			v = g.Group(v)
		}
		vals[i] = v
	}
	return newTuple(vals, nil)
}

// fits reports whether t can be added without exceeding limit distinct full tuples.
func (cb *cube) fits(x *axisIndex, t *Tuple, limit int) bool {
	if limit <= 0 || t.Len() == 0 {
		return true
	}
	if _, ok := x.tuples[t.key]; ok {
		return true
	}
	return x.full < limit
}

func (cb *cube) truncate(reason string, limit int) {
	cb.trunc = &Truncation{Reason: reason, Limit: limit, ScannedRows: cb.scanned}
	cb.log.Warn().Str("reason", reason).Int("limit", limit).Int("scanned_rows", cb.scanned).Msg("crosstab truncated")
}

func (cb *cube) accumulate(shown bool, k cellKey, v any, secondary []any) {
	m := cb.cells
	if !shown {
		m = cb.shadow
	}
	f, ok := m[k]
	if !ok {
		f = cb.newAccumulator(k.agg)
		m[k] = f
	}
	if f != nil {
		formula.AddRow(f, v, secondary)
	}
}

// newAccumulator clones the aggregate prototype. A failed clone leaves the
// cell absent.
func (cb *cube) newAccumulator(agg int) formula.Formula {
	f, err := cb.aggs[agg].proto.Clone()
	if err != nil {
		cb.log.Error().Err(err).Int("aggregate", agg).Str("kind", string(cb.aggs[agg].Kind)).Msg("formula clone failed")
		return nil
	}
	return f
}

func (cb *cube) key(a Axis, t, other *Tuple, agg int) cellKey {
	if a == ColAxis {
		return cellKey{other.key, t.key, agg}
	}
	return cellKey{t.key, other.key, agg}
}

// lookup returns the accumulator of a cell, combining merged tuples on first use.
func (cb *cube) lookup(r, c *Tuple, agg int) formula.Formula {
	k := cellKey{r.key, c.key, agg}
	if f, ok := cb.cells[k]; ok {
		return f
	}
	if f, ok := cb.shadow[k]; ok {
		return f
	}
	if !r.IsMerged() && !c.IsMerged() {
		return nil
	}
	var f formula.Formula
	if r.IsMerged() {
		f = cb.combine(agg, r.members, func(m *Tuple) formula.Formula { return cb.lookup(m, c, agg) })
	} else {
		f = cb.combine(agg, c.members, func(m *Tuple) formula.Formula { return cb.lookup(r, m, agg) })
	}
	cb.cells[k] = f
	return f
}

// combine folds the accumulators of parts into a fresh accumulator. It
// returns nil when no part has a value.
func (cb *cube) combine(agg int, parts []*Tuple, get func(*Tuple) formula.Formula) formula.Formula {
	var out formula.Formula
	for _, p := range parts {
		src := get(p)
		if src == nil {
			continue
		}
		if out == nil {
			if out = cb.newAccumulator(agg); out == nil {
				return nil
			}
		}
		if err := formula.Combine(out, src); err != nil {
			cb.log.Error().Err(err).Int("aggregate", agg).Msg("formula combine failed")
		}
	}
	return out
}

// store replaces a cell accumulator, keeping it in whichever map held it.
func (cb *cube) store(k cellKey, f formula.Formula) {
	if _, ok := cb.shadow[k]; ok {
		if f == nil {
			delete(cb.shadow, k)
			return
		}
		cb.shadow[k] = f
		return
	}
	if f == nil {
		delete(cb.cells, k)
		return
	}
	cb.cells[k] = f
}
