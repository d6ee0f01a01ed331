package crosstab

import "github.com/vinodismyname/xcelpivot/internal/formula"

// applyPercentages hands every displayed percentage accumulator its
// denominator. Denominators are read as original (un-normalized) results.
func (cb *cube) applyPercentages(rows, cols []*Tuple) {
	for agg, ag := range cb.aggs {
		if ag.Percentage == nil || ag.Percentage.Type == formula.PercentNone {
			continue
		}
		for _, r := range rows {
			for _, c := range cols {
				p, ok := cb.lookup(r, c, agg).(formula.Percentage)
				if !ok {
					continue
				}
				p.SetTotal(formula.Original(cb.denominator(r, c, agg, ag.Percentage)))
			}
		}
	}
}

// denominator picks the total a percentage cell is divided by. Percent of
// group walks up the tuple along the percentage direction, dropping the last
// element until a total exists; a cell that is already the total of that
// direction falls back to the grand total.
func (cb *cube) denominator(r, c *Tuple, agg int, pct *Percentage) formula.Formula {
	grand := cb.lookup(emptyTuple, emptyTuple, agg)
	if pct.Type == formula.PercentOfGrandTotal {
		return grand
	}
	walk, fixed, axis := c, r, ColAxis
	if pct.Direction == ColAxis {
		walk, fixed, axis = r, c, RowAxis
	}
	for n := walk.Len() - 1; n >= 0; n-- {
		p := cb.parentTuple(axis, walk, n)
		var f formula.Formula
		if axis == ColAxis {
			f = cb.lookup(fixed, p, agg)
		} else {
			f = cb.lookup(p, fixed, agg)
		}
		if f != nil {
			return f
		}
	}
	return grand
}
