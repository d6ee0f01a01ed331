package crosstab

import (
	"sort"

	"github.com/vinodismyname/xcelpivot/internal/values"
)

// maxSeriesFill bounds the buckets inserted per group when filling a date series.
const maxSeriesFill = 10_000

// orderAxis returns the displayed tuples of an axis in header order.
func (cb *cube) orderAxis(a Axis) []*Tuple {
	ax := cb.axes[a]
	list := make([]*Tuple, 0, len(ax.tuples))
	for _, t := range ax.tuples {
		if cb.opts.levelShown(a, t.Len()) {
			list = append(list, t)
		}
	}
	if ds := cb.opts.DateSeries; ds != nil && ds.Axis == a {
		list = cb.fillDateSeries(a, list)
	}
	sortTuples(list, cb.opts.comparers(a), cb.opts.totalsFirst(a))
	if cb.opts.IgnoreNullTotals {
		list = pruneSingletonTotals(list, ax.depth)
	}
	return list
}

// sortTuples orders by the axis comparers; ties fall back to the tuple key
// so the order never depends on map iteration.
func sortTuples(list []*Tuple, cmps []Comparer, totalsFirst bool) {
	sort.SliceStable(list, func(i, j int) bool {
		if c := compareTuples(list[i], list[j], cmps, totalsFirst); c != 0 {
			return c < 0
		}
		return list[i].key < list[j].key
	})
}

// pruneSingletonTotals drops subtotals whose group has at most one member,
// since they only repeat that member.
func pruneSingletonTotals(list []*Tuple, depth int) []*Tuple {
	if depth < 2 {
		return list
	}
	children := make(map[string]map[string]struct{})
	for _, t := range list {
		if t.Len() != depth {
			continue
		}
		for k := 1; k < depth; k++ {
			pk := t.Prefix(k).valuesKey()
			set := children[pk]
			if set == nil {
				set = make(map[string]struct{})
				children[pk] = set
			}
			set[t.Prefix(k+1).valuesKey()] = struct{}{}
		}
	}
	out := list[:0:0]
	for _, t := range list {
		if n := t.Len(); n > 0 && n < depth && len(children[t.valuesKey()]) <= 1 {
			continue
		}
		out = append(out, t)
	}
	return out
}

func dateComparerOf(c Comparer) (DateComparer, bool) {
	switch d := c.(type) {
	case DateComparer:
		return d, true
	case *DateComparer:
		if d != nil {
			return *d, true
		}
	}
	return DateComparer{}, false
}

// fillDateSeries inserts the missing buckets of the innermost date level so
// every group spans the same continuous series.
func (cb *cube) fillDateSeries(a Axis, list []*Tuple) []*Tuple {
	ax := cb.axes[a]
	depth := ax.depth
	dc, ok := dateComparerOf(cb.opts.dims(a)[depth-1].Comparer)
	if !ok {
		return list
	}
	var lo, hi any
	parents := make(map[string]*Tuple)
	var order []string
	for _, t := range list {
		if t.Len() != depth {
			continue
		}
		b := t.At(depth - 1)
		if _, step := dc.Next(b); !step {
			continue
		}
		if lo == nil || values.Compare(b, lo) < 0 {
			lo = b
		}
		if hi == nil || values.Compare(b, hi) > 0 {
			hi = b
		}
		p := t.Prefix(depth - 1)
		if _, seen := parents[p.key]; !seen {
			parents[p.key] = p
			order = append(order, p.key)
		}
	}
	if lo == nil {
		return list
	}
	for _, pk := range order {
		p := parents[pk]
		b := lo
		for n := 0; n < maxSeriesFill && values.Compare(b, hi) <= 0; n++ {
			vals := append(p.Values(), b)
			t := newTuple(vals, nil)
			if _, have := ax.tuples[t.key]; !have {
				list = append(list, ax.intern(t))
			}
			next, _ := dc.Next(b)
			b = next
		}
	}
	return list
}
