package crosstab

import (
	"sort"

	"github.com/vinodismyname/xcelpivot/internal/formula"
	"github.com/vinodismyname/xcelpivot/internal/values"
)

type sectionKind int

const (
	detailSection sectionKind = iota
	groupSection
	mergedSection
)

// section is one node of the axis tree used for ranking. Group sections own
// the tuples that share their prefix; merged sections stand for the groups
// folded into Others.
type section struct {
	kind     sectionKind
	tuple    *Tuple
	children []*section
	parts    []*section
	sums     map[int]summary
	// dirty marks a section whose subtree lost members without folding.
	dirty bool
}

type summary struct {
	v  float64
	ok bool
}

// rankAxis applies Top-N and sort-by-value to the ordered tuples of axis a
// and returns the new order. Levels are ranked outermost first against the
// full data; totals that summarized dropped members are rebuilt afterwards.
func (cb *cube) rankAxis(a Axis, list []*Tuple) []*Tuple {
	depth := cb.axes[a].depth
	if depth == 0 {
		return list
	}
	root := buildTree(list, depth)
	cb.rankLevel(a, root, 1)
	other := ColAxis
	if a == ColAxis {
		other = RowAxis
	}
	cb.rebuild(a, root, cb.axes[other].universe())

	out := cb.flatten(a, root)
	if cb.opts.IgnoreNullTotals {
		out = pruneSingletonTotals(out, depth)
	}
	return out
}

func buildTree(list []*Tuple, depth int) *section {
	root := &section{kind: groupSection, tuple: emptyTuple}
	for _, t := range list {
		if t.Len() != depth {
			continue
		}
		node := root
		for lvl := 1; lvl < depth; lvl++ {
			p := t.Prefix(lvl)
			if n := len(node.children); n > 0 && node.children[n-1].tuple.Equal(p) {
				node = node.children[n-1]
				continue
			}
			child := &section{kind: groupSection, tuple: p}
			node.children = append(node.children, child)
			node = child
		}
		node.children = append(node.children, &section{kind: detailSection, tuple: t})
	}
	return root
}

// summary is the section's value for one aggregate: its total against the
// grand total of the other axis. A merged section sums its parts.
func (cb *cube) summary(a Axis, s *section, agg int) summary {
	if sm, ok := s.sums[agg]; ok {
		return sm
	}
	var sm summary
	if s.kind == mergedSection {
		for _, p := range s.parts {
			if ps := cb.summary(a, p, agg); ps.ok {
				sm.v += ps.v
				sm.ok = true
			}
		}
	} else {
		var f formula.Formula
		if a == ColAxis {
			f = cb.lookup(emptyTuple, s.tuple, agg)
		} else {
			f = cb.lookup(s.tuple, emptyTuple, agg)
		}
		sm.v, sm.ok = formula.OriginalFloat(f)
	}
	if s.sums == nil {
		s.sums = make(map[int]summary)
	}
	s.sums[agg] = sm
	return sm
}

// sortSections orders siblings by one aggregate. Sections without a value go last.
func (cb *cube) sortSections(a Axis, kids []*section, agg int, desc bool) {
	sort.SliceStable(kids, func(i, j int) bool {
		si, sj := cb.summary(a, kids[i], agg), cb.summary(a, kids[j], agg)
		if si.ok != sj.ok {
			return si.ok
		}
		if !si.ok || si.v == sj.v {
			return false
		}
		if desc {
			return si.v > sj.v
		}
		return si.v < sj.v
	})
}

func (cb *cube) rankLevel(a Axis, parent *section, level int) {
	dims := cb.opts.dims(a)
	if level > len(dims) || len(parent.children) == 0 {
		return
	}
	d := dims[level-1]
	// Others never competes for a rank: it trails the ranked siblings.
	ranked, tail := splitOthers(parent.children, level)

	if rule := d.TopN; rule != nil {
		cb.sortSections(a, ranked, rule.Aggregate, !rule.Bottom)
		keep := cb.cutoff(a, ranked, rule)
		if keep < len(ranked) {
			folded := append(append([]*section(nil), ranked[keep:]...), tail...)
			ranked = ranked[:keep:keep]
			tail = nil
			if rule.Others {
				tail = []*section{cb.fold(a, parent, folded)}
			} else {
				parent.dirty = true
			}
		}
	}
	if sbv := d.SortByValue; sbv != nil {
		sameOrder := d.TopN != nil && d.TopN.Aggregate == sbv.Aggregate && sbv.Descending == !d.TopN.Bottom
		if !sameOrder {
			cb.sortSections(a, ranked, sbv.Aggregate, sbv.Descending)
		}
	}
	kids := append(ranked, tail...)
	parent.children = kids

	for _, k := range kids {
		if k.kind == groupSection {
			cb.rankLevel(a, k, level+1)
		}
	}
}

// splitOthers separates merged sections and Others buckets from the siblings
// that take part in ranking, keeping the key order of both.
func splitOthers(kids []*section, level int) (ranked, others []*section) {
	for _, k := range kids {
		if k.kind == mergedSection || isOthers(k.tuple.At(level-1)) {
			others = append(others, k)
			continue
		}
		ranked = append(ranked, k)
	}
	return ranked, others
}

// cutoff returns how many ranked siblings survive a Top-N rule.
func (cb *cube) cutoff(a Axis, kids []*section, rule *TopN) int {
	if len(kids) <= rule.N {
		return len(kids)
	}
	if !rule.KeepTies {
		return rule.N
	}
	distinct := 0
	var prev summary
	for i, k := range kids {
		sm := cb.summary(a, k, rule.Aggregate)
		if i == 0 || sm != prev {
			distinct++
			if distinct > rule.N {
				return i
			}
		}
		prev = sm
	}
	return len(kids)
}

// fold merges the dropped siblings under parent into one Others section.
func (cb *cube) fold(a Axis, parent *section, folded []*section) *section {
	vals := append(parent.tuple.Values(), Others{Label: cb.opts.OthersLabel, folded: true})
	return cb.mergeGroup(a, folded, vals)
}

// mergeGroup builds a merged section standing for parts, all at the same
// level. Their children are merged recursively by shared value so the
// Others bucket keeps the inner levels of the axis.
func (cb *cube) mergeGroup(a Axis, parts []*section, vals []any) *section {
	members := make([]*Tuple, len(parts))
	for i, p := range parts {
		members[i] = p.tuple
	}
	ms := &section{kind: mergedSection, tuple: NewMergedTuple(vals, members), parts: parts}
	cb.axes[a].merged[ms.tuple.valuesKey()] = ms.tuple

	level := len(vals)
	if level >= cb.axes[a].depth {
		return ms
	}
	var (
		order  []string
		groups = make(map[string][]*section)
		heads  = make(map[string]any)
	)
	for _, p := range parts {
		for _, c := range p.children {
			v := c.tuple.At(level)
			k := values.Key(v)
			if _, seen := groups[k]; !seen {
				order = append(order, k)
				heads[k] = v
			}
			groups[k] = append(groups[k], c)
		}
	}
	cmp := comparerAt(cb.opts.comparers(a), level)
	sort.SliceStable(order, func(i, j int) bool { return cmp.Compare(heads[order[i]], heads[order[j]]) < 0 })
	for _, k := range order {
		childVals := append(append([]any(nil), vals...), heads[k])
		ms.children = append(ms.children, cb.mergeGroup(a, groups[k], childVals))
	}
	return ms
}

// rebuild recomputes, bottom-up, the totals of every section that lost
// members, from its surviving children only. It reports whether s changed.
func (cb *cube) rebuild(a Axis, s *section, others []*Tuple) bool {
	dirty := s.dirty
	for _, c := range s.children {
		if c.kind == groupSection && cb.rebuild(a, c, others) {
			dirty = true
		}
	}
	if !dirty {
		return false
	}
	for agg := range cb.aggs {
		for _, o := range others {
			get := func(t *Tuple) formula.Formula {
				if a == ColAxis {
					return cb.lookup(o, t, agg)
				}
				return cb.lookup(t, o, agg)
			}
			kids := make([]*Tuple, len(s.children))
			for i, c := range s.children {
				kids[i] = c.tuple
			}
			cb.store(cb.key(a, s.tuple, o, agg), cb.combine(agg, kids, get))
		}
	}
	return true
}

// flatten turns the ranked tree back into an ordered tuple list, placing
// each displayed total before or after its group.
func (cb *cube) flatten(a Axis, root *section) []*Tuple {
	depth := cb.axes[a].depth
	first := cb.opts.totalsFirst(a)
	var out []*Tuple
	var walk func(s *section)
	walk = func(s *section) {
		if s.tuple.Len() == depth {
			out = append(out, s.tuple)
			return
		}
		shown := cb.opts.levelShown(a, s.tuple.Len())
		if shown && first {
			out = append(out, s.tuple)
		}
		for _, c := range s.children {
			walk(c)
		}
		if shown && !first {
			out = append(out, s.tuple)
		}
	}
	walk(root)
	return out
}

// parentTuple returns the n-long ancestor of t, resolving ancestors that
// exist only as merged tuples.
func (cb *cube) parentTuple(a Axis, t *Tuple, n int) *Tuple {
	p := t.Prefix(n)
	if m, ok := cb.axes[a].merged[p.valuesKey()]; ok {
		return m
	}
	return p
}
