package crosstab

import (
	"strings"

	"github.com/vinodismyname/xcelpivot/internal/values"
)

const (
	keySep    = "\x1f"
	mergedTag = "\x1emerged"
)

// Tuple is an immutable ordered list of grouping values identifying one
// header position on an axis. A tuple shorter than the axis depth is a
// total: length zero is the grand total, anything between is a subtotal.
//
// A merged tuple (the "Others" bucket) additionally carries the tuples it
// stands for. It orders like any tuple but never equals a plain one.
type Tuple struct {
	vals    []any
	key     string
	hash    uint64
	members []*Tuple
}

// NewTuple copies vals into a new tuple.
func NewTuple(vals ...any) *Tuple {
	cp := make([]any, len(vals))
	copy(cp, vals)
	return newTuple(cp, nil)
}

func newTuple(vals []any, members []*Tuple) *Tuple {
	t := &Tuple{vals: vals, members: members}
	var b strings.Builder
	for i, v := range vals {
		if i > 0 {
			b.WriteString(keySep)
		}
		b.WriteString(values.Key(v))
		t.hash += values.Hash(v)
	}
	if members != nil {
		b.WriteString(mergedTag)
	}
	t.key = b.String()
	return t
}

// NewMergedTuple builds a merged tuple whose grouping values are vals.
func NewMergedTuple(vals []any, members []*Tuple) *Tuple {
	cp := make([]any, len(vals))
	copy(cp, vals)
	ms := make([]*Tuple, len(members))
	copy(ms, members)
	return newTuple(cp, ms)
}

var emptyTuple = newTuple(nil, nil)

// Len returns the number of grouping values.
func (t *Tuple) Len() int { return len(t.vals) }

// At returns the value at position i.
func (t *Tuple) At(i int) any { return t.vals[i] }

// Values returns a copy of the grouping values.
func (t *Tuple) Values() []any {
	out := make([]any, len(t.vals))
	copy(out, t.vals)
	return out
}

// Key is the canonical identity of the tuple.
func (t *Tuple) Key() string { return t.key }

// Hash is the sum of the element hashes.
func (t *Tuple) Hash() uint64 { return t.hash }

// Equal reports element-wise equality. Merged tuples only equal merged tuples.
func (t *Tuple) Equal(o *Tuple) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.key == o.key
}

// valuesKey identifies the grouping values alone, ignoring the merged marker.
func (t *Tuple) valuesKey() string { return strings.TrimSuffix(t.key, mergedTag) }

// IsMerged reports whether t is an Others bucket.
func (t *Tuple) IsMerged() bool { return t.members != nil }

// Members returns the tuples folded into a merged tuple.
func (t *Tuple) Members() []*Tuple { return t.members }

// Prefix returns the first n values as a plain tuple.
func (t *Tuple) Prefix(n int) *Tuple {
	if n == len(t.vals) && t.members == nil {
		return t
	}
	if n == 0 {
		return emptyTuple
	}
	return newTuple(t.vals[:n:n], nil)
}

// HasPrefix reports whether p's values lead t's values.
func (t *Tuple) HasPrefix(p *Tuple) bool {
	if p.Len() > t.Len() {
		return false
	}
	for i := range p.vals {
		if values.Key(p.vals[i]) != values.Key(t.vals[i]) {
			return false
		}
	}
	return true
}

func (t *Tuple) String() string {
	parts := make([]string, len(t.vals))
	for i, v := range t.vals {
		parts[i] = values.Format(v)
	}
	s := "(" + strings.Join(parts, ", ") + ")"
	if t.members != nil {
		s += "*"
	}
	return s
}

// Others marks a bucket in a tuple position. Named-group comparers produce
// it for unclaimed values; Top-N folding produces a distinct folded variant.
type Others struct {
	Label  string
	folded bool
}

func (o Others) Key() string {
	if o.folded {
		return "\x00others+"
	}
	return "\x00others"
}

func (o Others) String() string { return o.Label }

// Folded reports whether the bucket was produced by Top-N folding.
func (o Others) Folded() bool { return o.folded }

func isOthers(v any) bool {
	_, ok := v.(Others)
	return ok
}

// compareTuples orders tuples position by position using the axis comparers.
// When one tuple is a prefix of the other the shorter one is a total and goes
// to the configured edge.
func compareTuples(a, b *Tuple, cmps []Comparer, totalsFirst bool) int {
	n := min(a.Len(), b.Len())
	for i := 0; i < n; i++ {
		if c := comparerAt(cmps, i).Compare(a.vals[i], b.vals[i]); c != 0 {
			return c
		}
	}
	switch {
	case a.Len() == b.Len():
		return 0
	case (a.Len() < b.Len()) == totalsFirst:
		return -1
	default:
		return 1
	}
}

func comparerAt(cmps []Comparer, i int) Comparer {
	if i < len(cmps) && cmps[i] != nil {
		return cmps[i]
	}
	return DefaultComparer{}
}
