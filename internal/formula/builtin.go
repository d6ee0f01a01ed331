package formula

import (
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vinodismyname/xcelpivot/internal/values"
)

func builtins() []Spec {
	return []Spec{
		{Kind: Sum, Numeric: true, New: func() Formula { return &sumFormula{} }},
		{Kind: Count, Numeric: true, New: func() Formula { return &countFormula{} }},
		{Kind: DistinctCount, Numeric: true, New: func() Formula { return &distinctFormula{} }},
		{Kind: Average, Numeric: true, New: func() Formula { return &averageFormula{} }},
		{Kind: Min, Numeric: true, New: func() Formula { return &extremeFormula{sign: -1} }},
		{Kind: Max, Numeric: true, New: func() Formula { return &extremeFormula{sign: 1} }},
		{Kind: Median, Numeric: true, New: func() Formula { return &medianFormula{} }},
		{Kind: Mode, New: func() Formula { return &modeFormula{} }},
		{Kind: Variance, Numeric: true, New: func() Formula { return &momentFormula{sample: true} }},
		{Kind: PopulationVar, Numeric: true, New: func() Formula { return &momentFormula{} }},
		{Kind: StdDev, Numeric: true, New: func() Formula { return &momentFormula{sample: true, sqrt: true} }},
		{Kind: PopulationStdDev, Numeric: true, New: func() Formula { return &momentFormula{sqrt: true} }},
		{Kind: Product, Numeric: true, New: func() Formula { return &productFormula{} }},
		{Kind: First, New: func() Formula { return &edgeFormula{} }},
		{Kind: Last, New: func() Formula { return &edgeFormula{last: true} }},
		{Kind: Concat, New: func() Formula { return &concatFormula{sep: defaultConcatSep} }},
		{Kind: WeightedAverage, Numeric: true, Secondary: 1, New: func() Formula { return &weightedFormula{} }},
		{Kind: SumProduct, Numeric: true, Secondary: 1, New: func() Formula { return &weightedFormula{product: true} }},
	}
}

type sumFormula struct {
	sum decimal.Decimal
	n   int
}

func (f *sumFormula) Reset() { *f = sumFormula{} }

func (f *sumFormula) Add(v any) {
	d, ok := values.ToDecimal(v)
	if !ok {
		return
	}
	f.sum = f.sum.Add(d)
	f.n++
}

func (f *sumFormula) Result() any {
	if f.n == 0 {
		return nil
	}
	return f.sum.InexactFloat64()
}

func (f *sumFormula) Clone() (Formula, error) { return &sumFormula{}, nil }

func (f *sumFormula) Merge(other Formula) error {
	o, ok := other.(*sumFormula)
	if !ok {
		return mismatch(f, other)
	}
	f.sum = f.sum.Add(o.sum)
	f.n += o.n
	return nil
}

// countFormula counts non-null values.
type countFormula struct{ n int }

func (f *countFormula) Reset() { f.n = 0 }

func (f *countFormula) Add(v any) {
	if v != nil {
		f.n++
	}
}

func (f *countFormula) Result() any { return float64(f.n) }

func (f *countFormula) Clone() (Formula, error) { return &countFormula{}, nil }

func (f *countFormula) Merge(other Formula) error {
	o, ok := other.(*countFormula)
	if !ok {
		return mismatch(f, other)
	}
	f.n += o.n
	return nil
}

type distinctFormula struct{ seen map[string]struct{} }

func (f *distinctFormula) Reset() { f.seen = nil }

func (f *distinctFormula) Add(v any) {
	if v == nil {
		return
	}
	if f.seen == nil {
		f.seen = make(map[string]struct{})
	}
	f.seen[values.Key(v)] = struct{}{}
}

func (f *distinctFormula) Result() any { return float64(len(f.seen)) }

func (f *distinctFormula) Clone() (Formula, error) { return &distinctFormula{}, nil }

func (f *distinctFormula) Merge(other Formula) error {
	o, ok := other.(*distinctFormula)
	if !ok {
		return mismatch(f, other)
	}
	if len(o.seen) > 0 && f.seen == nil {
		f.seen = make(map[string]struct{}, len(o.seen))
	}
	for k := range o.seen {
		f.seen[k] = struct{}{}
	}
	return nil
}

type averageFormula struct {
	sum decimal.Decimal
	n   int64
}

func (f *averageFormula) Reset() { *f = averageFormula{} }

func (f *averageFormula) Add(v any) {
	d, ok := values.ToDecimal(v)
	if !ok {
		return
	}
	f.sum = f.sum.Add(d)
	f.n++
}

func (f *averageFormula) Result() any {
	if f.n == 0 {
		return nil
	}
	return f.sum.Div(decimal.NewFromInt(f.n)).InexactFloat64()
}

func (f *averageFormula) Clone() (Formula, error) { return &averageFormula{}, nil }

func (f *averageFormula) Merge(other Formula) error {
	o, ok := other.(*averageFormula)
	if !ok {
		return mismatch(f, other)
	}
	f.sum = f.sum.Add(o.sum)
	f.n += o.n
	return nil
}

// extremeFormula keeps the minimum (sign -1) or maximum (sign 1) non-null value.
type extremeFormula struct {
	sign int
	v    any
}

func (f *extremeFormula) Reset() { f.v = nil }

func (f *extremeFormula) Add(v any) {
	if v == nil {
		return
	}
	if n, ok := v.(float64); ok && math.IsNaN(n) {
		return
	}
	if f.v == nil || values.Compare(v, f.v)*f.sign > 0 {
		f.v = v
	}
}

func (f *extremeFormula) Result() any {
	if f.v == nil {
		return nil
	}
	if n, ok := values.ToFloat(f.v); ok && values.IsNumber(f.v) {
		return n
	}
	return f.v
}

func (f *extremeFormula) Clone() (Formula, error) { return &extremeFormula{sign: f.sign}, nil }

func (f *extremeFormula) Merge(other Formula) error {
	o, ok := other.(*extremeFormula)
	if !ok || o.sign != f.sign {
		return mismatch(f, other)
	}
	f.Add(o.v)
	return nil
}

type medianFormula struct{ xs []float64 }

func (f *medianFormula) Reset() { f.xs = nil }

func (f *medianFormula) Add(v any) {
	if x, ok := values.ToFloat(v); ok && !math.IsNaN(x) {
		f.xs = append(f.xs, x)
	}
}

func (f *medianFormula) Result() any {
	n := len(f.xs)
	if n == 0 {
		return nil
	}
	s := append([]float64(nil), f.xs...)
	sort.Float64s(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func (f *medianFormula) Clone() (Formula, error) { return &medianFormula{}, nil }

func (f *medianFormula) Merge(other Formula) error {
	o, ok := other.(*medianFormula)
	if !ok {
		return mismatch(f, other)
	}
	f.xs = append(f.xs, o.xs...)
	return nil
}

// modeFormula returns the most frequent value; ties resolve to the smallest value.
type modeFormula struct {
	counts map[string]int
	vals   map[string]any
}

func (f *modeFormula) Reset() { f.counts, f.vals = nil, nil }

func (f *modeFormula) add(v any, n int) {
	if v == nil {
		return
	}
	if f.counts == nil {
		f.counts = make(map[string]int)
		f.vals = make(map[string]any)
	}
	k := values.Key(v)
	f.counts[k] += n
	f.vals[k] = v
}

func (f *modeFormula) Add(v any) { f.add(v, 1) }

func (f *modeFormula) Result() any {
	var best any
	bestN := 0
	for k, n := range f.counts {
		v := f.vals[k]
		if n > bestN || (n == bestN && values.Compare(v, best) < 0) {
			best, bestN = v, n
		}
	}
	return best
}

func (f *modeFormula) Clone() (Formula, error) { return &modeFormula{}, nil }

func (f *modeFormula) Merge(other Formula) error {
	o, ok := other.(*modeFormula)
	if !ok {
		return mismatch(f, other)
	}
	for k, n := range o.counts {
		f.add(o.vals[k], n)
	}
	return nil
}

// momentFormula tracks count, mean and M2 (Welford) for variance and standard deviation.
type momentFormula struct {
	sample, sqrt bool
	n            float64
	mean, m2     float64
}

func (f *momentFormula) Reset() { f.n, f.mean, f.m2 = 0, 0, 0 }

func (f *momentFormula) Add(v any) {
	x, ok := values.ToFloat(v)
	if !ok || math.IsNaN(x) {
		return
	}
	f.n++
	d := x - f.mean
	f.mean += d / f.n
	f.m2 += d * (x - f.mean)
}

func (f *momentFormula) Result() any {
	div := f.n
	if f.sample {
		div = f.n - 1
	}
	if div <= 0 {
		return nil
	}
	r := f.m2 / div
	if f.sqrt {
		return math.Sqrt(r)
	}
	return r
}

func (f *momentFormula) Clone() (Formula, error) {
	return &momentFormula{sample: f.sample, sqrt: f.sqrt}, nil
}

func (f *momentFormula) Merge(other Formula) error {
	o, ok := other.(*momentFormula)
	if !ok {
		return mismatch(f, other)
	}
	if o.n == 0 {
		return nil
	}
	n := f.n + o.n
	d := o.mean - f.mean
	f.m2 += o.m2 + d*d*f.n*o.n/n
	f.mean += d * o.n / n
	f.n = n
	return nil
}

type productFormula struct {
	p float64
	n int
}

func (f *productFormula) Reset() { f.p, f.n = 0, 0 }

func (f *productFormula) Add(v any) {
	x, ok := values.ToFloat(v)
	if !ok {
		return
	}
	if f.n == 0 {
		f.p = 1
	}
	f.p *= x
	f.n++
}

func (f *productFormula) Result() any {
	if f.n == 0 {
		return nil
	}
	return f.p
}

func (f *productFormula) Clone() (Formula, error) { return &productFormula{}, nil }

func (f *productFormula) Merge(other Formula) error {
	o, ok := other.(*productFormula)
	if !ok {
		return mismatch(f, other)
	}
	if o.n == 0 {
		return nil
	}
	if f.n == 0 {
		f.p = 1
	}
	f.p *= o.p
	f.n += o.n
	return nil
}

// edgeFormula keeps the first or last non-null value in source order.
type edgeFormula struct {
	last bool
	v    any
}

func (f *edgeFormula) Reset() { f.v = nil }

func (f *edgeFormula) Add(v any) {
	if v == nil || (!f.last && f.v != nil) {
		return
	}
	f.v = v
}

func (f *edgeFormula) Result() any { return f.v }

func (f *edgeFormula) Clone() (Formula, error) { return &edgeFormula{last: f.last}, nil }

func (f *edgeFormula) Merge(other Formula) error {
	o, ok := other.(*edgeFormula)
	if !ok {
		return mismatch(f, other)
	}
	f.Add(o.v)
	return nil
}

type concatFormula struct {
	sep   string
	parts []string
}

func (f *concatFormula) Reset() { f.parts = nil }

func (f *concatFormula) Add(v any) {
	if v != nil {
		f.parts = append(f.parts, values.Format(v))
	}
}

func (f *concatFormula) Result() any {
	if len(f.parts) == 0 {
		return nil
	}
	return strings.Join(f.parts, f.sep)
}

func (f *concatFormula) Clone() (Formula, error) { return &concatFormula{sep: f.sep}, nil }

func (f *concatFormula) Merge(other Formula) error {
	o, ok := other.(*concatFormula)
	if !ok {
		return mismatch(f, other)
	}
	f.parts = append(f.parts, o.parts...)
	return nil
}

// weightedFormula computes sum(v*w)/sum(w), or sum(v*w) when product is set.
// A missing weight counts as 1.
type weightedFormula struct {
	product bool
	sumVW   decimal.Decimal
	sumW    decimal.Decimal
	n       int
}

func (f *weightedFormula) Reset() {
	f.sumVW, f.sumW, f.n = decimal.Decimal{}, decimal.Decimal{}, 0
}

func (f *weightedFormula) Add(v any) { f.AddRow(v, nil) }

func (f *weightedFormula) AddRow(v any, secondary []any) {
	x, ok := values.ToDecimal(v)
	if !ok {
		return
	}
	w := decimal.NewFromInt(1)
	if len(secondary) > 0 {
		sw, ok := values.ToDecimal(secondary[0])
		if !ok {
			return
		}
		w = sw
	}
	f.sumVW = f.sumVW.Add(x.Mul(w))
	f.sumW = f.sumW.Add(w)
	f.n++
}

func (f *weightedFormula) Result() any {
	if f.n == 0 {
		return nil
	}
	if f.product {
		return f.sumVW.InexactFloat64()
	}
	if f.sumW.IsZero() {
		return nil
	}
	return f.sumVW.Div(f.sumW).InexactFloat64()
}

func (f *weightedFormula) Clone() (Formula, error) { return &weightedFormula{product: f.product}, nil }

func (f *weightedFormula) Merge(other Formula) error {
	o, ok := other.(*weightedFormula)
	if !ok || o.product != f.product {
		return mismatch(f, other)
	}
	f.sumVW = f.sumVW.Add(o.sumVW)
	f.sumW = f.sumW.Add(o.sumW)
	f.n += o.n
	return nil
}
