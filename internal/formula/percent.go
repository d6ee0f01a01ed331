package formula

import "github.com/vinodismyname/xcelpivot/internal/values"

type percentFormula struct {
	inner Formula
	total any
	kind  PercentageType
}

// NewPercentage wraps inner so its result is reported as a fraction of a total.
// An absent or zero total yields a nil result.
func NewPercentage(inner Formula, kind PercentageType) Percentage {
	return &percentFormula{inner: inner, kind: kind}
}

func (f *percentFormula) Reset() {
	f.inner.Reset()
	f.total = nil
}

func (f *percentFormula) Add(v any) { f.inner.Add(v) }

func (f *percentFormula) AddRow(v any, secondary []any) { AddRow(f.inner, v, secondary) }

func (f *percentFormula) Result() any {
	v, ok := values.ToFloat(f.inner.Result())
	if !ok || f.inner.Result() == nil {
		return nil
	}
	t, ok := values.ToFloat(f.total)
	if !ok || f.total == nil || t == 0 {
		return nil
	}
	return v / t
}

func (f *percentFormula) Clone() (Formula, error) {
	c, err := f.inner.Clone()
	if err != nil {
		return nil, err
	}
	return &percentFormula{inner: c, kind: f.kind}, nil
}

func (f *percentFormula) Merge(other Formula) error {
	if o, ok := other.(*percentFormula); ok {
		return Combine(f.inner, o.inner)
	}
	return Combine(f.inner, other)
}

func (f *percentFormula) SetTotal(total any) { f.total = total }

func (f *percentFormula) OriginalResult() any { return f.inner.Result() }

func (f *percentFormula) PercentageType() PercentageType { return f.kind }
