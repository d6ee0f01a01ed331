// Package formula provides the accumulator contract used by the crosstab
// aggregation pass together with the builtin aggregate families.
package formula

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vinodismyname/xcelpivot/internal/values"
)

// Formula accumulates values for one crosstab cell.
//
// Clone returns a fresh, empty accumulator of the same family and
// configuration. Result returns nil when nothing was accumulated.
type Formula interface {
	Reset()
	Add(v any)
	Result() any
	Clone() (Formula, error)
}

// MultiFormula accepts secondary column values alongside the primary value.
type MultiFormula interface {
	Formula
	AddRow(v any, secondary []any)
}

// Merger folds the state of another accumulator of the same family into the receiver.
type Merger interface {
	Merge(other Formula) error
}

// PercentageType selects the denominator of a percentage formula.
type PercentageType int

const (
	PercentNone PercentageType = iota
	PercentOfGroup
	PercentOfGrandTotal
)

func (p PercentageType) String() string {
	switch p {
	case PercentOfGroup:
		return "group"
	case PercentOfGrandTotal:
		return "grand_total"
	default:
		return "none"
	}
}

// Percentage is a formula whose result is expressed relative to a total.
type Percentage interface {
	Formula
	SetTotal(total any)
	OriginalResult() any
	PercentageType() PercentageType
}

// Kind names an aggregate family.
type Kind string

const (
	Sum               Kind = "sum"
	Count             Kind = "count"
	DistinctCount     Kind = "distinct_count"
	Average           Kind = "average"
	Min               Kind = "min"
	Max               Kind = "max"
	Median            Kind = "median"
	Mode              Kind = "mode"
	Variance          Kind = "variance"
	PopulationVar     Kind = "population_variance"
	StdDev            Kind = "std_dev"
	PopulationStdDev  Kind = "population_std_dev"
	Product           Kind = "product"
	First             Kind = "first"
	Last              Kind = "last"
	Concat            Kind = "concat"
	WeightedAverage   Kind = "weighted_average"
	SumProduct        Kind = "sum_product"
	defaultConcatSep       = ", "
)

// Spec registers an aggregate family.
type Spec struct {
	Kind Kind
	// Numeric families produce numbers; blank cells of numeric families may be zero-filled.
	Numeric bool
	// Secondary is the number of secondary columns the family consumes.
	Secondary int
	New       func() Formula
}

var (
	ErrUnknownKind    = errors.New("formula: unknown kind")
	ErrDuplicateKind  = errors.New("formula: kind already registered")
	ErrIncompleteSpec = errors.New("formula: spec requires kind and constructor")
)

// Registry maps formula kinds to factories.
type Registry struct {
	mu    sync.RWMutex
	specs map[Kind]Spec
}

// NewRegistry returns a registry preloaded with the builtin families.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[Kind]Spec)}
	for _, s := range builtins() {
		r.specs[s.Kind] = s
	}
	return r
}

// Default is the process-wide registry used when callers do not supply one.
var Default = NewRegistry()

// Register adds a family. Registering an existing kind fails.
func (r *Registry) Register(s Spec) error {
	if s.Kind == "" || s.New == nil {
		return ErrIncompleteSpec
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[s.Kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, s.Kind)
	}
	r.specs[s.Kind] = s
	return nil
}

// Lookup returns the spec for kind.
func (r *Registry) Lookup(k Kind) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[k]
	return s, ok
}

// Kinds lists registered kinds in lexical order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.specs))
	for k := range r.specs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New builds a prototype accumulator for kind, wrapped as a percentage when pct is set.
func (r *Registry) New(k Kind, pct PercentageType) (Formula, error) {
	s, ok := r.Lookup(k)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	f := s.New()
	if pct != PercentNone {
		if !s.Numeric {
			return nil, fmt.Errorf("formula: %s cannot be shown as a percentage", k)
		}
		return NewPercentage(f, pct), nil
	}
	return f, nil
}

// AddRow feeds a source row into f, passing secondary values when the family consumes them.
func AddRow(f Formula, v any, secondary []any) {
	if m, ok := f.(MultiFormula); ok {
		m.AddRow(v, secondary)
		return
	}
	f.Add(v)
}

// Combine folds src into dst. Families without Merge receive src's result as a value.
func Combine(dst, src Formula) error {
	if src == nil {
		return nil
	}
	if m, ok := dst.(Merger); ok {
		return m.Merge(src)
	}
	if r := src.Result(); r != nil {
		dst.Add(r)
	}
	return nil
}

// Original returns the un-normalized result of f.
func Original(f Formula) any {
	if f == nil {
		return nil
	}
	if p, ok := f.(Percentage); ok {
		return p.OriginalResult()
	}
	return f.Result()
}

// OriginalFloat returns Original(f) as a float when it is numeric.
func OriginalFloat(f Formula) (float64, bool) {
	v := Original(f)
	if v == nil {
		return 0, false
	}
	return values.ToFloat(v)
}

func mismatch(dst, src Formula) error {
	return fmt.Errorf("formula: cannot merge %T into %T", src, dst)
}
