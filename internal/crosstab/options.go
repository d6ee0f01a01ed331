package crosstab

import (
	"errors"
	"fmt"

	"github.com/vinodismyname/xcelpivot/internal/formula"
)

const (
	DefaultTotalLabel      = "Total"
	DefaultGrandTotalLabel = "Grand Total"
	DefaultOthersLabel     = "Others"
)

// Axis selects rows or columns.
type Axis int

const (
	RowAxis Axis = iota
	ColAxis
)

func (a Axis) String() string {
	if a == ColAxis {
		return "column"
	}
	return "row"
}

// Dimension is one grouping level on an axis.
type Dimension struct {
	// Column is the 0-based source column holding the grouping value.
	Column int
	// Label heads the dimension in the grid corner. Empty uses the source header.
	Label string
	// Comparer orders (and, when it is a Grouper, buckets) the values. Nil means ascending.
	Comparer Comparer
	// SuppressTotal hides the subtotal of each group formed at this level.
	SuppressTotal bool
	TopN          *TopN
	SortByValue   *SortByValue
}

// TopN keeps the N best groups at a level, ranked by one aggregate.
type TopN struct {
	N int
	// Aggregate indexes Options.Aggregates.
	Aggregate int
	// Bottom ranks ascending instead of descending.
	Bottom bool
	// KeepTies keeps every group whose value is among the N best distinct values.
	KeepTies bool
	// Others folds the remaining groups into one merged bucket instead of dropping them.
	Others bool
}

// SortByValue reorders the groups at a level by one aggregate.
type SortByValue struct {
	Aggregate  int
	Descending bool
}

// Percentage renders an aggregate as a share of a total.
type Percentage struct {
	Type formula.PercentageType
	// Direction is the axis the percentage runs along. RowAxis divides by the
	// total of the cell's row within the enclosing column group.
	Direction Axis
}

// Aggregate is one measure computed for every cell.
type Aggregate struct {
	Column    int
	Secondary []int
	Kind      formula.Kind
	// Label heads the measure. Empty renders as Kind(column header).
	Label      string
	Percentage *Percentage
}

// DateSeries fills missing date buckets on the innermost level of an axis.
// That level must use a DateComparer.
type DateSeries struct {
	Axis Axis
}

// Options configures a crosstab.
type Options struct {
	Rows       []Dimension
	Cols       []Dimension
	Aggregates []Aggregate

	SuppressRowGrandTotal bool
	SuppressColGrandTotal bool
	SuppressRowSubtotals  bool
	SuppressColSubtotals  bool
	// RowTotalsFirst places subtotal and grand total rows before their group.
	RowTotalsFirst bool
	ColTotalsFirst bool
	// SideBySide lays multiple aggregates across columns instead of stacking them in rows.
	SideBySide bool
	// RepeatRowLabels prints every row header value instead of spanning repeats.
	RepeatRowLabels bool
	// FillBlankWithZero renders absent numeric cells as 0.
	FillBlankWithZero bool
	// IgnoreNullTotals drops subtotals whose group has at most one member.
	IgnoreNullTotals bool
	DateSeries       *DateSeries

	// Filter excludes source rows before aggregation.
	Filter func(row RowReader) bool

	TotalLabel      string
	GrandTotalLabel string
	OthersLabel     string

	// Ceilings; zero means unlimited. Exceeding one truncates the build.
	MaxSourceRows int
	MaxRowTuples  int
	MaxColTuples  int

	// Spill moves ordered tuple lists longer than SpillThreshold to Spill's store.
	SpillThreshold int
	Spill          SpillFunc

	Registry *formula.Registry
	Observer Observer
}

// RowReader exposes the current source row to filters.
type RowReader interface {
	Object(col int) any
}

var (
	ErrNoAggregates = errors.New("crosstab: at least one aggregate is required")
	ErrNoSource     = errors.New("crosstab: source table is required")
)

func (o *Options) withDefaults() Options {
	c := *o
	if c.TotalLabel == "" {
		c.TotalLabel = DefaultTotalLabel
	}
	if c.GrandTotalLabel == "" {
		c.GrandTotalLabel = DefaultGrandTotalLabel
	}
	if c.OthersLabel == "" {
		c.OthersLabel = DefaultOthersLabel
	}
	if c.Registry == nil {
		c.Registry = formula.Default
	}
	return c
}

// Validate checks references between dimensions, aggregates and columns.
// colCount bounds source column indices; pass a negative value to skip that check.
func (o *Options) Validate(colCount int) error {
	if len(o.Aggregates) == 0 {
		return ErrNoAggregates
	}
	reg := o.Registry
	if reg == nil {
		reg = formula.Default
	}
	checkCol := func(what string, c int) error {
		if c < 0 || (colCount >= 0 && c >= colCount) {
			return fmt.Errorf("crosstab: %s column %d out of range", what, c)
		}
		return nil
	}
	for i, a := range o.Aggregates {
		if err := checkCol(fmt.Sprintf("aggregate %d", i), a.Column); err != nil {
			return err
		}
		spec, ok := reg.Lookup(a.Kind)
		if !ok {
			return fmt.Errorf("crosstab: aggregate %d: %w: %s", i, formula.ErrUnknownKind, a.Kind)
		}
		if len(a.Secondary) < spec.Secondary {
			return fmt.Errorf("crosstab: aggregate %d: %s needs %d secondary column(s)", i, a.Kind, spec.Secondary)
		}
		for _, s := range a.Secondary {
			if err := checkCol(fmt.Sprintf("aggregate %d secondary", i), s); err != nil {
				return err
			}
		}
		if a.Percentage != nil && a.Percentage.Type != formula.PercentNone && !spec.Numeric {
			return fmt.Errorf("crosstab: aggregate %d: %s cannot be shown as a percentage", i, a.Kind)
		}
	}
	for _, ax := range []struct {
		axis Axis
		dims []Dimension
	}{{RowAxis, o.Rows}, {ColAxis, o.Cols}} {
		for i, d := range ax.dims {
			if err := checkCol(fmt.Sprintf("%s dimension %d", ax.axis, i), d.Column); err != nil {
				return err
			}
			if d.TopN != nil {
				if d.TopN.N <= 0 {
					return fmt.Errorf("crosstab: %s dimension %d: top-n must be positive", ax.axis, i)
				}
				if d.TopN.Aggregate < 0 || d.TopN.Aggregate >= len(o.Aggregates) {
					return fmt.Errorf("crosstab: %s dimension %d: top-n aggregate %d out of range", ax.axis, i, d.TopN.Aggregate)
				}
			}
			if d.SortByValue != nil && (d.SortByValue.Aggregate < 0 || d.SortByValue.Aggregate >= len(o.Aggregates)) {
				return fmt.Errorf("crosstab: %s dimension %d: sort aggregate %d out of range", ax.axis, i, d.SortByValue.Aggregate)
			}
		}
	}
	if ds := o.DateSeries; ds != nil {
		dims := o.Rows
		if ds.Axis == ColAxis {
			dims = o.Cols
		}
		if len(dims) == 0 {
			return fmt.Errorf("crosstab: date series on empty %s axis", ds.Axis)
		}
		if _, ok := dateComparerOf(dims[len(dims)-1].Comparer); !ok {
			return fmt.Errorf("crosstab: date series needs a date level on the innermost %s dimension", ds.Axis)
		}
	}
	return nil
}

func (o *Options) dims(a Axis) []Dimension {
	if a == ColAxis {
		return o.Cols
	}
	return o.Rows
}

func (o *Options) comparers(a Axis) []Comparer {
	dims := o.dims(a)
	out := make([]Comparer, len(dims))
	for i, d := range dims {
		out[i] = d.Comparer
	}
	return out
}

func (o *Options) totalsFirst(a Axis) bool {
	if a == ColAxis {
		return o.ColTotalsFirst
	}
	return o.RowTotalsFirst
}

// levelShown reports whether tuples of length n are displayed on axis a.
func (o *Options) levelShown(a Axis, n int) bool {
	dims := o.dims(a)
	switch {
	case n == len(dims):
		return true
	case n == 0:
		if a == ColAxis {
			return !o.SuppressColGrandTotal
		}
		return !o.SuppressRowGrandTotal
	}
	if a == ColAxis && o.SuppressColSubtotals || a == RowAxis && o.SuppressRowSubtotals {
		return false
	}
	return !dims[n-1].SuppressTotal
}

// needsTotals reports whether ranking or percentages read totals that may be hidden.
func (o *Options) needsTotals() bool {
	for _, a := range o.Aggregates {
		if a.Percentage != nil && a.Percentage.Type != formula.PercentNone {
			return true
		}
	}
	return o.hasValueOrdering(RowAxis) || o.hasValueOrdering(ColAxis)
}

func (o *Options) hasValueOrdering(a Axis) bool {
	for _, d := range o.dims(a) {
		if d.TopN != nil || d.SortByValue != nil {
			return true
		}
	}
	return false
}
