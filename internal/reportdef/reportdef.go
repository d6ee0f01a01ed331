// Package reportdef holds declarative pivot definitions, loaded from YAML or
// JSON, and resolves them against a source header into crosstab options.
package reportdef

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	"github.com/vinodismyname/xcelpivot/internal/formula"
	"github.com/vinodismyname/xcelpivot/internal/values"
	"github.com/vinodismyname/xcelpivot/pkg/validation"
	"gopkg.in/yaml.v3"
)

func init() {
	validation.RegisterNames("aggkind", func() []string {
		return lo.Map(formula.Default.Kinds(), func(k formula.Kind, _ int) string { return string(k) })
	})
	validation.RegisterNames("datelevel", crosstab.DateLevelNames)
}

// Document is a definition file. It holds one or more pivots.
type Document struct {
	Pivots []Pivot `yaml:"pivots" json:"pivots" validate:"required,min=1,dive"`
}

// Source optionally pins the sheet range a pivot reads.
type Source struct {
	Sheet string `yaml:"sheet" json:"sheet" validate:"required"`
	Range string `yaml:"range" json:"range" validate:"required,a1orname"`
}

// Pivot declares one crosstab.
type Pivot struct {
	Name       string      `yaml:"name" json:"name,omitempty" jsonschema_description:"Pivot name; also the default export sheet name"`
	Source     *Source     `yaml:"source,omitempty" json:"source,omitempty"`
	Rows       []Dimension `yaml:"rows" json:"rows,omitempty" validate:"dive" jsonschema_description:"Row dimensions, outermost first"`
	Cols       []Dimension `yaml:"cols" json:"cols,omitempty" validate:"dive" jsonschema_description:"Column dimensions, outermost first"`
	Aggregates []Aggregate `yaml:"aggregates" json:"aggregates" validate:"required,min=1,dive" jsonschema_description:"Measures computed for every cell"`
	Filters    []Filter    `yaml:"filters,omitempty" json:"filters,omitempty" validate:"dive" jsonschema_description:"Row filters; all must match"`
	Layout     Layout      `yaml:"layout,omitempty" json:"layout,omitempty"`
	Labels     Labels      `yaml:"labels,omitempty" json:"labels,omitempty"`
	Limits     Limits      `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// Dimension is one grouping level. Column is a header name or a 1-based index.
type Dimension struct {
	Column        string       `yaml:"column" json:"column" validate:"required" jsonschema_description:"Header name or 1-based column index"`
	Label         string       `yaml:"label,omitempty" json:"label,omitempty"`
	Order         string       `yaml:"order,omitempty" json:"order,omitempty" validate:"omitempty,oneof=asc desc" jsonschema_description:"asc (default) or desc"`
	DateLevel     string       `yaml:"date_level,omitempty" json:"date_level,omitempty" validate:"omitempty,datelevel" jsonschema_description:"Bucket dates: year, quarter, month, week, day, hour, minute, second, or a part such as month_of_year or day_of_week"`
	Groups        []NamedGroup `yaml:"groups,omitempty" json:"groups,omitempty" validate:"dive"`
	OthersLabel   string       `yaml:"others_label,omitempty" json:"others_label,omitempty"`
	KeepUngrouped bool         `yaml:"keep_ungrouped,omitempty" json:"keep_ungrouped,omitempty"`
	GroupOrder    []string     `yaml:"group_order,omitempty" json:"group_order,omitempty"`
	SuppressTotal bool         `yaml:"suppress_total,omitempty" json:"suppress_total,omitempty"`
	TopN          *TopN        `yaml:"top_n,omitempty" json:"top_n,omitempty"`
	SortByValue   *SortByValue `yaml:"sort_by_value,omitempty" json:"sort_by_value,omitempty"`
}

// NamedGroup buckets listed values under one name.
type NamedGroup struct {
	Name   string `yaml:"name" json:"name" validate:"required"`
	Values []any  `yaml:"values" json:"values" validate:"required,min=1"`
}

type TopN struct {
	N         int  `yaml:"n" json:"n" validate:"required,min=1"`
	Aggregate int  `yaml:"aggregate,omitempty" json:"aggregate,omitempty" validate:"min=0" jsonschema_description:"0-based index into aggregates"`
	Bottom    bool `yaml:"bottom,omitempty" json:"bottom,omitempty"`
	KeepTies  bool `yaml:"keep_ties,omitempty" json:"keep_ties,omitempty"`
	Others    bool `yaml:"others,omitempty" json:"others,omitempty"`
}

type SortByValue struct {
	Aggregate  int  `yaml:"aggregate,omitempty" json:"aggregate,omitempty" validate:"min=0"`
	Descending bool `yaml:"descending,omitempty" json:"descending,omitempty"`
}

// Aggregate is one measure.
type Aggregate struct {
	Column     string      `yaml:"column" json:"column" validate:"required"`
	Kind       string      `yaml:"kind" json:"kind" validate:"required,aggkind" jsonschema_description:"sum, count, distinct_count, average, min, max, median, mode, variance, std_dev, product, first, last, concat, weighted_average, sum_product, ..."`
	Secondary  []string    `yaml:"secondary,omitempty" json:"secondary,omitempty"`
	Label      string      `yaml:"label,omitempty" json:"label,omitempty"`
	Percentage *Percentage `yaml:"percentage,omitempty" json:"percentage,omitempty"`
}

type Percentage struct {
	Type      string `yaml:"type" json:"type" validate:"required,oneof=of_group of_grand_total"`
	Direction string `yaml:"direction,omitempty" json:"direction,omitempty" validate:"omitempty,oneof=row col"`
}

// Filter keeps rows whose column matches. In lists accepted values; Min and
// Max bound numeric values inclusively.
type Filter struct {
	Column string   `yaml:"column" json:"column" validate:"required"`
	In     []any    `yaml:"in,omitempty" json:"in,omitempty"`
	NotIn  []any    `yaml:"not_in,omitempty" json:"not_in,omitempty"`
	Min    *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max    *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

type Layout struct {
	SideBySide            bool   `yaml:"side_by_side,omitempty" json:"side_by_side,omitempty"`
	RepeatRowLabels       bool   `yaml:"repeat_row_labels,omitempty" json:"repeat_row_labels,omitempty"`
	FillBlankWithZero     bool   `yaml:"fill_blank_with_zero,omitempty" json:"fill_blank_with_zero,omitempty"`
	IgnoreNullTotals      bool   `yaml:"ignore_null_totals,omitempty" json:"ignore_null_totals,omitempty"`
	RowTotalsFirst        bool   `yaml:"row_totals_first,omitempty" json:"row_totals_first,omitempty"`
	ColTotalsFirst        bool   `yaml:"col_totals_first,omitempty" json:"col_totals_first,omitempty"`
	SuppressRowGrandTotal bool   `yaml:"suppress_row_grand_total,omitempty" json:"suppress_row_grand_total,omitempty"`
	SuppressColGrandTotal bool   `yaml:"suppress_col_grand_total,omitempty" json:"suppress_col_grand_total,omitempty"`
	SuppressRowSubtotals  bool   `yaml:"suppress_row_subtotals,omitempty" json:"suppress_row_subtotals,omitempty"`
	SuppressColSubtotals  bool   `yaml:"suppress_col_subtotals,omitempty" json:"suppress_col_subtotals,omitempty"`
	DateSeries            string `yaml:"date_series,omitempty" json:"date_series,omitempty" validate:"omitempty,oneof=row col" jsonschema_description:"Fill missing date buckets on the innermost row or col level"`
}

type Labels struct {
	Total      string `yaml:"total,omitempty" json:"total,omitempty"`
	GrandTotal string `yaml:"grand_total,omitempty" json:"grand_total,omitempty"`
	Others     string `yaml:"others,omitempty" json:"others,omitempty"`
}

type Limits struct {
	MaxSourceRows  int `yaml:"max_source_rows,omitempty" json:"max_source_rows,omitempty" validate:"min=0"`
	MaxRowTuples   int `yaml:"max_row_tuples,omitempty" json:"max_row_tuples,omitempty" validate:"min=0"`
	MaxColTuples   int `yaml:"max_col_tuples,omitempty" json:"max_col_tuples,omitempty" validate:"min=0"`
	SpillThreshold int `yaml:"spill_threshold,omitempty" json:"spill_threshold,omitempty" validate:"min=0"`
}

// ErrUnknownColumn reports a column reference that matches no header.
var ErrUnknownColumn = errors.New("reportdef: unknown column")

// Parse decodes a YAML or JSON document and validates it.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("reportdef: parse: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load reads and parses a definition file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reportdef: read %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks the document structure. Column names are checked by Resolve.
func (d *Document) Validate() error {
	if msg := validation.ValidateStruct(d); msg != "" {
		return errors.New(msg)
	}
	names := lo.FilterMap(d.Pivots, func(p Pivot, _ int) (string, bool) { return p.Name, p.Name != "" })
	if dup := lo.FindDuplicates(names); len(dup) > 0 {
		return fmt.Errorf("reportdef: duplicate pivot name %q", dup[0])
	}
	return nil
}

// Pivot returns the named pivot, or the first when name is empty.
func (d *Document) Pivot(name string) (Pivot, bool) {
	if name == "" && len(d.Pivots) > 0 {
		return d.Pivots[0], true
	}
	return lo.Find(d.Pivots, func(p Pivot) bool { return p.Name == name })
}

// Validate checks a single pivot, as received from a tool call.
func (p *Pivot) Validate() error {
	if msg := validation.ValidateStruct(p); msg != "" {
		return errors.New(msg)
	}
	return nil
}

// Resolve maps column references against header and returns engine options.
// Spill, Registry and Observer are left for the caller to set.
func (p *Pivot) Resolve(header []string) (crosstab.Options, error) {
	cols := columnIndex(header)
	opts := crosstab.Options{
		SuppressRowGrandTotal: p.Layout.SuppressRowGrandTotal,
		SuppressColGrandTotal: p.Layout.SuppressColGrandTotal,
		SuppressRowSubtotals:  p.Layout.SuppressRowSubtotals,
		SuppressColSubtotals:  p.Layout.SuppressColSubtotals,
		RowTotalsFirst:        p.Layout.RowTotalsFirst,
		ColTotalsFirst:        p.Layout.ColTotalsFirst,
		SideBySide:            p.Layout.SideBySide,
		RepeatRowLabels:       p.Layout.RepeatRowLabels,
		FillBlankWithZero:     p.Layout.FillBlankWithZero,
		IgnoreNullTotals:      p.Layout.IgnoreNullTotals,
		TotalLabel:            p.Labels.Total,
		GrandTotalLabel:       p.Labels.GrandTotal,
		OthersLabel:           p.Labels.Others,
		MaxSourceRows:         p.Limits.MaxSourceRows,
		MaxRowTuples:          p.Limits.MaxRowTuples,
		MaxColTuples:          p.Limits.MaxColTuples,
		SpillThreshold:        p.Limits.SpillThreshold,
	}
	var err error
	if opts.Rows, err = p.dimensions(p.Rows, cols, "rows"); err != nil {
		return opts, err
	}
	if opts.Cols, err = p.dimensions(p.Cols, cols, "cols"); err != nil {
		return opts, err
	}
	for i, a := range p.Aggregates {
		ca, err := cols.lookup(a.Column)
		if err != nil {
			return opts, fmt.Errorf("aggregate %d: %w", i, err)
		}
		agg := crosstab.Aggregate{Column: ca, Kind: formula.Kind(strings.ToLower(strings.TrimSpace(a.Kind))), Label: a.Label}
		for _, s := range a.Secondary {
			cs, err := cols.lookup(s)
			if err != nil {
				return opts, fmt.Errorf("aggregate %d secondary: %w", i, err)
			}
			agg.Secondary = append(agg.Secondary, cs)
		}
		if pc := a.Percentage; pc != nil {
			agg.Percentage = &crosstab.Percentage{Type: formula.PercentOfGrandTotal, Direction: axisOf(pc.Direction)}
			if pc.Type == "of_group" {
				agg.Percentage.Type = formula.PercentOfGroup
			}
		}
		opts.Aggregates = append(opts.Aggregates, agg)
	}
	if p.Layout.DateSeries != "" {
		opts.DateSeries = &crosstab.DateSeries{Axis: axisOf(p.Layout.DateSeries)}
	}
	if opts.Filter, err = p.filter(cols); err != nil {
		return opts, err
	}
	if err := opts.Validate(len(header)); err != nil {
		return opts, err
	}
	return opts, nil
}

func (p *Pivot) dimensions(in []Dimension, cols columns, axis string) ([]crosstab.Dimension, error) {
	out := make([]crosstab.Dimension, 0, len(in))
	for i, d := range in {
		c, err := cols.lookup(d.Column)
		if err != nil {
			return nil, fmt.Errorf("%s dimension %d: %w", axis, i, err)
		}
		cmp, err := comparer(d)
		if err != nil {
			return nil, fmt.Errorf("%s dimension %d: %w", axis, i, err)
		}
		dim := crosstab.Dimension{Column: c, Label: d.Label, Comparer: cmp, SuppressTotal: d.SuppressTotal}
		if t := d.TopN; t != nil {
			dim.TopN = &crosstab.TopN{N: t.N, Aggregate: t.Aggregate, Bottom: t.Bottom, KeepTies: t.KeepTies, Others: t.Others}
		}
		if s := d.SortByValue; s != nil {
			dim.SortByValue = &crosstab.SortByValue{Aggregate: s.Aggregate, Descending: s.Descending}
		}
		out = append(out, dim)
	}
	return out, nil
}

func comparer(d Dimension) (crosstab.Comparer, error) {
	desc := d.Order == "desc"
	switch {
	case d.DateLevel != "" && len(d.Groups) > 0:
		return nil, errors.New("reportdef: date_level and groups are exclusive")
	case d.DateLevel != "":
		lvl, err := crosstab.ParseDateLevel(d.DateLevel)
		if err != nil {
			return nil, err
		}
		return crosstab.DateComparer{Level: lvl, Descending: desc}, nil
	case len(d.Groups) > 0:
		groups := lo.Map(d.Groups, func(g NamedGroup, _ int) crosstab.NamedGroup {
			return crosstab.NamedGroup{Name: g.Name, Values: g.Values}
		})
		return crosstab.NewSpecificComparer(groups, crosstab.GroupOptions{
			OthersLabel:   d.OthersLabel,
			KeepUngrouped: d.KeepUngrouped,
			Order:         d.GroupOrder,
			Descending:    desc,
		}), nil
	case desc:
		return crosstab.DefaultComparer{Descending: true}, nil
	}
	return nil, nil
}

// filter compiles the filter list into a row predicate. It returns nil when
// there are no filters.
func (p *Pivot) filter(cols columns) (func(crosstab.RowReader) bool, error) {
	if len(p.Filters) == 0 {
		return nil, nil
	}
	type compiled struct {
		col       int
		in, notIn map[string]struct{}
		min, max  *float64
	}
	keys := func(vs []any) map[string]struct{} {
		if len(vs) == 0 {
			return nil
		}
		return lo.SliceToMap(vs, func(v any) (string, struct{}) { return values.Key(v), struct{}{} })
	}
	rules := make([]compiled, 0, len(p.Filters))
	for i, f := range p.Filters {
		c, err := cols.lookup(f.Column)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		rules = append(rules, compiled{col: c, in: keys(f.In), notIn: keys(f.NotIn), min: f.Min, max: f.Max})
	}
	return func(row crosstab.RowReader) bool {
		for _, r := range rules {
			v := row.Object(r.col)
			k := values.Key(v)
			if r.in != nil {
				if _, ok := r.in[k]; !ok {
					return false
				}
			}
			if _, ok := r.notIn[k]; ok {
				return false
			}
			if r.min != nil || r.max != nil {
				n, ok := values.ToFloat(v)
				if !ok || (r.min != nil && n < *r.min) || (r.max != nil && n > *r.max) {
					return false
				}
			}
		}
		return true
	}, nil
}

func axisOf(s string) crosstab.Axis {
	if s == "col" {
		return crosstab.ColAxis
	}
	return crosstab.RowAxis
}

type columns struct {
	header []string
	byName map[string]int
}

func columnIndex(header []string) columns {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		k := strings.ToLower(strings.TrimSpace(h))
		if _, dup := byName[k]; !dup && k != "" {
			byName[k] = i
		}
	}
	return columns{header: header, byName: byName}
}

// lookup resolves a header name (case-insensitive) or a 1-based index.
func (c columns) lookup(ref string) (int, error) {
	ref = strings.TrimSpace(ref)
	if i, ok := c.byName[strings.ToLower(ref)]; ok {
		return i, nil
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(c.header) {
		return n - 1, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownColumn, ref)
}
