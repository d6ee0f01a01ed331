package reportdef

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	"github.com/vinodismyname/xcelpivot/internal/formula"
)

const salesDef = `
pivots:
  - name: by_region
    source: {sheet: Data, range: "A1:D50"}
    rows:
      - column: region
        order: desc
        top_n: {n: 1, others: true}
    cols:
      - column: 2
    aggregates:
      - column: Sales
        kind: Sum
      - column: Sales
        kind: sum
        label: Share
        percentage: {type: of_group, direction: col}
    filters:
      - column: Sales
        min: 1
    layout:
      side_by_side: true
      fill_blank_with_zero: true
    labels:
      grand_total: All
  - name: coasts
    rows:
      - column: Region
        groups:
          - {name: Coast, values: [East, West]}
        others_label: Inland
    aggregates:
      - {column: Sales, kind: count}
`

var header = []string{"Region", "Product", "Month", "Sales"}

func TestParseAndResolve(t *testing.T) {
	doc, err := Parse([]byte(salesDef))
	require.NoError(t, err)
	require.Len(t, doc.Pivots, 2)

	p, ok := doc.Pivot("by_region")
	require.True(t, ok)
	require.Equal(t, "Data", p.Source.Sheet)

	opts, err := p.Resolve(header)
	require.NoError(t, err)
	require.Len(t, opts.Rows, 1)
	require.Equal(t, 0, opts.Rows[0].Column)
	require.Equal(t, crosstab.DefaultComparer{Descending: true}, opts.Rows[0].Comparer)
	require.Equal(t, &crosstab.TopN{N: 1, Others: true}, opts.Rows[0].TopN)
	require.Equal(t, 1, opts.Cols[0].Column)
	require.Equal(t, formula.Sum, opts.Aggregates[0].Kind)
	require.Equal(t, &crosstab.Percentage{Type: formula.PercentOfGroup, Direction: crosstab.ColAxis}, opts.Aggregates[1].Percentage)
	require.True(t, opts.SideBySide)
	require.True(t, opts.FillBlankWithZero)
	require.Equal(t, "All", opts.GrandTotalLabel)
	require.NotNil(t, opts.Filter)

	first, ok := doc.Pivot("")
	require.True(t, ok)
	require.Equal(t, "by_region", first.Name)
	_, ok = doc.Pivot("missing")
	require.False(t, ok)
}

func TestResolvedPivotBuilds(t *testing.T) {
	doc, err := Parse([]byte(salesDef))
	require.NoError(t, err)
	p, _ := doc.Pivot("coasts")
	opts, err := p.Resolve(header)
	require.NoError(t, err)

	src := &crosstab.SliceSource{Header: header, Rows: [][]any{
		{"East", "A", "Jan", 10},
		{"North", "B", "Jan", 0},
		{"West", "A", "Feb", 7},
	}}
	g, err := crosstab.Build(context.Background(), src, opts)
	require.NoError(t, err)
	require.Equal(t, "Coast", g.Object(1, 0))
	require.Equal(t, 2.0, g.Object(1, 1))
	require.Equal(t, "Inland", g.Object(2, 0))
	require.Equal(t, 1.0, g.Object(2, 1))

	byRegion, _ := doc.Pivot("by_region")
	opts, err = byRegion.Resolve(header)
	require.NoError(t, err)
	g, err = crosstab.Build(context.Background(), src, opts)
	require.NoError(t, err)
	// North is filtered out by min: 1, so only East and West remain.
	require.Equal(t, "East", g.Object(2, 0))
	require.Equal(t, "Others", g.Object(3, 0))
	require.Equal(t, "All", g.Object(4, 0))
}

func TestFilterPredicates(t *testing.T) {
	lo, hi := 5.0, 15.0
	p := Pivot{
		Aggregates: []Aggregate{{Column: "Sales", Kind: "sum"}},
		Filters: []Filter{
			{Column: "Region", NotIn: []any{"North"}},
			{Column: "Sales", Min: &lo, Max: &hi},
		},
	}
	opts, err := p.Resolve(header)
	require.NoError(t, err)

	row := func(vals ...any) crosstab.RowReader { return rowOf(vals) }
	require.True(t, opts.Filter(row("East", "A", "Jan", 10)))
	require.False(t, opts.Filter(row("North", "A", "Jan", 10)))
	require.False(t, opts.Filter(row("East", "A", "Jan", 20)))
	require.False(t, opts.Filter(row("East", "A", "Jan", "n/a")))
}

type rowOf []any

func (r rowOf) Object(col int) any { return r[col] }

func TestResolveErrors(t *testing.T) {
	p := Pivot{Aggregates: []Aggregate{{Column: "Profit", Kind: "sum"}}}
	_, err := p.Resolve(header)
	require.ErrorIs(t, err, ErrUnknownColumn)

	p = Pivot{
		Rows:       []Dimension{{Column: "Month", DateLevel: "fortnight"}},
		Aggregates: []Aggregate{{Column: "4", Kind: "sum"}},
	}
	_, err = p.Resolve(header)
	require.Error(t, err)

	p = Pivot{Aggregates: []Aggregate{{Column: "Sales", Kind: "nope"}}}
	_, err = p.Resolve(header)
	require.ErrorIs(t, err, formula.ErrUnknownKind)
}

func TestValidateRejectsBadDocuments(t *testing.T) {
	_, err := Parse([]byte("pivots: []"))
	require.Error(t, err)

	_, err = Parse([]byte(`
pivots:
  - rows: [{column: Region, order: sideways}]
    aggregates: [{column: Sales, kind: sum}]
`))
	require.ErrorContains(t, err, "order")

	_, err = Parse([]byte(`
pivots:
  - {name: a, aggregates: [{column: Sales, kind: sum}]}
  - {name: a, aggregates: [{column: Sales, kind: sum}]}
`))
	require.ErrorContains(t, err, "duplicate")

	_, err = Parse([]byte(`
pivots:
  - aggregates: [{column: Sales, kind: geomean}]
`))
	require.ErrorContains(t, err, `pivots[0].aggregates[0].kind: unknown value "geomean"`)

	_, err = Parse([]byte(`
pivots:
  - rows: [{column: Month, date_level: fortnight}]
    aggregates: [{column: Sales, kind: Average}]
`))
	require.ErrorContains(t, err, "day_of_week")

	_, err = Parse([]byte(`
pivots:
  - source: {sheet: Data, range: "A1:"}
    aggregates: [{column: Sales, kind: sum}]
`))
	require.ErrorContains(t, err, "invalid range")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "def.yaml")
	require.NoError(t, os.WriteFile(path, []byte(salesDef), 0o600))
	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Pivots, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
