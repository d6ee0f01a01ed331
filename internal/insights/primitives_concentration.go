package insights

import (
	"context"
	"errors"
	"strings"

	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	"github.com/vinodismyname/xcelpivot/internal/reportdef"
	"github.com/vinodismyname/xcelpivot/internal/values"
)

// ConcentrationMetricsInput computes Top-N share and HHI over a grouping dimension.
type ConcentrationMetricsInput struct {
	Path      string             `json:"path" jsonschema_description:"Excel file path inside an allowed directory"`
	Sheet     string             `json:"sheet" jsonschema_description:"Sheet name"`
	Range     string             `json:"range" jsonschema_description:"A1-style range or defined name covering header + data"`
	Dimension string             `json:"dimension" jsonschema_description:"Grouping column: header name or 1-based index within the range"`
	Measure   string             `json:"measure" jsonschema_description:"Numeric measure column: header name or 1-based index within the range"`
	TopN      int                `json:"top_n,omitempty" jsonschema_description:"Top-N groups to report and to compute Top-N share (default 5, max 10)"`
	Filters   []reportdef.Filter `json:"filters,omitempty" jsonschema_description:"Row filters applied before grouping"`
}

type GroupShare struct {
	Name  string  `json:"name"`
	Share float64 `json:"share"`
	Total float64 `json:"total"`
}

// ConcentrationMetricsOutput provides HHI banding and Top-N share with breakdown.
type ConcentrationMetricsOutput struct {
	Path       string       `json:"path"`
	Sheet      string       `json:"sheet"`
	Range      string       `json:"range"`
	TopN       int          `json:"top_n"`
	Groups     []GroupShare `json:"groups"`
	TopNShare  float64      `json:"top_n_share"`
	OtherShare float64      `json:"other_share"`
	GroupCount int          `json:"group_count"`
	GrandTotal float64      `json:"grand_total"`
	HHI        float64      `json:"hhi"`
	Band       string       `json:"band"`
	Meta       struct {
		Truncated  bool                 `json:"truncated"`
		Truncation *crosstab.Truncation `json:"truncation,omitempty"`
	} `json:"meta"`
}

var errZeroTotal = errors.New("insights: zero total measure; cannot compute shares")

// ConcentrationMetrics computes the share distribution and HHI. The full
// distribution comes from a share-of-grand-total pivot over every group; the
// reported groups come from the same pivot with Top-N folding the rest into
// Others.
func (p *Pivoter) ConcentrationMetrics(ctx context.Context, in ConcentrationMetricsInput) (ConcentrationMetricsOutput, error) {
	var out ConcentrationMetricsOutput
	out.TopN = in.TopN
	if out.TopN <= 0 || out.TopN > 10 {
		out.TopN = 5
	}

	dim := reportdef.Dimension{Column: strings.TrimSpace(in.Dimension)}
	def := reportdef.Pivot{
		Rows: []reportdef.Dimension{dim},
		Aggregates: []reportdef.Aggregate{
			{Column: strings.TrimSpace(in.Measure), Kind: "sum"},
			{Column: strings.TrimSpace(in.Measure), Kind: "sum", Percentage: &reportdef.Percentage{Type: "of_grand_total"}},
		},
		Filters: in.Filters,
	}

	var shares []float64
	err := p.withGrid(ctx, in.Path, in.Sheet, in.Range, def, func(ref pivotRef, g *crosstab.Grid) error {
		out.Path, out.Sheet, out.Range = ref.Path, ref.Sheet, ref.Range
		if t := g.Truncation(); t != nil {
			out.Meta.Truncated, out.Meta.Truncation = true, t
		}
		sumCol, pctCol := aggregateCols(g)
		for r := g.HeaderRowCount(); r < g.RowCount(); r++ {
			if g.IsGrandTotalRow(r) {
				out.GrandTotal, _ = cellFloat(g, r, sumCol)
				continue
			}
			if g.IsTotalRow(r) {
				continue
			}
			out.GroupCount++
			if sh, ok := cellFloat(g, r, pctCol); ok {
				shares = append(shares, sh)
			}
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	if out.GrandTotal == 0 {
		return out, errZeroTotal
	}

	var hhi float64
	for _, sh := range shares {
		hhi += sh * sh
	}
	out.HHI = round3(hhi)
	// Bands based on common antitrust thresholds
	switch {
	case hhi < 0.15:
		out.Band = "unconcentrated"
	case hhi < 0.25:
		out.Band = "moderately_concentrated"
	default:
		out.Band = "highly_concentrated"
	}

	def.Rows[0].TopN = &reportdef.TopN{N: out.TopN, Aggregate: 0, Others: true}
	err = p.withGrid(ctx, in.Path, in.Sheet, in.Range, def, func(ref pivotRef, g *crosstab.Grid) error {
		sumCol, pctCol := aggregateCols(g)
		var top float64
		for r := g.HeaderRowCount(); r < g.RowCount(); r++ {
			if g.IsTotalRow(r) {
				continue
			}
			t, err := g.RowTuple(r)
			if err != nil {
				return err
			}
			if t == nil || t.Len() == 0 {
				continue
			}
			sh, _ := cellFloat(g, r, pctCol)
			if isOthersTuple(t) {
				out.OtherShare = round3(sh)
				continue
			}
			total, _ := cellFloat(g, r, sumCol)
			out.Groups = append(out.Groups, GroupShare{Name: groupName(t.At(0)), Share: round3(sh), Total: total})
			top += sh
		}
		out.TopNShare = round3(top)
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// aggregateCols locates the first grid columns showing aggregates 0 and 1.
func aggregateCols(g *crosstab.Grid) (first, second int) {
	first, second = -1, -1
	r := g.HeaderRowCount()
	for c := g.HeaderColCount(); c < g.ColCount(); c++ {
		switch g.AggregateIndex(r, c) {
		case 0:
			if first < 0 {
				first = c
			}
		case 1:
			if second < 0 {
				second = c
			}
		}
	}
	return first, second
}

func isOthersTuple(t *crosstab.Tuple) bool {
	if t.IsMerged() {
		return true
	}
	_, ok := t.At(t.Len() - 1).(crosstab.Others)
	return ok
}

func groupName(v any) string {
	if v == nil {
		return "(empty)"
	}
	return values.Format(v)
}
