package insights

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	"github.com/vinodismyname/xcelpivot/internal/reportdef"
	"github.com/vinodismyname/xcelpivot/internal/values"
)

// CompositionShiftInput computes share-of-period by group for two periods
// and highlights mix shifts in percentage points.
type CompositionShiftInput struct {
	Path           string             `json:"path" jsonschema_description:"Excel file path inside an allowed directory"`
	Sheet          string             `json:"sheet" jsonschema_description:"Sheet name"`
	Range          string             `json:"range" jsonschema_description:"A1-style range or defined name covering header + data"`
	Dimension      string             `json:"dimension" jsonschema_description:"Grouping column: header name or 1-based index within the range"`
	Measure        string             `json:"measure" jsonschema_description:"Numeric measure column: header name or 1-based index within the range"`
	Time           string             `json:"time" jsonschema_description:"Period column: header name or 1-based index within the range"`
	DateLevel      string             `json:"date_level,omitempty" jsonschema_description:"Period bucket for date values: year, quarter, month (default), week, day, or none to use raw values"`
	PeriodBaseline string             `json:"period_baseline,omitempty" jsonschema_description:"Baseline period label (e.g. 2024-01-01 for a month); defaults to the second-to-last period"`
	PeriodCurrent  string             `json:"period_current,omitempty" jsonschema_description:"Current period label; defaults to the last period"`
	TopN           int                `json:"top_n,omitempty" jsonschema_description:"Top-N movers to return explicitly; remaining combined into 'Other' (default 5, max 10)"`
	MixThresholdPP float64            `json:"mix_threshold_pp,omitempty" jsonschema_description:"Highlight threshold in percentage points for mix shift (default 5)"`
	Filters        []reportdef.Filter `json:"filters,omitempty" jsonschema_description:"Row filters applied before grouping"`
}

type GroupMix struct {
	Name          string  `json:"name"`
	ShareBaseline float64 `json:"share_baseline"`
	ShareCurrent  float64 `json:"share_current"`
	PPChange      float64 `json:"pp_change"`
	Highlight     bool    `json:"highlight"`
}

// CompositionShiftOutput reports period shares and Top-N movers.
type CompositionShiftOutput struct {
	Path           string     `json:"path"`
	Sheet          string     `json:"sheet"`
	Range          string     `json:"range"`
	Periods        []string   `json:"periods" jsonschema_description:"Every period label found, in order"`
	PeriodBaseline string     `json:"period_baseline"`
	PeriodCurrent  string     `json:"period_current"`
	TopN           int        `json:"top_n"`
	MixThresholdPP float64    `json:"mix_threshold_pp"`
	Groups         []GroupMix `json:"groups"`
	OtherBaseline  float64    `json:"other_share_baseline"`
	OtherCurrent   float64    `json:"other_share_current"`
	Meta           struct {
		GroupCount int                  `json:"group_count"`
		Truncated  bool                 `json:"truncated"`
		Truncation *crosstab.Truncation `json:"truncation,omitempty"`
	} `json:"meta"`
}

var (
	errTooFewPeriods = errors.New("insights: not enough distinct periods; need at least 2")
	errUnknownPeriod = errors.New("insights: period not found")
)

// CompositionShift computes the mix shift between two periods. Shares come
// from a group-by-period pivot whose measure is a percentage of each period
// column's total.
func (p *Pivoter) CompositionShift(ctx context.Context, in CompositionShiftInput) (CompositionShiftOutput, error) {
	var out CompositionShiftOutput
	out.TopN = in.TopN
	if out.TopN <= 0 || out.TopN > 10 {
		out.TopN = 5
	}
	out.MixThresholdPP = in.MixThresholdPP
	if out.MixThresholdPP <= 0 {
		out.MixThresholdPP = 5.0
	}

	level := strings.ToLower(strings.TrimSpace(in.DateLevel))
	switch level {
	case "":
		level = "month"
	case "none":
		level = ""
	}
	def := reportdef.Pivot{
		Rows: []reportdef.Dimension{{Column: strings.TrimSpace(in.Dimension)}},
		Cols: []reportdef.Dimension{{Column: strings.TrimSpace(in.Time), DateLevel: level}},
		Aggregates: []reportdef.Aggregate{{
			Column:     strings.TrimSpace(in.Measure),
			Kind:       "sum",
			Percentage: &reportdef.Percentage{Type: "of_group", Direction: "col"},
		}},
		Filters: in.Filters,
		Layout:  reportdef.Layout{SuppressColSubtotals: true, SuppressRowSubtotals: true},
	}

	var rows []GroupMix
	err := p.withGrid(ctx, in.Path, in.Sheet, in.Range, def, func(ref pivotRef, g *crosstab.Grid) error {
		out.Path, out.Sheet, out.Range = ref.Path, ref.Sheet, ref.Range
		if t := g.Truncation(); t != nil {
			out.Meta.Truncated, out.Meta.Truncation = true, t
		}

		var cols []int
		for c := g.HeaderColCount(); c < g.ColCount(); c++ {
			if g.IsTotalCol(c) {
				continue
			}
			t, err := g.ColTuple(c)
			if err != nil {
				return err
			}
			if t == nil || t.Len() == 0 {
				continue
			}
			cols = append(cols, c)
			out.Periods = append(out.Periods, groupName(t.At(0)))
		}
		if len(cols) < 2 {
			return fmt.Errorf("%w, found %d", errTooFewPeriods, len(cols))
		}

		baseIdx, curIdx := len(cols)-2, len(cols)-1
		if s := strings.TrimSpace(in.PeriodBaseline); s != "" {
			if baseIdx = periodIndex(out.Periods, s); baseIdx < 0 {
				return fmt.Errorf("%w: %q", errUnknownPeriod, s)
			}
		}
		if s := strings.TrimSpace(in.PeriodCurrent); s != "" {
			if curIdx = periodIndex(out.Periods, s); curIdx < 0 {
				return fmt.Errorf("%w: %q", errUnknownPeriod, s)
			}
		}
		out.PeriodBaseline, out.PeriodCurrent = out.Periods[baseIdx], out.Periods[curIdx]
		baseCol, curCol := cols[baseIdx], cols[curIdx]

		var sumBase, sumCur float64
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
			b, _ := cellFloat(g, r, baseCol)
			c, _ := cellFloat(g, r, curCol)
			sumBase += b
			sumCur += c
			rows = append(rows, GroupMix{Name: groupName(t.At(0)), ShareBaseline: b, ShareCurrent: c, PPChange: (c - b) * 100.0})
		}
		if sumBase == 0 || sumCur == 0 {
			return errZeroTotal
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	out.Meta.GroupCount = len(rows)

	// Sort by absolute pp change desc
	sort.Slice(rows, func(i, j int) bool {
		ai := math.Abs(rows[i].PPChange)
		aj := math.Abs(rows[j].PPChange)
		if ai == aj {
			return rows[i].Name < rows[j].Name
		}
		return ai > aj
	})

	keep := min(out.TopN, len(rows))
	var selBase, selCurr float64
	for _, r := range rows[:keep] {
		selBase += r.ShareBaseline
		selCurr += r.ShareCurrent
		r.Highlight = math.Abs(r.PPChange) >= out.MixThresholdPP
		r.ShareBaseline, r.ShareCurrent, r.PPChange = round3(r.ShareBaseline), round3(r.ShareCurrent), round2(r.PPChange)
		out.Groups = append(out.Groups, r)
	}
	out.OtherBaseline = round3(math.Max(0, 1.0-selBase))
	out.OtherCurrent = round3(math.Max(0, 1.0-selCurr))
	return out, nil
}

// periodIndex finds a period by exact label, then by label prefix, so
// "2024-03" selects the month bucket "2024-03-01".
func periodIndex(periods []string, want string) int {
	for i, p := range periods {
		if p == want {
			return i
		}
	}
	for i, p := range periods {
		if strings.HasPrefix(p, want) {
			return i
		}
	}
	if n, ok := values.ToFloat(want); ok {
		for i, p := range periods {
			if m, ok := values.ToFloat(p); ok && m == n {
				return i
			}
		}
	}
	return -1
}
