package insights

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vinodismyname/xcelpivot/internal/reportdef"
	"github.com/vinodismyname/xcelpivot/pkg/mcperr"
)

func TestConcentrationMetrics_HighlyConcentrated(t *testing.T) {
	p := newPivoter(t)
	path := saveRows(t, "conc.xlsx", "Conc", [][]any{
		{"Product", "Value"},
		{"A", "80"},
		{"B", "20"},
	})

	out, err := p.ConcentrationMetrics(context.Background(), ConcentrationMetricsInput{
		Path: path, Sheet: "Conc", Range: "A1:B3", Dimension: "1", Measure: "Value",
	})
	require.NoError(t, err)
	require.Equal(t, "highly_concentrated", out.Band)
	require.InDelta(t, 0.68, out.HHI, 0.001)
	require.Equal(t, 2, out.GroupCount)
	require.InDelta(t, 100.0, out.GrandTotal, 1e-9)
	require.Equal(t, []GroupShare{{Name: "A", Share: 0.8, Total: 80}, {Name: "B", Share: 0.2, Total: 20}}, out.Groups)
	require.InDelta(t, 1.0, out.TopNShare, 1e-9)
	require.Zero(t, out.OtherShare)
}

func TestConcentrationMetrics_FoldsTailIntoOther(t *testing.T) {
	p := newPivoter(t)
	path := saveRows(t, "tail.xlsx", "Data", [][]any{
		{"Customer", "Amount"},
		{"C", 20},
		{"A", 50},
		{"B", 30},
	})

	out, err := p.ConcentrationMetrics(context.Background(), ConcentrationMetricsInput{
		Path: path, Sheet: "Data", Range: "A1:B4", Dimension: "Customer", Measure: "Amount", TopN: 1,
	})
	require.NoError(t, err)
	require.InDelta(t, 0.38, out.HHI, 0.001)
	require.Equal(t, "highly_concentrated", out.Band)
	require.Equal(t, 3, out.GroupCount)
	require.Len(t, out.Groups, 1)
	require.Equal(t, "A", out.Groups[0].Name)
	require.InDelta(t, 0.5, out.TopNShare, 1e-9)
	require.InDelta(t, 0.5, out.OtherShare, 1e-9)
}

func TestConcentrationMetrics_FiltersRows(t *testing.T) {
	p := newPivoter(t)
	path := salesWorkbook(t)

	out, err := p.ConcentrationMetrics(context.Background(), ConcentrationMetricsInput{
		Path: path, Sheet: "Sales", Range: "A1:D6", Dimension: "Region", Measure: "Sales",
		Filters: []reportdef.Filter{{Column: "Product", In: []any{"A"}}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, out.GroupCount)
	require.InDelta(t, 140.0, out.GrandTotal, 1e-9)
	require.Equal(t, "East", out.Groups[0].Name)
}

func TestConcentrationMetrics_ZeroTotal(t *testing.T) {
	p := newPivoter(t)
	path := saveRows(t, "zero.xlsx", "Z", [][]any{
		{"Product", "Value"},
		{"A", 0},
		{"B", 0},
	})

	_, err := p.ConcentrationMetrics(context.Background(), ConcentrationMetricsInput{
		Path: path, Sheet: "Z", Range: "A1:B3", Dimension: "Product", Measure: "Value",
	})
	require.ErrorIs(t, err, errZeroTotal)
	require.Equal(t, mcperr.BuildFailed, Classify(err))
}
