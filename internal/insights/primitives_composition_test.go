package insights

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func mixWorkbook(t *testing.T) string {
	t.Helper()
	// Baseline 2024-01, current 2024-02
	return saveRows(t, "mix.xlsx", "Mix", [][]any{
		{"Product", "Month", "Revenue"},
		{"A", "2024-01-01", "100"},
		{"B", "2024-01-01", "100"},
		{"A", "2024-02-01", "200"},
		{"B", "2024-02-01", "100"},
	})
}

func TestCompositionShift_ComputesPPChanges(t *testing.T) {
	p := newPivoter(t)
	path := mixWorkbook(t)

	out, err := p.CompositionShift(context.Background(), CompositionShiftInput{
		Path: path, Sheet: "Mix", Range: "A1:C5",
		Dimension: "Product", Measure: "Revenue", Time: "Month",
		TopN: 5,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-01", "2024-02-01"}, out.Periods)
	require.Equal(t, "2024-01-01", out.PeriodBaseline)
	require.Equal(t, "2024-02-01", out.PeriodCurrent)
	require.Len(t, out.Groups, 2)

	a, b := out.Groups[0], out.Groups[1]
	require.Equal(t, "A", a.Name)
	require.InDelta(t, 0.5, a.ShareBaseline, 0.001)
	require.InDelta(t, 0.667, a.ShareCurrent, 0.001)
	require.InDelta(t, 16.67, a.PPChange, 0.01)
	require.True(t, a.Highlight)
	require.Equal(t, "B", b.Name)
	require.InDelta(t, -16.67, b.PPChange, 0.01)
	// No others when TopN >= groups
	require.InDelta(t, 0.0, out.OtherBaseline, 0.001)
	require.InDelta(t, 0.0, out.OtherCurrent, 0.001)
}

func TestCompositionShift_TopNAndThreshold(t *testing.T) {
	p := newPivoter(t)
	path := mixWorkbook(t)

	out, err := p.CompositionShift(context.Background(), CompositionShiftInput{
		Path: path, Sheet: "Mix", Range: "A1:C5",
		Dimension: "1", Measure: "3", Time: "2",
		TopN: 1, MixThresholdPP: 20,
	})
	require.NoError(t, err)
	require.Equal(t, 2, out.Meta.GroupCount)
	require.Len(t, out.Groups, 1)
	require.False(t, out.Groups[0].Highlight)
	require.InDelta(t, 0.5, out.OtherBaseline, 0.001)
	require.InDelta(t, 0.333, out.OtherCurrent, 0.001)
}

func TestCompositionShift_SelectsPeriodByPrefix(t *testing.T) {
	p := newPivoter(t)
	path := mixWorkbook(t)

	out, err := p.CompositionShift(context.Background(), CompositionShiftInput{
		Path: path, Sheet: "Mix", Range: "A1:C5",
		Dimension: "Product", Measure: "Revenue", Time: "Month",
		PeriodBaseline: "2024-02", PeriodCurrent: "2024-01",
	})
	require.NoError(t, err)
	require.Equal(t, "2024-02-01", out.PeriodBaseline)
	require.Equal(t, "2024-01-01", out.PeriodCurrent)
	require.Equal(t, "A", out.Groups[0].Name)
	require.Less(t, out.Groups[0].PPChange, 0.0)

	_, err = p.CompositionShift(context.Background(), CompositionShiftInput{
		Path: path, Sheet: "Mix", Range: "A1:C5",
		Dimension: "Product", Measure: "Revenue", Time: "Month",
		PeriodCurrent: "2023-12",
	})
	require.ErrorIs(t, err, errUnknownPeriod)
}

func TestCompositionShift_NeedsTwoPeriods(t *testing.T) {
	p := newPivoter(t)
	path := saveRows(t, "one.xlsx", "One", [][]any{
		{"Product", "Month", "Revenue"},
		{"A", "2024-01-01", 10},
		{"B", "2024-01-09", 20},
	})

	_, err := p.CompositionShift(context.Background(), CompositionShiftInput{
		Path: path, Sheet: "One", Range: "A1:C3",
		Dimension: "Product", Measure: "Revenue", Time: "Month",
	})
	require.ErrorIs(t, err, errTooFewPeriods)
}

func TestPeriodIndex(t *testing.T) {
	periods := []string{"2023", "2024", "2024-01-01"}
	require.Equal(t, 1, periodIndex(periods, "2024"))
	require.Equal(t, 2, periodIndex(periods, "2024-01"))
	require.Equal(t, 0, periodIndex(periods, "2023.0"))
	require.Equal(t, -1, periodIndex(periods, "2025"))
}
