package formula

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func feed(t *testing.T, k Kind, in ...any) Formula {
	t.Helper()
	f, err := Default.New(k, PercentNone)
	require.NoError(t, err)
	for _, v := range in {
		f.Add(v)
	}
	return f
}

func TestBuiltinResults(t *testing.T) {
	require.Equal(t, 0.3, feed(t, Sum, 0.1, 0.2, nil).Result())
	require.Equal(t, 2.0, feed(t, Count, "a", nil, 3).Result())
	require.Equal(t, 2.0, feed(t, DistinctCount, "a", "a", 1).Result())
	require.Equal(t, 2.0, feed(t, Average, 1, 3).Result())
	require.Equal(t, 1.0, feed(t, Min, 3, 1, 2).Result())
	require.Equal(t, "b", feed(t, Max, "a", "b").Result())
	require.Equal(t, 2.5, feed(t, Median, 4, 1, 2, 3).Result())
	require.Equal(t, "x", feed(t, Mode, "y", "x", "x", "y").Result())
	require.Equal(t, 24.0, feed(t, Product, 2, 3, 4).Result())
	require.Equal(t, "a", feed(t, First, nil, "a", "b").Result())
	require.Equal(t, "b", feed(t, Last, "a", "b", nil).Result())
	require.Equal(t, "a, b", feed(t, Concat, "a", "b").Result())
	require.InDelta(t, 1.5, feed(t, PopulationVar, 1, 3, 1, 3, 2, 2, 4, 0).Result().(float64), 1e-12)
	require.InDelta(t, math.Sqrt(1.5), feed(t, PopulationStdDev, 1, 3, 1, 3, 2, 2, 4, 0).Result().(float64), 1e-12)
}

func TestEmptyAccumulatorsAreAbsent(t *testing.T) {
	for _, k := range []Kind{Sum, Average, Min, Max, Median, Variance, Product, First, Concat, WeightedAverage} {
		require.Nil(t, feed(t, k).Result(), string(k))
	}
	require.Nil(t, feed(t, Variance, 5).Result())
}

func TestMergeMatchesSinglePass(t *testing.T) {
	in := []any{4.0, 8.0, 15.0, 16.0, 23.0, 42.0}
	for _, k := range Default.Kinds() {
		whole := feed(t, k, in...)
		a := feed(t, k, in[:2]...)
		b := feed(t, k, in[2:]...)
		require.NoError(t, Combine(a, b), string(k))

		wr, ar := whole.Result(), a.Result()
		if wf, ok := wr.(float64); ok {
			require.InDelta(t, wf, ar.(float64), 1e-9, string(k))
			continue
		}
		require.Equal(t, wr, ar, string(k))
	}
}

func TestWeightedAverageUsesSecondary(t *testing.T) {
	f, err := Default.New(WeightedAverage, PercentNone)
	require.NoError(t, err)
	AddRow(f, 10, []any{1})
	AddRow(f, 20, []any{3})
	require.Equal(t, 17.5, f.Result())

	sp, err := Default.New(SumProduct, PercentNone)
	require.NoError(t, err)
	AddRow(sp, 2, []any{5})
	AddRow(sp, 3, []any{2})
	require.Equal(t, 16.0, sp.Result())
}

func TestPercentageWrapper(t *testing.T) {
	f, err := Default.New(Sum, PercentOfGrandTotal)
	require.NoError(t, err)
	f.Add(10)

	p := f.(Percentage)
	require.Equal(t, PercentOfGrandTotal, p.PercentageType())
	require.Nil(t, p.Result())

	p.SetTotal(0.0)
	require.Nil(t, p.Result())

	p.SetTotal(35.0)
	require.InDelta(t, 10.0/35.0, p.Result().(float64), 1e-12)
	require.Equal(t, 10.0, p.OriginalResult())
	require.Equal(t, 10.0, Original(f))

	_, err = Default.New(Concat, PercentOfGroup)
	require.Error(t, err)
}

type brokenFormula struct{ countFormula }

func (b *brokenFormula) Clone() (Formula, error) { return nil, errors.New("plugin misconfigured") }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.New("nope", PercentNone)
	require.ErrorIs(t, err, ErrUnknownKind)

	require.NoError(t, r.Register(Spec{Kind: "broken", New: func() Formula { return &brokenFormula{} }}))
	require.ErrorIs(t, r.Register(Spec{Kind: "broken", New: func() Formula { return &brokenFormula{} }}), ErrDuplicateKind)
	require.ErrorIs(t, r.Register(Spec{Kind: "nameless"}), ErrIncompleteSpec)
	require.ErrorIs(t, r.Register(Spec{New: func() Formula { return &brokenFormula{} }}), ErrIncompleteSpec)

	proto, err := r.New("broken", PercentNone)
	require.NoError(t, err)
	_, err = proto.Clone()
	require.Error(t, err)
}

// plainMax has no Merge, so Combine feeds it child results.
type plainMax struct{ v float64 }

func (p *plainMax) Reset()                  { p.v = 0 }
func (p *plainMax) Add(v any)               { p.v = math.Max(p.v, v.(float64)) }
func (p *plainMax) Result() any             { return p.v }
func (p *plainMax) Clone() (Formula, error) { return &plainMax{}, nil }

func TestCombineWithoutMerger(t *testing.T) {
	dst := &plainMax{v: 2}
	require.NoError(t, Combine(dst, &plainMax{v: 7}))
	require.Equal(t, 7.0, dst.Result())

	require.Error(t, Combine(&countFormula{}, &sumFormula{}))
}
