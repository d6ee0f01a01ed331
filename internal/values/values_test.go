package values

import (
	"math"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCompareOrdersAcrossKinds(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	in := []any{"b", math.NaN(), 3, day, nil, true, 1.5, "a", false}
	sort.SliceStable(in, func(i, j int) bool { return Compare(in[i], in[j]) < 0 })

	require.Nil(t, in[0])
	require.Equal(t, false, in[1])
	require.Equal(t, true, in[2])
	require.Equal(t, 1.5, in[3])
	require.Equal(t, 3, in[4])
	require.True(t, math.IsNaN(in[5].(float64)))
	require.Equal(t, day, in[6])
	require.Equal(t, []any{"a", "b"}, in[7:])
}

func TestKeyUnifiesNumericKinds(t *testing.T) {
	require.Equal(t, Key(3), Key(3.0))
	require.Equal(t, Key(int64(3)), Key(decimal.NewFromInt(3)))
	require.NotEqual(t, Key(3), Key("3"))
	require.NotEqual(t, Key(nil), Key(""))
	require.True(t, Equal(uint8(7), float32(7)))
	require.Equal(t, Hash(2), Hash(2.0))
	require.Equal(t, Key(2.5), Key(decimal.RequireFromString("2.50")))
}

func TestKeyKeepsLargeIntegersApart(t *testing.T) {
	a, b := int64(1)<<53, int64(1)<<53+1
	require.Equal(t, float64(a), float64(b))
	require.NotEqual(t, Key(a), Key(b))
	require.NotEqual(t, Key(uint64(1)<<63), Key(uint64(1)<<63+1))
	require.Equal(t, Key(a), Key(float64(a)))
	require.NotEqual(t, Key(math.NaN()), Key(math.Inf(1)))
}

func TestToFloat(t *testing.T) {
	f, ok := ToFloat(" 1,250.5 ")
	require.True(t, ok)
	require.Equal(t, 1250.5, f)

	_, ok = ToFloat("n/a")
	require.False(t, ok)
	_, ok = ToFloat(true)
	require.False(t, ok)
}

func TestToDecimalKeepsShortestForm(t *testing.T) {
	d, ok := ToDecimal(0.1)
	require.True(t, ok)
	require.Equal(t, "0.1", d.String())

	_, ok = ToDecimal(math.Inf(1))
	require.False(t, ok)

	d, ok = ToDecimal("42")
	require.True(t, ok)
	require.True(t, d.Equal(decimal.NewFromInt(42)))
}

func TestFormat(t *testing.T) {
	require.Equal(t, "", Format(nil))
	require.Equal(t, "2.5", Format(2.5))
	require.Equal(t, "2024-03-01", Format(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "2024-03-01T10:30:00Z", Format(time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)))
	require.Equal(t, "7", Format(7))
}
