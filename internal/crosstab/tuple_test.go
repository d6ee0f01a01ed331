package crosstab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTupleIdentity(t *testing.T) {
	a := NewTuple("East", 1)
	b := NewTuple("East", 1.0)
	require.True(t, a.Equal(b))
	require.Equal(t, a.Hash(), b.Hash())
	require.Equal(t, a.Key(), b.Key())
	require.False(t, a.Equal(NewTuple("East")))

	m := NewMergedTuple([]any{"East", 1}, []*Tuple{a})
	require.True(t, m.IsMerged())
	require.False(t, m.Equal(a))
	require.Len(t, m.Members(), 1)
	require.Equal(t, a.Hash(), m.Hash())

	big := int64(1) << 53
	require.False(t, NewTuple(big).Equal(NewTuple(big+1)))
}

func TestTupleIsImmutable(t *testing.T) {
	vals := []any{"East", "A"}
	tp := NewTuple(vals...)
	vals[0] = "West"
	require.Equal(t, "East", tp.At(0))

	out := tp.Values()
	out[1] = "Z"
	require.Equal(t, "A", tp.At(1))
}

func TestTuplePrefix(t *testing.T) {
	tp := NewTuple("East", "A", 3)
	require.Equal(t, 0, tp.Prefix(0).Len())
	require.True(t, tp.Prefix(2).Equal(NewTuple("East", "A")))
	require.True(t, tp.HasPrefix(NewTuple("East")))
	require.False(t, tp.HasPrefix(NewTuple("West")))
	require.Same(t, tp, tp.Prefix(3))
}

func TestCompareTuplesTotalsEdge(t *testing.T) {
	detail := NewTuple("East", "A")
	sub := NewTuple("East")
	grand := NewTuple()

	require.Positive(t, compareTuples(sub, detail, nil, false))
	require.Negative(t, compareTuples(sub, detail, nil, true))
	require.Positive(t, compareTuples(grand, sub, nil, false))
	require.Negative(t, compareTuples(NewTuple("East", "A"), NewTuple("West"), nil, false))
	require.Zero(t, compareTuples(detail, NewTuple("East", "A"), nil, false))
}

func TestTupleCodecRoundTrip(t *testing.T) {
	when := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	inner := NewTuple("West", 3, 2.5, true, nil, when)
	m := NewMergedTuple([]any{Others{Label: "Others", folded: true}}, []*Tuple{inner})

	b, err := MarshalTuple(m)
	require.NoError(t, err)
	back, err := UnmarshalTuple(b)
	require.NoError(t, err)

	require.True(t, back.IsMerged())
	require.Equal(t, m.Key(), back.Key())
	require.Len(t, back.Members(), 1)
	require.Equal(t, inner.Key(), back.Members()[0].Key())
	require.Equal(t, "Others", back.At(0).(Others).Label)
	require.True(t, back.At(0).(Others).Folded())
}
