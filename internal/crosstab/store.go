package crosstab

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// TupleStore holds an ordered tuple list. The in-memory store is the
// default; a spill store keeps the list on disk.
type TupleStore interface {
	Append(t *Tuple) error
	Len() int
	At(i int) (*Tuple, error)
	Close() error
}

// SpillFunc opens an empty spill store.
type SpillFunc func() (TupleStore, error)

type memoryStore struct{ tuples []*Tuple }

func newMemoryStore(ts []*Tuple) *memoryStore { return &memoryStore{tuples: ts} }

func (m *memoryStore) Append(t *Tuple) error {
	m.tuples = append(m.tuples, t)
	return nil
}

func (m *memoryStore) Len() int { return len(m.tuples) }

func (m *memoryStore) At(i int) (*Tuple, error) {
	if i < 0 || i >= len(m.tuples) {
		return nil, fmt.Errorf("crosstab: tuple index %d out of range", i)
	}
	return m.tuples[i], nil
}

func (m *memoryStore) Close() error { return nil }

type wireValue struct {
	T string `json:"t"`
	S string `json:"s,omitempty"`
	B bool   `json:"b,omitempty"`
}

type wireTuple struct {
	V       []wireValue `json:"v"`
	Members []wireTuple `json:"m,omitempty"`
	Merged  bool        `json:"merged,omitempty"`
}

// MarshalTuple encodes a tuple, including merged members, for a spill store.
// Values of types the engine does not produce are stored as their text.
func MarshalTuple(t *Tuple) ([]byte, error) {
	return json.Marshal(toWire(t))
}

// UnmarshalTuple decodes a tuple written by MarshalTuple.
func UnmarshalTuple(b []byte) (*Tuple, error) {
	var w wireTuple
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("crosstab: decode tuple: %w", err)
	}
	return fromWire(w)
}

func toWire(t *Tuple) wireTuple {
	w := wireTuple{V: make([]wireValue, len(t.vals)), Merged: t.IsMerged()}
	for i, v := range t.vals {
		w.V[i] = encodeValue(v)
	}
	for _, m := range t.members {
		w.Members = append(w.Members, toWire(m))
	}
	return w
}

func fromWire(w wireTuple) (*Tuple, error) {
	vals := make([]any, len(w.V))
	for i, wv := range w.V {
		v, err := decodeValue(wv)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	if !w.Merged {
		return newTuple(vals, nil), nil
	}
	members := make([]*Tuple, 0, len(w.Members))
	for _, wm := range w.Members {
		m, err := fromWire(wm)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return newTuple(vals, members), nil
}

func encodeValue(v any) wireValue {
	switch x := v.(type) {
	case nil:
		return wireValue{T: "z"}
	case bool:
		return wireValue{T: "b", B: x}
	case string:
		return wireValue{T: "s", S: x}
	case int:
		return wireValue{T: "i", S: strconv.Itoa(x)}
	case int64:
		return wireValue{T: "i", S: strconv.FormatInt(x, 10)}
	case float64:
		return wireValue{T: "f", S: strconv.FormatFloat(x, 'g', -1, 64)}
	case time.Time:
		return wireValue{T: "d", S: x.Format(time.RFC3339Nano)}
	case decimal.Decimal:
		return wireValue{T: "m", S: x.String()}
	case Others:
		return wireValue{T: "o", S: x.Label, B: x.folded}
	default:
		return wireValue{T: "s", S: fmt.Sprint(v)}
	}
}

func decodeValue(w wireValue) (any, error) {
	switch w.T {
	case "z":
		return nil, nil
	case "b":
		return w.B, nil
	case "s":
		return w.S, nil
	case "i":
		n, err := strconv.Atoi(w.S)
		if err != nil {
			return nil, fmt.Errorf("crosstab: decode int: %w", err)
		}
		return n, nil
	case "f":
		return strconv.ParseFloat(w.S, 64)
	case "d":
		return time.Parse(time.RFC3339Nano, w.S)
	case "m":
		return decimal.NewFromString(w.S)
	case "o":
		return Others{Label: w.S, folded: w.B}, nil
	}
	return nil, fmt.Errorf("crosstab: unknown value tag %q", w.T)
}
