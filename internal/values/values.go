// Package values normalizes the loosely typed cell values that flow from a
// source table into grouping tuples and formula accumulators.
package values

import (
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Keyer lets a value supply its own canonical key. Marker values such as the
// Others label use it so they never collide with a plain string.
type Keyer interface {
	Key() string
}

type kind int

const (
	kindNil kind = iota
	kindBool
	kindNumber
	kindTime
	kindString
	kindOther
)

func kindOf(v any) kind {
	switch v.(type) {
	case nil:
		return kindNil
	case bool:
		return kindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, decimal.Decimal:
		return kindNumber
	case time.Time:
		return kindTime
	case string:
		return kindString
	default:
		return kindOther
	}
}

// IsNumber reports whether v holds a Go numeric kind.
func IsNumber(v any) bool { return kindOf(v) == kindNumber }

// ToFloat coerces numeric kinds and numeric strings to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(n, ",", ""))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ToDecimal converts numeric kinds to an exact decimal. Floats go through
// their shortest string form so 0.1 stays 0.1.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	default:
		f, ok := ToFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(f), true
	}
}

// Compare orders two cell values. nil sorts first; values of different kinds
// order by kind (bool, number, time, string, other); NaN sorts after every
// other number.
func Compare(a, b any) int {
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		if ka < kb {
			return -1
		}
		return 1
	}
	switch ka {
	case kindNil:
		return 0
	case kindBool:
		return compareBools(a.(bool), b.(bool))
	case kindNumber:
		fa, _ := ToFloat(a)
		fb, _ := ToFloat(b)
		return compareFloat64s(fa, fb)
	case kindTime:
		return compareTimes(a.(time.Time), b.(time.Time))
	case kindString:
		return strings.Compare(a.(string), b.(string))
	default:
		return strings.Compare(Key(a), Key(b))
	}
}

// Equal reports whether two values share a canonical key.
func Equal(a, b any) bool { return Key(a) == Key(b) }

// Key returns a canonical encoding of v. Numbers of different Go kinds that
// hold the same value produce the same key; integers are keyed exactly.
// Numeric strings keep a string key.
func Key(v any) string {
	switch x := v.(type) {
	case nil:
		return "_"
	case Keyer:
		return "k:" + x.Key()
	case bool:
		if x {
			return "b:1"
		}
		return "b:0"
	case string:
		return "s:" + x
	case time.Time:
		return "t:" + strconv.FormatInt(x.UnixNano(), 36)
	case int:
		return "n:" + strconv.FormatInt(int64(x), 10)
	case int8:
		return "n:" + strconv.FormatInt(int64(x), 10)
	case int16:
		return "n:" + strconv.FormatInt(int64(x), 10)
	case int32:
		return "n:" + strconv.FormatInt(int64(x), 10)
	case int64:
		return "n:" + strconv.FormatInt(x, 10)
	case uint:
		return "n:" + strconv.FormatUint(uint64(x), 10)
	case uint8:
		return "n:" + strconv.FormatUint(uint64(x), 10)
	case uint16:
		return "n:" + strconv.FormatUint(uint64(x), 10)
	case uint32:
		return "n:" + strconv.FormatUint(uint64(x), 10)
	case uint64:
		return "n:" + strconv.FormatUint(x, 10)
	case float32:
		return floatKey(float64(x))
	case float64:
		return floatKey(x)
	case decimal.Decimal:
		return "n:" + x.String()
	}
	return "o:" + fmt.Sprint(v)
}

// floatKey writes finite floats in the plain decimal form integers and
// decimals use, so 3, 3.0 and decimal 3 share "n:3".
func floatKey(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	return "n:" + decimal.NewFromFloat(f).String()
}

// Hash returns a 64-bit hash of the canonical key.
func Hash(v any) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(Key(v)))
	return h.Sum64()
}

// Format renders v for text output.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

func compareTimes(a, b time.Time) int {
	if a.Before(b) {
		return -1
	}
	if a.After(b) {
		return 1
	}
	return 0
}

func compareBools(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

// compareFloat64s sorts NaN after every other value.
func compareFloat64s(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
