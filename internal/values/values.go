// Package values defines the value model shared by the rule interpreter and
// the flag resolver: JSON values restricted to nil, bool, int64, float64,
// string, []any and map[string]any, plus the coercion rules for truthiness,
// equality, ordering and stringification.
package values

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Normalize rewrites a decoded JSON value into the canonical model.
// json.Number becomes int64 when the number is integral and fits, float64
// otherwise. Sequences and mappings are normalized recursively. Go integer
// and float types narrower than 64 bits are widened.
func Normalize(v any) any {
	switch n := v.(type) {
	case json.Number:
		if !strings.ContainsAny(string(n), ".eE") {
			if i, err := n.Int64(); err == nil {
				return i
			}
		}
		f, err := n.Float64()
		if err != nil {
			return string(n)
		}
		return f
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case float32:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = Normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, item := range n {
			out[k] = Normalize(item)
		}
		return out
	default:
		return v
	}
}

// Truthy reports the JSON-Logic truthiness of v: nil, false, 0, 0.0, "",
// empty sequences and empty mappings are false, everything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// ToNumber coerces v to a float64. Booleans and nil do not coerce; numeric
// strings do, matching the loose-equality rules.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// IsNumber reports whether v carries one of the two numeric tags.
func IsNumber(v any) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

// Equal implements loose equality: numeric tags compare after int/double
// coercion, and a number compares equal to a string holding the same
// numeric value. Sequences and mappings compare element-wise.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if IsNumber(a) || IsNumber(b) {
		fa, oka := ToNumber(a)
		fb, okb := ToNumber(b)
		if _, isBool := a.(bool); isBool {
			return false
		}
		if _, isBool := b.(bool); isBool {
			return false
		}
		return oka && okb && fa == fb
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !Equal(v, other) {
				return false
			}
		}
		return true
	}
	return false
}

// StrictEqual compares tag and value. The two numeric tags count as a
// single number kind (1 === 1.0), but no string/number coercion happens.
func StrictEqual(a, b any) bool {
	if IsNumber(a) != IsNumber(b) {
		return false
	}
	if IsNumber(a) {
		fa, _ := ToNumber(a)
		fb, _ := ToNumber(b)
		return fa == fb
	}
	if _, ok := a.(string); ok {
		bs, ok := b.(string)
		as := a.(string)
		return ok && as == bs
	}
	return Equal(a, b)
}

// Compare orders a against b, returning -1, 0 or 1. Two strings compare
// lexicographically; anything else compares numerically after coercion.
// The second result is false when either operand cannot be ordered.
func Compare(a, b any) (int, bool) {
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs), true
	}
	fa, oka := ToNumber(a)
	fb, okb := ToNumber(b)
	if !oka || !okb {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	default:
		return 0, true
	}
}

// ToString renders v the way string concatenation expects: nil is empty,
// integral floats print without a decimal point, sequences join their
// elements with commas.
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = ToString(item)
		}
		return strings.Join(parts, ",")
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// SatAdd adds two int64 values, saturating at the int64 bounds.
func SatAdd(a, b int64) int64 {
	sum := a + b
	if (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum >= 0) {
		if a > 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return sum
}

// SatMul multiplies two int64 values, saturating at the int64 bounds.
func SatMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a == math.MinInt64 && b == -1 {
		return math.MaxInt64
	}
	prod := a * b
	if prod/b != a {
		if (a > 0) == (b > 0) {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return prod
}
