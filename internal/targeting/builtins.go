package targeting

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/open-feature-forking/flagd-evaluator/internal/rules"
	"github.com/open-feature-forking/flagd-evaluator/internal/values"
)

var builtins = map[string]opFunc{
	"var":          opVar,
	"missing":      opMissing,
	"missing_some": opMissingSome,
	"==":           opEqual(false, false),
	"!=":           opEqual(false, true),
	"===":          opEqual(true, false),
	"!==":          opEqual(true, true),
	"<":            opCompare("<"),
	"<=":           opCompare("<="),
	">":            opCompare(">"),
	">=":           opCompare(">="),
	"!":            opNot,
	"!!":           opDoubleNot,
	"and":          opAnd,
	"or":           opOr,
	"if":           opIf,
	"?:":           opIf,
	"+":            opAdd,
	"-":            opSub,
	"*":            opMul,
	"/":            opDiv,
	"%":            opMod,
	"min":          opMinMax(-1),
	"max":          opMinMax(1),
	"in":           opIn,
	"cat":          opCat,
	"substr":       opSubstr,
	"log":          opLog,
	"map":          opMap,
	"filter":       opFilter,
	"reduce":       opReduce,
	"all":          opAll,
	"none":         opNone,
	"some":         opSome,
	"merge":        opMerge,
}

// lookupPath resolves a dotted path against data, descending through
// mappings by key and sequences by numeric index. The empty path returns
// the whole data value.
func lookupPath(data any, path string) (any, bool) {
	if path == "" {
		return data, true
	}
	current := data
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func opVar(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) == 0 {
		return data, nil
	}
	rawPath, err := ev.Evaluate(args[0], data)
	if err != nil {
		return nil, err
	}

	var path string
	switch p := rawPath.(type) {
	case nil:
		return data, nil
	case string:
		path = p
	case int64:
		path = strconv.FormatInt(p, 10)
	case float64:
		path = strconv.FormatInt(int64(p), 10)
	default:
		return nil, fmt.Errorf("var: unsupported path type %T", rawPath)
	}

	if v, ok := lookupPath(data, path); ok {
		return v, nil
	}
	if len(args) >= 2 {
		return ev.Evaluate(args[1], data)
	}
	return nil, nil
}

func opMissing(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	evaled, err := ev.evalAll(args, data)
	if err != nil {
		return nil, err
	}
	keys := flattenKeys(evaled)
	missing := []any{}
	for _, key := range keys {
		if _, ok := lookupPath(data, key); !ok {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

func opMissingSome(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: missing_some expects [min, keys]", ErrArity)
	}
	rawMin, err := ev.Evaluate(args[0], data)
	if err != nil {
		return nil, err
	}
	minPresent, ok := values.ToNumber(rawMin)
	if !ok {
		return nil, fmt.Errorf("missing_some: %w", ErrNonNumeric)
	}
	rawKeys, err := ev.Evaluate(args[1], data)
	if err != nil {
		return nil, err
	}
	list, _ := rawKeys.([]any)
	keys := flattenKeys(list)

	missing := []any{}
	present := 0
	for _, key := range keys {
		if _, ok := lookupPath(data, key); ok {
			present++
		} else {
			missing = append(missing, key)
		}
	}
	if float64(present) >= minPresent {
		return []any{}, nil
	}
	return missing, nil
}

func flattenKeys(list []any) []string {
	keys := make([]string, 0, len(list))
	for _, item := range list {
		switch k := item.(type) {
		case string:
			keys = append(keys, k)
		case []any:
			keys = append(keys, flattenKeys(k)...)
		}
	}
	return keys
}

func opEqual(strict, negate bool) opFunc {
	return func(ev *Evaluator, args []rules.Rule, data any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: equality expects 2 operands", ErrArity)
		}
		evaled, err := ev.evalAll(args, data)
		if err != nil {
			return nil, err
		}
		var eq bool
		if strict {
			eq = values.StrictEqual(evaled[0], evaled[1])
		} else {
			eq = values.Equal(evaled[0], evaled[1])
		}
		return eq != negate, nil
	}
}

// opCompare handles <, <=, > and >= with the optional 3-operand "between"
// form: every adjacent pair must satisfy the comparison.
func opCompare(op string) opFunc {
	return func(ev *Evaluator, args []rules.Rule, data any) (any, error) {
		if len(args) < 2 || len(args) > 3 {
			return nil, fmt.Errorf("%w: %q expects 2 or 3 operands", ErrArity, op)
		}
		evaled, err := ev.evalAll(args, data)
		if err != nil {
			return nil, err
		}
		for i := 0; i+1 < len(evaled); i++ {
			c, ok := values.Compare(evaled[i], evaled[i+1])
			if !ok {
				return nil, fmt.Errorf("%q: incomparable operands %T and %T", op, evaled[i], evaled[i+1])
			}
			var pass bool
			switch op {
			case "<":
				pass = c < 0
			case "<=":
				pass = c <= 0
			case ">":
				pass = c > 0
			case ">=":
				pass = c >= 0
			}
			if !pass {
				return false, nil
			}
		}
		return true, nil
	}
}

func opNot(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: ! expects 1 operand", ErrArity)
	}
	v, err := ev.Evaluate(args[0], data)
	if err != nil {
		return nil, err
	}
	return !values.Truthy(v), nil
}

func opDoubleNot(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: !! expects 1 operand", ErrArity)
	}
	v, err := ev.Evaluate(args[0], data)
	if err != nil {
		return nil, err
	}
	return values.Truthy(v), nil
}

// opAnd short-circuits on the first falsy operand and returns the deciding
// operand itself, not a boolean.
func opAnd(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: and expects at least 1 operand", ErrArity)
	}
	var last any
	for _, arg := range args {
		v, err := ev.Evaluate(arg, data)
		if err != nil {
			return nil, err
		}
		if !values.Truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

// opOr short-circuits on the first truthy operand.
func opOr(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: or expects at least 1 operand", ErrArity)
	}
	var last any
	for _, arg := range args {
		v, err := ev.Evaluate(arg, data)
		if err != nil {
			return nil, err
		}
		if values.Truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

// opIf walks (condition, consequent) pairs lazily; a trailing odd operand
// is the else branch.
func opIf(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	i := 0
	for ; i+1 < len(args); i += 2 {
		cond, err := ev.Evaluate(args[i], data)
		if err != nil {
			return nil, err
		}
		if values.Truthy(cond) {
			return ev.Evaluate(args[i+1], data)
		}
	}
	if i < len(args) {
		return ev.Evaluate(args[i], data)
	}
	return nil, nil
}

// number wraps one evaluated operand for arithmetic: i is valid when the
// operand carried the integer tag.
type number struct {
	f     float64
	i     int64
	isInt bool
}

func toArithNumber(op string, v any) (number, error) {
	if i, ok := v.(int64); ok {
		return number{f: float64(i), i: i, isInt: true}, nil
	}
	f, ok := values.ToNumber(v)
	if !ok {
		return number{}, fmt.Errorf("%q: %w (%T)", op, ErrNonNumeric, v)
	}
	return number{f: f}, nil
}

func arithOperands(ev *Evaluator, op string, args []rules.Rule, data any) ([]number, bool, error) {
	evaled, err := ev.evalAll(args, data)
	if err != nil {
		return nil, false, err
	}
	nums := make([]number, len(evaled))
	allInt := true
	for i, v := range evaled {
		n, err := toArithNumber(op, v)
		if err != nil {
			return nil, false, err
		}
		nums[i] = n
		allInt = allInt && n.isInt
	}
	return nums, allInt, nil
}

func opAdd(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: + expects at least 1 operand", ErrArity)
	}
	nums, allInt, err := arithOperands(ev, "+", args, data)
	if err != nil {
		return nil, err
	}
	if allInt {
		sum := int64(0)
		for _, n := range nums {
			sum = values.SatAdd(sum, n.i)
		}
		return sum, nil
	}
	sum := 0.0
	for _, n := range nums {
		sum += n.f
	}
	return sum, nil
}

func opSub(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	nums, allInt, err := arithOperands(ev, "-", args, data)
	if err != nil {
		return nil, err
	}
	switch len(nums) {
	case 0:
		return nil, fmt.Errorf("%w: - expects at least 1 operand", ErrArity)
	case 1:
		if allInt {
			return values.SatMul(nums[0].i, -1), nil
		}
		return -nums[0].f, nil
	}
	if allInt {
		acc := nums[0].i
		for _, n := range nums[1:] {
			acc = values.SatAdd(acc, values.SatMul(n.i, -1))
		}
		return acc, nil
	}
	acc := nums[0].f
	for _, n := range nums[1:] {
		acc -= n.f
	}
	return acc, nil
}

func opMul(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: * expects at least 1 operand", ErrArity)
	}
	nums, allInt, err := arithOperands(ev, "*", args, data)
	if err != nil {
		return nil, err
	}
	if allInt {
		prod := int64(1)
		for _, n := range nums {
			prod = values.SatMul(prod, n.i)
		}
		return prod, nil
	}
	prod := 1.0
	for _, n := range nums {
		prod *= n.f
	}
	return prod, nil
}

func opDiv(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: / expects at least 2 operands", ErrArity)
	}
	nums, allInt, err := arithOperands(ev, "/", args, data)
	if err != nil {
		return nil, err
	}
	for _, n := range nums[1:] {
		if n.f == 0 {
			return nil, ErrDivisionByZero
		}
	}
	if allInt {
		acc := nums[0].i
		exact := true
		for _, n := range nums[1:] {
			if acc%n.i != 0 {
				exact = false
				break
			}
			if acc == math.MinInt64 && n.i == -1 {
				acc = math.MaxInt64
				continue
			}
			acc /= n.i
		}
		if exact {
			return acc, nil
		}
	}
	facc := nums[0].f
	for _, n := range nums[1:] {
		facc /= n.f
	}
	return facc, nil
}

func opMod(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: %% expects 2 operands", ErrArity)
	}
	nums, allInt, err := arithOperands(ev, "%", args, data)
	if err != nil {
		return nil, err
	}
	if nums[1].f == 0 {
		return nil, ErrDivisionByZero
	}
	if allInt {
		return nums[0].i % nums[1].i, nil
	}
	return math.Mod(nums[0].f, nums[1].f), nil
}

// opMinMax reduces operands numerically; direction 1 keeps the larger
// value, -1 the smaller.
func opMinMax(direction int) opFunc {
	return func(ev *Evaluator, args []rules.Rule, data any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: min/max expect at least 1 operand", ErrArity)
		}
		op := "min"
		if direction > 0 {
			op = "max"
		}
		nums, allInt, err := arithOperands(ev, op, args, data)
		if err != nil {
			return nil, err
		}
		best := 0
		for i := 1; i < len(nums); i++ {
			if direction > 0 && nums[i].f > nums[best].f {
				best = i
			}
			if direction < 0 && nums[i].f < nums[best].f {
				best = i
			}
		}
		if allInt {
			return nums[best].i, nil
		}
		return nums[best].f, nil
	}
}

// opIn is substring containment for two strings and element containment
// when the second operand is a sequence.
func opIn(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: in expects 2 operands", ErrArity)
	}
	evaled, err := ev.evalAll(args, data)
	if err != nil {
		return nil, err
	}
	switch haystack := evaled[1].(type) {
	case string:
		needle, ok := evaled[0].(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(haystack, needle), nil
	case []any:
		for _, item := range haystack {
			if values.Equal(evaled[0], item) {
				return true, nil
			}
		}
		return false, nil
	case nil:
		return false, nil
	default:
		return nil, fmt.Errorf("in: second operand must be a string or sequence, got %T", evaled[1])
	}
}

func opCat(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	evaled, err := ev.evalAll(args, data)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, v := range evaled {
		b.WriteString(values.ToString(v))
	}
	return b.String(), nil
}

// opSubstr implements python-style slicing: a negative start counts from
// the end, a negative length leaves that many characters off the end.
func opSubstr(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, fmt.Errorf("%w: substr expects 2 or 3 operands", ErrArity)
	}
	evaled, err := ev.evalAll(args, data)
	if err != nil {
		return nil, err
	}
	runes := []rune(values.ToString(evaled[0]))
	size := len(runes)

	start, ok := values.ToNumber(evaled[1])
	if !ok {
		return nil, fmt.Errorf("substr: %w", ErrNonNumeric)
	}
	from := int(start)
	if from < 0 {
		from += size
	}
	from = clamp(from, 0, size)

	to := size
	if len(evaled) == 3 {
		length, ok := values.ToNumber(evaled[2])
		if !ok {
			return nil, fmt.Errorf("substr: %w", ErrNonNumeric)
		}
		if length < 0 {
			to = size + int(length)
		} else {
			to = from + int(length)
		}
	}
	to = clamp(to, from, size)
	return string(runes[from:to]), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// opLog returns its operand unchanged; the side effect is reserved.
func opLog(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: log expects 1 operand", ErrArity)
	}
	return ev.Evaluate(args[0], data)
}

// sequenceOperand evaluates the first operand of a higher-order operator.
// Non-sequence results behave as the empty sequence.
func sequenceOperand(ev *Evaluator, arg rules.Rule, data any) ([]any, error) {
	v, err := ev.Evaluate(arg, data)
	if err != nil {
		return nil, err
	}
	seq, _ := v.([]any)
	return seq, nil
}

func opMap(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: map expects [sequence, rule]", ErrArity)
	}
	seq, err := sequenceOperand(ev, args[0], data)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(seq))
	for i, elem := range seq {
		v, err := ev.Evaluate(args[1], elem)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func opFilter(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: filter expects [sequence, rule]", ErrArity)
	}
	seq, err := sequenceOperand(ev, args[0], data)
	if err != nil {
		return nil, err
	}
	out := []any{}
	for _, elem := range seq {
		v, err := ev.Evaluate(args[1], elem)
		if err != nil {
			return nil, err
		}
		if values.Truthy(v) {
			out = append(out, elem)
		}
	}
	return out, nil
}

// opReduce folds a sequence; the inner rule sees {"current", "accumulator"}
// as its data.
func opReduce(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("%w: reduce expects [sequence, rule, initial]", ErrArity)
	}
	seq, err := sequenceOperand(ev, args[0], data)
	if err != nil {
		return nil, err
	}
	acc, err := ev.Evaluate(args[2], data)
	if err != nil {
		return nil, err
	}
	for _, elem := range seq {
		acc, err = ev.Evaluate(args[1], map[string]any{"current": elem, "accumulator": acc})
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// opAll is true when every element passes; an empty sequence fails.
func opAll(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: all expects [sequence, rule]", ErrArity)
	}
	seq, err := sequenceOperand(ev, args[0], data)
	if err != nil {
		return nil, err
	}
	if len(seq) == 0 {
		return false, nil
	}
	for _, elem := range seq {
		v, err := ev.Evaluate(args[1], elem)
		if err != nil {
			return nil, err
		}
		if !values.Truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func opNone(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	matched, err := opSome(ev, args, data)
	if err != nil {
		return nil, err
	}
	return !matched.(bool), nil
}

func opSome(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: some expects [sequence, rule]", ErrArity)
	}
	seq, err := sequenceOperand(ev, args[0], data)
	if err != nil {
		return nil, err
	}
	for _, elem := range seq {
		v, err := ev.Evaluate(args[1], elem)
		if err != nil {
			return nil, err
		}
		if values.Truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

// opMerge concatenates sequences; scalar operands are wrapped.
func opMerge(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	evaled, err := ev.evalAll(args, data)
	if err != nil {
		return nil, err
	}
	out := []any{}
	for _, v := range evaled {
		if seq, ok := v.([]any); ok {
			out = append(out, seq...)
		} else {
			out = append(out, v)
		}
	}
	return out, nil
}
