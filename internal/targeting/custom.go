package targeting

import (
	"errors"
	"fmt"
	"strings"

	"github.com/open-feature-forking/flagd-evaluator/internal/rollout"
	"github.com/open-feature-forking/flagd-evaluator/internal/rules"
	"github.com/open-feature-forking/flagd-evaluator/internal/semver"
	"github.com/open-feature-forking/flagd-evaluator/internal/values"
)

// TargetingKey is the context attribute carrying the stable entity
// identity used for implicit fractional bucketing.
const TargetingKey = "targetingKey"

// ErrBadDistribution is returned when a fractional operand is not a
// [variant, weight] pair.
var ErrBadDistribution = errors.New("fractional: distribution entries must be [variant, weight] pairs")

var custom = map[string]opFunc{
	"starts_with": opStringMatch(strings.HasPrefix),
	"ends_with":   opStringMatch(strings.HasSuffix),
	"sem_ver":     opSemVer,
	"fractional":  opFractional,
}

// opStringMatch covers starts_with and ends_with. A non-string operand is
// a mismatch, not an error.
func opStringMatch(match func(s, affix string) bool) opFunc {
	return func(ev *Evaluator, args []rules.Rule, data any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: string match expects 2 operands", ErrArity)
		}
		evaled, err := ev.evalAll(args, data)
		if err != nil {
			return nil, err
		}
		s, okS := evaled[0].(string)
		affix, okA := evaled[1].(string)
		if !okS || !okA {
			return false, nil
		}
		return match(s, affix), nil
	}
}

// opSemVer compares two version operands under a comparator operand.
// Malformed versions and unknown comparators evaluate to false.
func opSemVer(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("%w: sem_ver expects [version, comparator, version]", ErrArity)
	}
	evaled, err := ev.evalAll(args, data)
	if err != nil {
		return nil, err
	}
	a, okA := evaled[0].(string)
	op, okOp := evaled[1].(string)
	b, okB := evaled[2].(string)
	if !okA || !okOp || !okB {
		return false, nil
	}
	matched, err := semver.Compare(a, op, b)
	if err != nil {
		return false, nil
	}
	return matched, nil
}

// opFractional deterministically buckets an entity over weighted variants.
// When the first operand is not a [variant, weight] pair it is the
// bucketing key; otherwise the key is targetingKey from the context.
func opFractional(ev *Evaluator, args []rules.Rule, data any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: fractional expects a distribution", ErrArity)
	}
	evaled, err := ev.evalAll(args, data)
	if err != nil {
		return nil, err
	}

	key, entries, err := bucketingKey(evaled, data)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty distribution", ErrArity)
	}

	variants := make([]rollout.WeightedVariant, len(entries))
	for i, raw := range entries {
		pair, ok := distributionPair(raw)
		if !ok {
			return nil, ErrBadDistribution
		}
		variants[i] = pair
	}

	variant, err := rollout.Assign(key, variants)
	if err != nil {
		return nil, fmt.Errorf("fractional: %w", err)
	}
	return variant, nil
}

// bucketingKey splits the evaluated operands into the bucketing key and
// the distribution entries. A sequence first operand must be a
// [variant, weight] pair; other sequence shapes are ambiguous and
// rejected.
func bucketingKey(evaled []any, data any) (string, []any, error) {
	if _, isSeq := evaled[0].([]any); isSeq {
		if _, ok := distributionPair(evaled[0]); !ok {
			return "", nil, ErrBadDistribution
		}
		key := ""
		if ctx, ok := data.(map[string]any); ok {
			key = values.ToString(ctx[TargetingKey])
		}
		return key, evaled, nil
	}
	return values.ToString(evaled[0]), evaled[1:], nil
}

// distributionPair recognizes a [variant, weight] entry: a sequence of
// exactly two elements whose second element is numeric. Any other sequence
// shape (including one-element lists) is rejected.
func distributionPair(v any) (rollout.WeightedVariant, bool) {
	seq, ok := v.([]any)
	if !ok || len(seq) != 2 {
		return rollout.WeightedVariant{}, false
	}
	if !values.IsNumber(seq[1]) {
		return rollout.WeightedVariant{}, false
	}
	weight, _ := values.ToNumber(seq[1])
	return rollout.WeightedVariant{Name: values.ToString(seq[0]), Weight: weight}, true
}
