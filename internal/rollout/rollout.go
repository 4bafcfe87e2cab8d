package rollout

import "errors"

// ErrEmptyDistribution is returned when no weighted variants are given.
var ErrEmptyDistribution = errors.New("distribution must contain at least one variant")

// ErrInvalidWeight is returned when a variant weight is negative.
var ErrInvalidWeight = errors.New("variant weights must be non-negative")

// ErrZeroTotalWeight is returned when all weights are zero.
var ErrZeroTotalWeight = errors.New("variant weights must not all be zero")

// WeightedVariant pairs a variant name with its relative weight.
type WeightedVariant struct {
	Name   string
	Weight float64
}

// Assign picks the variant for the given bucketing key. Weights are
// normalized to sum 1 and laid out as cumulative intervals in declaration
// order; the key's hash position selects the interval containing it.
// Intervals are left-inclusive, right-exclusive, so a zero-weight variant
// is never selected.
func Assign(key string, variants []WeightedVariant) (string, error) {
	if len(variants) == 0 {
		return "", ErrEmptyDistribution
	}

	total := 0.0
	for _, v := range variants {
		if v.Weight < 0 {
			return "", ErrInvalidWeight
		}
		total += v.Weight
	}
	if total == 0 {
		return "", ErrZeroTotalWeight
	}

	p := Position(key)
	cumulative := 0.0
	for _, v := range variants {
		cumulative += v.Weight / total
		if p < cumulative {
			return v.Name, nil
		}
	}

	// Rounding can leave p at or above the last boundary; the final
	// interval absorbs it.
	for i := len(variants) - 1; i >= 0; i-- {
		if variants[i].Weight > 0 {
			return variants[i].Name, nil
		}
	}
	return variants[len(variants)-1].Name, nil
}
