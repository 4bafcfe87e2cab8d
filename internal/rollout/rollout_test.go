package rollout

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
)

func TestAssign_Deterministic(t *testing.T) {
	variants := []WeightedVariant{{Name: "A", Weight: 50}, {Name: "B", Weight: 50}}

	first, err := Assign("user123", variants)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for i := 0; i < 100; i++ {
		got, err := Assign("user123", variants)
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		if got != first {
			t.Fatalf("Assign is not stable: got %q after %q", got, first)
		}
	}
}

func TestAssign_Errors(t *testing.T) {
	if _, err := Assign("k", nil); !errors.Is(err, ErrEmptyDistribution) {
		t.Errorf("empty distribution: got %v", err)
	}
	if _, err := Assign("k", []WeightedVariant{{Name: "A", Weight: -1}}); !errors.Is(err, ErrInvalidWeight) {
		t.Errorf("negative weight: got %v", err)
	}
	if _, err := Assign("k", []WeightedVariant{{Name: "A", Weight: 0}, {Name: "B", Weight: 0}}); !errors.Is(err, ErrZeroTotalWeight) {
		t.Errorf("zero total: got %v", err)
	}
}

func TestAssign_ZeroWeightNeverSelected(t *testing.T) {
	variants := []WeightedVariant{
		{Name: "never", Weight: 0},
		{Name: "always", Weight: 1},
	}
	for i := 0; i < 1000; i++ {
		got, err := Assign(uuid.NewString(), variants)
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		if got != "always" {
			t.Fatalf("zero-weight variant selected for some key")
		}
	}
}

func TestAssign_NormalizesWeights(t *testing.T) {
	// [1, 3] and [25, 75] describe the same distribution.
	a := []WeightedVariant{{Name: "A", Weight: 1}, {Name: "B", Weight: 3}}
	b := []WeightedVariant{{Name: "A", Weight: 25}, {Name: "B", Weight: 75}}
	for i := 0; i < 500; i++ {
		key := uuid.NewString()
		va, _ := Assign(key, a)
		vb, _ := Assign(key, b)
		if va != vb {
			t.Fatalf("normalization changed assignment for %q: %q vs %q", key, va, vb)
		}
	}
}

// Over many distinct random keys, the proportion landing in each variant
// should converge to its normalized weight (3-sigma tolerance).
func TestAssign_Distribution(t *testing.T) {
	const n = 10000
	variants := []WeightedVariant{
		{Name: "A", Weight: 50},
		{Name: "B", Weight: 30},
		{Name: "C", Weight: 20},
	}
	counts := make(map[string]int, len(variants))
	for i := 0; i < n; i++ {
		got, err := Assign(uuid.NewString(), variants)
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		counts[got]++
	}

	for _, v := range variants {
		p := v.Weight / 100
		sigma := math.Sqrt(n * p * (1 - p))
		expected := n * p
		diff := math.Abs(float64(counts[v.Name]) - expected)
		if diff > 3*sigma {
			t.Errorf("variant %s: got %d of %d, expected %.0f ± %.0f", v.Name, counts[v.Name], n, expected, 3*sigma)
		}
	}
}
