// Package semver compares semantic-version strings for the sem_ver
// targeting operator. Ordering considers only the (major, minor, patch)
// triple; pre-release and build metadata are parsed but ignored.
package semver

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ErrUnknownComparator is returned for a comparator outside the supported
// set (=, !=, <, <=, >, >=, ^, ~).
var ErrUnknownComparator = errors.New("unknown semver comparator")

// Compare checks version a against b under the given comparator.
// ^X.Y.Z matches [X.Y.Z, (X+1).0.0), or [0.Y.Z, 0.(Y+1).0) when X is 0.
// ~X.Y.Z matches [X.Y.Z, X.(Y+1).0).
func Compare(a, op, b string) (bool, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false, fmt.Errorf("parse version %q: %w", a, err)
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false, fmt.Errorf("parse version %q: %w", b, err)
	}

	switch op {
	case "=":
		return compareCore(va, vb) == 0, nil
	case "!=":
		return compareCore(va, vb) != 0, nil
	case "<":
		return compareCore(va, vb) < 0, nil
	case "<=":
		return compareCore(va, vb) <= 0, nil
	case ">":
		return compareCore(va, vb) > 0, nil
	case ">=":
		return compareCore(va, vb) >= 0, nil
	case "^":
		return inRange(va, vb, caretUpper(vb)), nil
	case "~":
		return inRange(va, vb, tildeUpper(vb)), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownComparator, op)
	}
}

// compareCore orders two versions by their numeric triple only.
func compareCore(a, b *semver.Version) int {
	if c := cmpUint(a.Major(), b.Major()); c != 0 {
		return c
	}
	if c := cmpUint(a.Minor(), b.Minor()); c != 0 {
		return c
	}
	return cmpUint(a.Patch(), b.Patch())
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func inRange(v, lower, upper *semver.Version) bool {
	return compareCore(v, lower) >= 0 && compareCore(v, upper) < 0
}

func caretUpper(v *semver.Version) *semver.Version {
	if v.Major() == 0 {
		return semver.New(0, v.Minor()+1, 0, "", "")
	}
	return semver.New(v.Major()+1, 0, 0, "", "")
}

func tildeUpper(v *semver.Version) *semver.Version {
	return semver.New(v.Major(), v.Minor()+1, 0, "", "")
}
