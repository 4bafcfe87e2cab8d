// Package validation checks the structural invariants of flag definitions
// at state-update time. A flag that fails validation is retained in the
// table but marked malformed, so a broken flag never takes down its
// siblings.
package validation

import (
	"fmt"

	"github.com/open-feature-forking/flagd-evaluator/internal/store"
)

// Result holds the outcome of validating one flag.
type Result struct {
	Valid  bool
	Errors []string
}

func (r *Result) addError(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Message flattens the errors into a single diagnostic string.
func (r *Result) Message() string {
	switch len(r.Errors) {
	case 0:
		return ""
	case 1:
		return r.Errors[0]
	default:
		msg := r.Errors[0]
		for _, e := range r.Errors[1:] {
			msg += "; " + e
		}
		return msg
	}
}

// ValidateFlag checks one flag definition: state must be ENABLED or
// DISABLED, variants must be non-empty, and defaultVariant must name an
// existing variant.
func ValidateFlag(flag store.Flag) Result {
	result := Result{Valid: true}

	switch flag.State {
	case store.StateEnabled, store.StateDisabled:
	case "":
		result.addError("state is required")
	default:
		result.addError("state %q must be ENABLED or DISABLED", flag.State)
	}

	if len(flag.Variants) == 0 {
		result.addError("variants must not be empty")
	}

	if flag.DefaultVariant == "" {
		result.addError("defaultVariant is required")
	} else if _, ok := flag.Variants[flag.DefaultVariant]; !ok && len(flag.Variants) > 0 {
		result.addError("defaultVariant %q is not a variant", flag.DefaultVariant)
	}

	return result
}
