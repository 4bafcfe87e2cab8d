// Package rules models targeting rules as parsed trees. A rule is either a
// literal value, a sequence of sub-rules, or an operation {operator: args}.
// Configurations are parsed once at state-update time so that evaluation
// never re-interprets raw JSON.
package rules

import "strings"

// OperatorSet reports whether a name is a registered operator. Parsing only
// treats a single-key mapping as an operation when its key is registered;
// any other mapping is a literal.
type OperatorSet func(name string) bool

// Kind discriminates the three rule forms.
type Kind int

const (
	KindLiteral Kind = iota
	KindArray
	KindOp
)

// Rule is one node of a parsed targeting rule.
type Rule struct {
	Op      string // operator name when Kind() == KindOp
	Args    []Rule // operands, or array elements
	Literal any    // value when Kind() == KindLiteral

	kind Kind
}

// Kind returns the form of this node.
func (r Rule) Kind() Kind { return r.kind }

// NewLiteral wraps a plain value as a literal rule node.
func NewLiteral(v any) Rule {
	return Rule{Literal: v, kind: KindLiteral}
}

// Parse converts a decoded JSON value into a rule tree. A mapping with
// exactly one key whose name is in known parses as an operation; the
// operand list is the key's value (a non-sequence operand becomes a single
// argument). Sequences parse element-wise. Everything else is a literal.
func Parse(v any, known OperatorSet) Rule {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			for op, operand := range t {
				if !known(op) {
					return NewLiteral(v)
				}
				var args []Rule
				if list, ok := operand.([]any); ok {
					args = make([]Rule, len(list))
					for i, item := range list {
						args[i] = Parse(item, known)
					}
				} else {
					args = []Rule{Parse(operand, known)}
				}
				return Rule{Op: op, Args: args, kind: KindOp}
			}
		}
		return NewLiteral(v)
	case []any:
		args := make([]Rule, len(t))
		for i, item := range t {
			args[i] = Parse(item, known)
		}
		return Rule{Args: args, kind: KindArray}
	default:
		return NewLiteral(v)
	}
}

// RequiredKeys statically collects the context attributes a rule can read:
// every literal-string `var` operand, recorded at the root attribute of a
// dotted path, plus the literal string operands of `missing` and
// `missing_some`. dynamic is true when a path is computed at evaluation
// time, in which case the key set is not exhaustive and callers must pass
// the full context.
func (r Rule) RequiredKeys() (keys []string, dynamic bool) {
	set := make(map[string]struct{})
	dynamic = !collectKeys(r, set)
	keys = make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys, dynamic
}

// collectKeys walks the tree in pre-order. It returns false as soon as a
// statically unknowable reference is found.
func collectKeys(r Rule, set map[string]struct{}) bool {
	static := true
	switch r.kind {
	case KindOp:
		switch r.Op {
		case "var":
			if len(r.Args) == 0 {
				// Without an operand var reads the whole context.
				return false
			}
			path := r.Args[0]
			if path.kind != KindLiteral {
				return false
			}
			switch p := path.Literal.(type) {
			case string:
				if p == "" {
					// The empty path reads the whole context; no static
					// key set can cover it.
					return false
				}
				set[rootAttribute(p)] = struct{}{}
			default:
				// Null paths also read the whole context; anything else
				// is computed at evaluation time.
				return false
			}
			// The default operand (if any) may itself reference keys.
			for _, arg := range r.Args[1:] {
				if !collectKeys(arg, set) {
					static = false
				}
			}
			return static
		case "missing", "missing_some":
			for _, arg := range r.Args {
				if !collectMissingKeys(arg, set) {
					return false
				}
			}
			return true
		}
	case KindLiteral:
		return true
	}
	for _, arg := range r.Args {
		if !collectKeys(arg, set) {
			static = false
		}
	}
	return static
}

// collectMissingKeys records the literal string operands of missing and
// missing_some, descending into literal sequences (the key-list operand).
func collectMissingKeys(r Rule, set map[string]struct{}) bool {
	switch r.kind {
	case KindLiteral:
		switch v := r.Literal.(type) {
		case string:
			set[rootAttribute(v)] = struct{}{}
		case int64, float64:
			// The minimum-count operand of missing_some.
		case []any:
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return false
				}
				set[rootAttribute(s)] = struct{}{}
			}
		default:
			return false
		}
		return true
	case KindArray:
		for _, item := range r.Args {
			if !collectMissingKeys(item, set) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func rootAttribute(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}
