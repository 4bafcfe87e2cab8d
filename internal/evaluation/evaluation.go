// Package evaluation resolves a single flag against an evaluation context:
// it runs the disabled/static/targeted state machine, looks up the selected
// variant, enriches the context with targetingKey and $flagd, and reports
// errors through the result taxonomy instead of raising them.
package evaluation

import (
	"sort"

	"github.com/open-feature-forking/flagd-evaluator/internal/rules"
	"github.com/open-feature-forking/flagd-evaluator/internal/store"
	"github.com/open-feature-forking/flagd-evaluator/internal/targeting"
	"github.com/open-feature-forking/flagd-evaluator/internal/values"
)

// Evaluation reasons.
const (
	ReasonStatic         = "STATIC"
	ReasonTargetingMatch = "TARGETING_MATCH"
	ReasonDisabled       = "DISABLED"
	ReasonDefault        = "DEFAULT"
	ReasonError          = "ERROR"
)

// Evaluation error codes.
const (
	ErrorFlagNotFound = "FLAG_NOT_FOUND"
	ErrorTypeMismatch = "TYPE_MISMATCH"
	ErrorParse        = "PARSE_ERROR"
	ErrorGeneral      = "GENERAL"
)

// FlagdProperties is the context attribute the engine injects before
// running a targeting rule. It is always overwritten, never merged: a
// caller-supplied $flagd is silently replaced.
const FlagdProperties = "$flagd"

// Result is the outcome of evaluating one flag.
type Result struct {
	Value        any            `json:"value"`
	Variant      string         `json:"variant"`
	Reason       string         `json:"reason"`
	ErrorCode    string         `json:"errorCode"`
	FlagMetadata map[string]any `json:"flagMetadata,omitempty"`
}

// Flag is a compiled flag ready for evaluation: the parsed definition,
// its pre-parsed targeting rule, merged metadata, and the malformed
// marker set by state compilation.
type Flag struct {
	Key        string
	Definition store.Flag
	Rule       *rules.Rule
	Metadata   map[string]any
	Malformed  bool
}

// errorResult builds an ERROR result carrying the flag metadata that is
// known at that point.
func errorResult(code string, metadata map[string]any) Result {
	return Result{Reason: ReasonError, ErrorCode: code, FlagMetadata: metadata}
}

// Resolve evaluates one flag. now is the wall clock in seconds since the
// epoch, injected so the sandboxed build can source it from a host import.
// The caller's context map is never mutated.
func Resolve(ev *targeting.Evaluator, flag *Flag, ctx map[string]any, now int64) Result {
	if flag == nil {
		return errorResult(ErrorFlagNotFound, nil)
	}
	if flag.Malformed {
		return errorResult(ErrorParse, flag.Metadata)
	}

	def := flag.Definition
	if def.State == store.StateDisabled {
		return Result{
			Value:        def.Variants[def.DefaultVariant],
			Variant:      def.DefaultVariant,
			Reason:       ReasonDisabled,
			FlagMetadata: flag.Metadata,
		}
	}
	if flag.Rule == nil {
		return Result{
			Value:        def.Variants[def.DefaultVariant],
			Variant:      def.DefaultVariant,
			Reason:       ReasonStatic,
			FlagMetadata: flag.Metadata,
		}
	}

	outcome, err := ev.Evaluate(*flag.Rule, enrich(ctx, flag.Key, now))
	if err != nil {
		return errorResult(ErrorGeneral, flag.Metadata)
	}

	if variant, ok := outcome.(string); ok {
		if _, exists := def.Variants[variant]; exists {
			return Result{
				Value:        def.Variants[variant],
				Variant:      variant,
				Reason:       ReasonTargetingMatch,
				FlagMetadata: flag.Metadata,
			}
		}
	}

	// A non-nil outcome that equals some variant's value selects that
	// variant directly.
	if outcome != nil {
		if variant, ok := variantByValue(def.Variants, outcome); ok {
			return Result{
				Value:        def.Variants[variant],
				Variant:      variant,
				Reason:       ReasonTargetingMatch,
				FlagMetadata: flag.Metadata,
			}
		}
	}

	return Result{
		Value:        def.Variants[def.DefaultVariant],
		Variant:      def.DefaultVariant,
		Reason:       ReasonDefault,
		FlagMetadata: flag.Metadata,
	}
}

// enrich copies the caller context, defaults targetingKey to the empty
// string and overwrites $flagd with the per-evaluation properties.
func enrich(ctx map[string]any, flagKey string, now int64) map[string]any {
	enriched := make(map[string]any, len(ctx)+2)
	for k, v := range ctx {
		enriched[k] = v
	}
	if _, ok := enriched[targeting.TargetingKey]; !ok {
		enriched[targeting.TargetingKey] = ""
	}
	enriched[FlagdProperties] = map[string]any{
		"flagKey":   flagKey,
		"timestamp": now,
	}
	return enriched
}

// variantByValue finds the variant whose value equals the outcome.
// Variant names are scanned in sorted order so ties resolve
// deterministically.
func variantByValue(variants map[string]any, outcome any) (string, bool) {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if values.Equal(variants[name], outcome) {
			return name, true
		}
	}
	return "", false
}
