// Package snapshot compiles a flag configuration into the immutable table
// the engine evaluates against. Compilation parses every targeting rule
// once, pre-evaluates flags whose outcome cannot depend on context,
// collects the context keys each targeting rule can read, and assigns a
// dense index to every flag for positional lookup. A snapshot is never
// mutated after compilation; updates replace the whole table.
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/open-feature-forking/flagd-evaluator/internal/evaluation"
	"github.com/open-feature-forking/flagd-evaluator/internal/store"
	"github.com/open-feature-forking/flagd-evaluator/internal/targeting"
	"github.com/open-feature-forking/flagd-evaluator/internal/validation"
)

// ResolvedFlag is one compiled flag table entry.
type ResolvedFlag struct {
	evaluation.Flag

	// Index is the flag's position in sorted key order, stable across
	// equal configurations.
	Index int

	// RequiredKeys is the sorted set of context attributes the targeting
	// rule can read, always including targetingKey. HasKeySet is false
	// for flags whose rule reads computed paths; those flags need the
	// full caller context.
	RequiredKeys []string
	HasKeySet    bool

	// Pre is the cached result for flags whose outcome cannot depend on
	// context (no targeting, or disabled).
	Pre *evaluation.Result
}

// Snapshot is an immutable compiled flag table.
type Snapshot struct {
	ETag     string
	Metadata map[string]any
	Flags    map[string]*ResolvedFlag
	ByIndex  []*ResolvedFlag
}

// Lookup returns the resolved flag for a key, or nil.
func (s *Snapshot) Lookup(key string) *ResolvedFlag {
	if s == nil {
		return nil
	}
	return s.Flags[key]
}

// LookupIndex returns the resolved flag at a dense index, or nil.
func (s *Snapshot) LookupIndex(index int) *ResolvedFlag {
	if s == nil || index < 0 || index >= len(s.ByIndex) {
		return nil
	}
	return s.ByIndex[index]
}

// UpdateResult is the state-update outcome returned to the caller. It
// carries everything a host needs to run the fast paths on its side of a
// serialization boundary.
type UpdateResult struct {
	Success             bool                         `json:"success"`
	Error               *string                      `json:"error"`
	PreEvaluated        map[string]evaluation.Result `json:"preEvaluated"`
	RequiredContextKeys map[string][]string          `json:"requiredContextKeys"`
	FlagIndices         map[string]int               `json:"flagIndices"`
}

// Failure builds the UpdateResult for a rejected configuration document.
func Failure(err error) UpdateResult {
	msg := err.Error()
	return UpdateResult{Error: &msg}
}

// Compile builds a snapshot from a parsed configuration. Malformed flags
// are retained and marked so sibling flags keep evaluating; their
// diagnostics are aggregated into the result's error message. now feeds
// the pre-evaluation clock.
func Compile(ev *targeting.Evaluator, cfg store.Configuration, now int64) (*Snapshot, UpdateResult) {
	keys := make([]string, 0, len(cfg.Flags))
	for key := range cfg.Flags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	snap := &Snapshot{
		ETag:     etag(cfg),
		Metadata: cfg.Metadata,
		Flags:    make(map[string]*ResolvedFlag, len(keys)),
		ByIndex:  make([]*ResolvedFlag, 0, len(keys)),
	}
	result := UpdateResult{
		Success:             true,
		PreEvaluated:        make(map[string]evaluation.Result),
		RequiredContextKeys: make(map[string][]string),
		FlagIndices:         make(map[string]int, len(keys)),
	}

	var diagnostics []string
	for index, key := range keys {
		def := cfg.Flags[key]
		rf := &ResolvedFlag{
			Flag: evaluation.Flag{
				Key:        key,
				Definition: def,
				Metadata:   mergeMetadata(cfg.Metadata, def.Metadata),
			},
			Index: index,
		}

		if v := validation.ValidateFlag(def); !v.Valid {
			rf.Malformed = true
			diagnostics = append(diagnostics, fmt.Sprintf("flag %q: %s", key, v.Message()))
		}

		if def.HasTargeting() {
			rule := ev.Parse(def.Targeting)
			rf.Rule = &rule
		}

		compileKeySet(rf)
		preEvaluate(ev, rf, now)

		snap.Flags[key] = rf
		snap.ByIndex = append(snap.ByIndex, rf)
		result.FlagIndices[key] = index
		if rf.Pre != nil {
			result.PreEvaluated[key] = *rf.Pre
		}
		if rf.HasKeySet {
			result.RequiredContextKeys[key] = rf.RequiredKeys
		}
	}

	if len(diagnostics) > 0 {
		msg := diagnostics[0]
		for _, d := range diagnostics[1:] {
			msg += "; " + d
		}
		result.Error = &msg
	}
	return snap, result
}

// compileKeySet statically scans the targeting rule for the context keys
// it can read.
func compileKeySet(rf *ResolvedFlag) {
	if rf.Rule == nil || rf.Malformed {
		return
	}
	keys, dynamic := rf.Rule.RequiredKeys()
	if dynamic {
		return
	}
	set := map[string]struct{}{targeting.TargetingKey: {}}
	for _, k := range keys {
		set[k] = struct{}{}
	}
	sorted := make([]string, 0, len(set))
	for k := range set {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	rf.RequiredKeys = sorted
	rf.HasKeySet = true
}

// preEvaluate caches the result of flags whose outcome cannot depend on
// context. A targeting rule that happens to be constant is still
// evaluated per call: it may read $flagd.timestamp.
func preEvaluate(ev *targeting.Evaluator, rf *ResolvedFlag, now int64) {
	if rf.Rule != nil && rf.Definition.State != store.StateDisabled {
		return
	}
	pre := evaluation.Resolve(ev, &rf.Flag, map[string]any{}, now)
	rf.Pre = &pre
}

// mergeMetadata overlays flag metadata on top of the configuration-level
// metadata.
func mergeMetadata(configMeta, flagMeta map[string]any) map[string]any {
	if len(configMeta) == 0 && len(flagMeta) == 0 {
		return nil
	}
	merged := make(map[string]any, len(configMeta)+len(flagMeta))
	for k, v := range configMeta {
		merged[k] = v
	}
	for k, v := range flagMeta {
		merged[k] = v
	}
	return merged
}

// etag derives the snapshot version from the canonical JSON of the
// configuration. Map keys marshal in sorted order, so equal
// configurations hash equally.
func etag(cfg store.Configuration) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "0"
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}
