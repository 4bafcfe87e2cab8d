// Package evaluator is a stateful in-process feature-flag evaluation
// engine. It accepts full flag-configuration documents, compiles them into
// an immutable snapshot with pre-computed accelerator structures, and
// resolves flags against per-request contexts with deterministic results.
//
// Two transports share the same core and optimization caches: the native
// binding passes configurations and contexts as Go maps with zero
// serialization, while the sandboxed transport drives the engine through a
// linear-memory ABI with packed pointer/length results, mirroring how the
// engine is embedded from other host languages.
package evaluator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/open-feature-forking/flagd-evaluator/internal/engine"
	"github.com/open-feature-forking/flagd-evaluator/internal/evaluation"
	"github.com/open-feature-forking/flagd-evaluator/internal/sandbox"
	"github.com/open-feature-forking/flagd-evaluator/internal/snapshot"
	"github.com/open-feature-forking/flagd-evaluator/internal/store"
	"github.com/open-feature-forking/flagd-evaluator/internal/targeting"
	"github.com/open-feature-forking/flagd-evaluator/internal/telemetry"
	"github.com/open-feature-forking/flagd-evaluator/internal/values"
)

// Result is the outcome of one flag evaluation.
type Result = evaluation.Result

// UpdateResult is the outcome of one state update, including the
// host-side accelerator tables.
type UpdateResult = snapshot.UpdateResult

// Evaluation reasons.
const (
	ReasonStatic         = evaluation.ReasonStatic
	ReasonTargetingMatch = evaluation.ReasonTargetingMatch
	ReasonDisabled       = evaluation.ReasonDisabled
	ReasonDefault        = evaluation.ReasonDefault
	ReasonError          = evaluation.ReasonError
)

// Evaluation error codes.
const (
	ErrorFlagNotFound = evaluation.ErrorFlagNotFound
	ErrorTypeMismatch = evaluation.ErrorTypeMismatch
	ErrorParse        = evaluation.ErrorParse
	ErrorGeneral      = evaluation.ErrorGeneral
)

// Evaluator is the engine facade. It owns the current flag table and
// permits concurrent evaluations; state updates take exclusive access.
// The caller's context maps are never retained or mutated.
type Evaluator struct {
	mu sync.RWMutex

	log     zerolog.Logger
	metrics *telemetry.Metrics
	clock   engine.Clock

	sandboxed  bool
	permissive bool
	host       Host

	engine    *engine.Engine
	transport *sandbox.Transport
}

// New creates an evaluator with an empty flag table. It fails only when
// the sandboxed transport cannot be instantiated.
func New(opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		log:   zerolog.Nop(),
		clock: func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.sandboxed {
		if e.host == nil {
			e.host = sandbox.SystemHost{}
		}
		transport, err := sandbox.NewTransport(e.host)
		if err != nil {
			return nil, err
		}
		if e.permissive {
			if err := transport.SetValidationMode(1); err != nil {
				return nil, err
			}
		}
		e.transport = transport
		return e, nil
	}

	e.engine = engine.New(e.clock)
	e.engine.SetPermissive(e.permissive)
	return e, nil
}

// Close releases the sandboxed transport's buffers. A native evaluator
// holds no resources and Close is a no-op.
func (e *Evaluator) Close() error {
	if e.transport == nil {
		return nil
	}
	return e.transport.Close()
}

// UpdateState replaces the flag table from a native configuration
// document. The previous table serves evaluations that are already in
// flight; evaluations started after UpdateState returns observe the new
// table.
func (e *Evaluator) UpdateState(doc map[string]any) UpdateResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result UpdateResult
	if e.transport != nil {
		data, err := json.Marshal(doc)
		if err != nil {
			result = snapshot.Failure(store.ErrMalformedDocument)
		} else {
			result = e.transportUpdate(data)
		}
	} else {
		result = e.engine.UpdateState(doc)
	}
	e.observeUpdate(result)
	return result
}

// UpdateStateJSON replaces the flag table from a JSON configuration
// document.
func (e *Evaluator) UpdateStateJSON(data []byte) UpdateResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result UpdateResult
	if e.transport != nil {
		result = e.transportUpdate(data)
	} else {
		result = e.engine.UpdateStateJSON(data)
	}
	e.observeUpdate(result)
	return result
}

func (e *Evaluator) transportUpdate(data []byte) UpdateResult {
	result, err := e.transport.UpdateState(data)
	if err != nil {
		e.log.Error().Err(err).Msg("sandbox state update failed")
		return snapshot.Failure(err)
	}
	return result
}

func (e *Evaluator) observeUpdate(result UpdateResult) {
	e.metrics.ObserveStateUpdate(result.Success, len(result.FlagIndices))
	event := e.log.Info().Bool("success", result.Success).Int("flags", len(result.FlagIndices))
	if result.Error != nil {
		event = event.Str("error", *result.Error)
	}
	event.Msg("flag state updated")
}

// Evaluate resolves a flag against a per-request context and returns the
// full result. Transport-level failures of the sandboxed path are logged
// and reported as GENERAL evaluation errors; EvaluateDetail exposes them
// as errors.
func (e *Evaluator) Evaluate(flagKey string, ctx map[string]any) Result {
	result, err := e.EvaluateDetail(flagKey, ctx)
	if err != nil {
		return Result{Reason: ReasonError, ErrorCode: ErrorGeneral}
	}
	return result
}

// EvaluateDetail is Evaluate with transport-level failures surfaced
// separately from evaluation results. On the native transport the error
// is always nil.
func (e *Evaluator) EvaluateDetail(flagKey string, ctx map[string]any) (Result, error) {
	start := time.Now()
	e.mu.RLock()
	result, err := e.resolveLocked(flagKey, ctx)
	e.mu.RUnlock()

	if err != nil {
		e.log.Error().Err(err).Str("flag", flagKey).Msg("sandbox evaluation failed")
		e.metrics.ObserveEvaluation(ReasonError, ErrorGeneral, time.Since(start))
		return Result{}, err
	}
	e.metrics.ObserveEvaluation(result.Reason, result.ErrorCode, time.Since(start))
	return result, nil
}

func (e *Evaluator) resolveLocked(flagKey string, ctx map[string]any) (Result, error) {
	if e.transport != nil {
		return e.transport.Evaluate(flagKey, ctx)
	}

	snap := e.engine.Snapshot()
	rf := snap.Lookup(flagKey)
	if rf == nil {
		return Result{Reason: ReasonError, ErrorCode: ErrorFlagNotFound}, nil
	}
	if rf.Pre != nil {
		return *rf.Pre, nil
	}
	return e.engine.EvaluateByIndex(rf.Index, filterContext(ctx, rf)), nil
}

// filterContext narrows the caller's attribute bag to the keys the flag's
// targeting rule can read. Flags whose rules read computed paths have no
// key set and receive the full context. Engine-injected $flagd keys are
// never taken from the caller.
func filterContext(ctx map[string]any, rf *snapshot.ResolvedFlag) map[string]any {
	if !rf.HasKeySet {
		return ctx
	}
	filtered := make(map[string]any, len(rf.RequiredKeys))
	for _, key := range rf.RequiredKeys {
		if key == evaluation.FlagdProperties {
			continue
		}
		if v, ok := ctx[key]; ok {
			filtered[key] = v
		}
	}
	return filtered
}

// EvaluateBool resolves a boolean flag. Any error-coded result, disabled
// flag, or non-boolean value yields the caller's fallback unchanged.
func (e *Evaluator) EvaluateBool(flagKey string, ctx map[string]any, fallback bool) bool {
	result := e.Evaluate(flagKey, ctx)
	if typedFallback(result) {
		return fallback
	}
	if v, ok := result.Value.(bool); ok {
		return v
	}
	return fallback
}

// EvaluateString resolves a string flag, falling back on errors, disabled
// flags and non-string values.
func (e *Evaluator) EvaluateString(flagKey string, ctx map[string]any, fallback string) string {
	result := e.Evaluate(flagKey, ctx)
	if typedFallback(result) {
		return fallback
	}
	if v, ok := result.Value.(string); ok {
		return v
	}
	return fallback
}

// EvaluateInt resolves a numeric flag as an integer. Either numeric tag is
// accepted; everything else falls back.
func (e *Evaluator) EvaluateInt(flagKey string, ctx map[string]any, fallback int64) int64 {
	result := e.Evaluate(flagKey, ctx)
	if typedFallback(result) {
		return fallback
	}
	switch v := result.Value.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return fallback
}

// EvaluateFloat resolves a numeric flag as a float. Either numeric tag is
// accepted; everything else falls back.
func (e *Evaluator) EvaluateFloat(flagKey string, ctx map[string]any, fallback float64) float64 {
	result := e.Evaluate(flagKey, ctx)
	if typedFallback(result) {
		return fallback
	}
	if f, ok := values.ToNumber(result.Value); ok && values.IsNumber(result.Value) {
		return f
	}
	return fallback
}

// typedFallback reports whether a typed accessor must return the caller's
// default: every error-coded result, and disabled flags (the generic path
// still reports their default-variant value for callers that want it).
func typedFallback(result Result) bool {
	return result.ErrorCode != "" || result.Reason == ReasonError || result.Reason == ReasonDisabled
}

// TargetingKey is the reserved context attribute carrying the stable
// entity identity used for fractional bucketing.
const TargetingKey = targeting.TargetingKey
