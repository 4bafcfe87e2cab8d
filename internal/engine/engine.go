// Package engine ties the state compiler and the resolver together behind
// an atomically published snapshot. The engine itself is lock-free for
// readers: evaluations load the current snapshot pointer and run entirely
// against that immutable table, so an update never exposes partial state.
package engine

import (
	"sync/atomic"

	"github.com/open-feature-forking/flagd-evaluator/internal/evaluation"
	"github.com/open-feature-forking/flagd-evaluator/internal/snapshot"
	"github.com/open-feature-forking/flagd-evaluator/internal/store"
	"github.com/open-feature-forking/flagd-evaluator/internal/targeting"
	"github.com/open-feature-forking/flagd-evaluator/internal/values"
)

// Clock supplies wall time in seconds since the epoch. The sandboxed build
// wires this to a host import; the native build uses time.Now.
type Clock func() int64

// Engine owns the current compiled flag table. All methods are safe for
// concurrent use; evaluations concurrent with an update observe either the
// old or the new snapshot, never a mix.
type Engine struct {
	ev         *targeting.Evaluator
	snap       atomic.Pointer[snapshot.Snapshot]
	clock      Clock
	permissive atomic.Bool
}

// New creates an engine with an empty flag table.
func New(clock Clock) *Engine {
	return &Engine{ev: targeting.New(), clock: clock}
}

// SetPermissive toggles permissive configuration parsing (structurally
// non-object flag entries are skipped instead of rejecting the document).
func (e *Engine) SetPermissive(permissive bool) {
	e.permissive.Store(permissive)
}

// Snapshot returns the currently published table; nil before the first
// successful update.
func (e *Engine) Snapshot() *snapshot.Snapshot {
	return e.snap.Load()
}

// UpdateStateJSON replaces the flag table from a JSON configuration
// document. On a document-level parse failure the previous table stays
// published and the result reports the failure.
func (e *Engine) UpdateStateJSON(data []byte) snapshot.UpdateResult {
	cfg, err := store.ParseConfiguration(data, e.permissive.Load())
	if err != nil {
		return snapshot.Failure(err)
	}
	return e.publish(cfg)
}

// UpdateState replaces the flag table from a native configuration
// document, avoiding any serialization. The document is normalized into
// the canonical value model first, so callers may pass ordinary Go
// numbers.
func (e *Engine) UpdateState(doc map[string]any) snapshot.UpdateResult {
	normalized, ok := values.Normalize(doc).(map[string]any)
	if !ok {
		return snapshot.Failure(store.ErrMalformedDocument)
	}
	cfg, err := store.FromDocument(normalized, e.permissive.Load())
	if err != nil {
		return snapshot.Failure(err)
	}
	return e.publish(cfg)
}

func (e *Engine) publish(cfg store.Configuration) snapshot.UpdateResult {
	snap, result := snapshot.Compile(e.ev, cfg, e.clock())
	e.snap.Store(snap)
	return result
}

// Evaluate resolves a flag by key. Pre-evaluated flags are served from the
// compile-time cache without touching the context.
func (e *Engine) Evaluate(key string, ctx map[string]any) evaluation.Result {
	return e.resolve(e.snap.Load().Lookup(key), ctx)
}

// EvaluateByIndex resolves a flag by its dense index, the positional fast
// path for hosts that cache the index table.
func (e *Engine) EvaluateByIndex(index int, ctx map[string]any) evaluation.Result {
	return e.resolve(e.snap.Load().LookupIndex(index), ctx)
}

func (e *Engine) resolve(rf *snapshot.ResolvedFlag, ctx map[string]any) evaluation.Result {
	if rf == nil {
		return evaluation.Resolve(e.ev, nil, ctx, e.clock())
	}
	if rf.Pre != nil {
		return *rf.Pre
	}
	return evaluation.Resolve(e.ev, &rf.Flag, ctx, e.clock())
}
