package evaluator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/open-feature-forking/flagd-evaluator/internal/values"
)

type testHost struct {
	now int64
}

func (h testHost) UnixSeconds() int64 { return h.now }

func (h testHost) RandomFill(b []byte) {
	for i := range b {
		b[i] = byte(i)
	}
}

// newEvaluators builds one evaluator per transport so every scenario runs
// against both the native binding and the sandboxed ABI.
func newEvaluators(t *testing.T) map[string]*Evaluator {
	t.Helper()
	native, err := New(WithClock(func() int64 { return 1700000000 }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sandboxed, err := New(WithSandboxHost(testHost{now: 1700000000}))
	if err != nil {
		t.Fatalf("New sandboxed: %v", err)
	}
	t.Cleanup(func() {
		native.Close()
		sandboxed.Close()
	})
	return map[string]*Evaluator{"native": native, "sandbox": sandboxed}
}

func updateJSON(t *testing.T, e *Evaluator, config string) UpdateResult {
	t.Helper()
	result := e.UpdateStateJSON([]byte(config))
	if !result.Success {
		t.Fatalf("update failed: %v", result.Error)
	}
	return result
}

func TestScenario_StaticBoolean(t *testing.T) {
	config := `{"flags": {"f": {"state": "ENABLED", "variants": {"on": true, "off": false}, "defaultVariant": "on"}}}`
	for name, e := range newEvaluators(t) {
		updateJSON(t, e, config)
		got := e.Evaluate("f", map[string]any{})
		if got.Value != true || got.Variant != "on" || got.Reason != ReasonStatic {
			t.Errorf("%s: %+v", name, got)
		}
	}
}

func TestScenario_DisabledFlag(t *testing.T) {
	config := `{"flags": {"f": {"state": "DISABLED", "variants": {"on": true, "off": false}, "defaultVariant": "on"}}}`
	for name, e := range newEvaluators(t) {
		updateJSON(t, e, config)
		got := e.Evaluate("f", map[string]any{})
		if got.Reason != ReasonDisabled || got.Value != true || got.Variant != "on" {
			t.Errorf("%s: %+v", name, got)
		}
		// Typed accessors return the caller default for disabled flags.
		if e.EvaluateBool("f", nil, true) != true || e.EvaluateBool("f", nil, false) != false {
			t.Errorf("%s: disabled flag must yield the caller default", name)
		}
	}
}

func TestScenario_TargetingMatch(t *testing.T) {
	config := `{"flags": {"f": {
		"state": "ENABLED",
		"variants": {"on": true, "off": false},
		"defaultVariant": "off",
		"targeting": {"if": [{"==": [{"var": "tier"}, "premium"]}, "on", "off"]}
	}}}`
	for name, e := range newEvaluators(t) {
		updateJSON(t, e, config)
		got := e.Evaluate("f", map[string]any{"tier": "premium"})
		if got.Value != true || got.Variant != "on" || got.Reason != ReasonTargetingMatch {
			t.Errorf("%s premium: %+v", name, got)
		}
		got = e.Evaluate("f", map[string]any{"tier": "free"})
		if got.Value != false || got.Variant != "off" || got.Reason != ReasonTargetingMatch {
			t.Errorf("%s free: %+v", name, got)
		}
	}
}

func TestScenario_FractionalStability(t *testing.T) {
	config := `{"flags": {"f": {
		"state": "ENABLED",
		"variants": {"A": "a", "B": "b"},
		"defaultVariant": "A",
		"targeting": {"fractional": [{"var": "userId"}, ["A", 50], ["B", 50]]}
	}}}`
	for name, e := range newEvaluators(t) {
		updateJSON(t, e, config)
		first := e.Evaluate("f", map[string]any{"userId": "user123"})
		second := e.Evaluate("f", map[string]any{"userId": "user123"})
		if first.Variant != second.Variant || first.Value != second.Value {
			t.Errorf("%s: unstable fractional assignment: %+v vs %+v", name, first, second)
		}
		if first.Variant != "A" && first.Variant != "B" {
			t.Errorf("%s: unexpected variant %+v", name, first)
		}
	}
}

func TestScenario_SemverCaret(t *testing.T) {
	config := `{"flags": {"f": {
		"state": "ENABLED",
		"variants": {"yes": true, "no": false},
		"defaultVariant": "no",
		"targeting": {"if": [{"sem_ver": [{"var": "v"}, "^", "1.2.0"]}, "yes", "no"]}
	}}}`
	cases := map[string]string{"1.5.3": "yes", "2.0.0": "no", "1.1.9": "no"}
	for name, e := range newEvaluators(t) {
		updateJSON(t, e, config)
		for version, want := range cases {
			got := e.Evaluate("f", map[string]any{"v": version})
			if got.Variant != want {
				t.Errorf("%s %s: got %q, want %q", name, version, got.Variant, want)
			}
		}
	}
}

func TestScenario_MissingFlag(t *testing.T) {
	for name, e := range newEvaluators(t) {
		updateJSON(t, e, `{"flags": {}}`)
		got := e.Evaluate("nope", map[string]any{})
		if got.Reason != ReasonError || got.ErrorCode != ErrorFlagNotFound {
			t.Errorf("%s: %+v", name, got)
		}
		if e.EvaluateBool("nope", map[string]any{}, true) != true {
			t.Errorf("%s: typed accessor must return the fallback", name)
		}
	}
}

const typedConfig = `{"flags": {
	"boolFlag": {"state": "ENABLED", "variants": {"on": true, "off": false}, "defaultVariant": "on"},
	"stringFlag": {"state": "ENABLED", "variants": {"a": "alpha", "b": "beta"}, "defaultVariant": "a"},
	"intFlag": {"state": "ENABLED", "variants": {"few": 3, "many": 100}, "defaultVariant": "few"},
	"floatFlag": {"state": "ENABLED", "variants": {"low": 0.25, "high": 0.75}, "defaultVariant": "high"},
	"broken": {"state": "ENABLED", "variants": {"on": true}, "defaultVariant": "ghost"}
}}`

func TestTypedAccessors(t *testing.T) {
	for name, e := range newEvaluators(t) {
		e.UpdateStateJSON([]byte(typedConfig))

		if got := e.EvaluateBool("boolFlag", nil, false); got != true {
			t.Errorf("%s bool: %v", name, got)
		}
		if got := e.EvaluateString("stringFlag", nil, "zz"); got != "alpha" {
			t.Errorf("%s string: %v", name, got)
		}
		if got := e.EvaluateInt("intFlag", nil, -1); got != 3 {
			t.Errorf("%s int: %v", name, got)
		}
		if got := e.EvaluateFloat("floatFlag", nil, -1); got != 0.75 {
			t.Errorf("%s float: %v", name, got)
		}
		// Numeric accessors accept either numeric tag.
		if got := e.EvaluateFloat("intFlag", nil, -1); got != 3 {
			t.Errorf("%s float-from-int: %v", name, got)
		}
		if got := e.EvaluateInt("floatFlag", nil, -1); got != 0 {
			t.Errorf("%s int-from-float: %v", name, got)
		}

		// Tag mismatches fall back.
		if got := e.EvaluateBool("stringFlag", nil, true); got != true {
			t.Errorf("%s bool mismatch: %v", name, got)
		}
		if got := e.EvaluateString("boolFlag", nil, "fb"); got != "fb" {
			t.Errorf("%s string mismatch: %v", name, got)
		}

		// Default safety: every error-coded result yields the fallback.
		if got := e.EvaluateBool("broken", nil, true); got != true {
			t.Errorf("%s parse-error fallback: %v", name, got)
		}
		if got := e.EvaluateInt("broken", nil, 77); got != 77 {
			t.Errorf("%s parse-error int fallback: %v", name, got)
		}
	}
}

func TestMalformedFlagDoesNotBreakSiblings(t *testing.T) {
	for name, e := range newEvaluators(t) {
		result := e.UpdateStateJSON([]byte(typedConfig))
		if !result.Success {
			t.Fatalf("%s: update should succeed with malformed entries retained", name)
		}
		if result.Error == nil {
			t.Errorf("%s: diagnostics expected for the broken flag", name)
		}

		got := e.Evaluate("broken", nil)
		if got.Reason != ReasonError || got.ErrorCode != ErrorParse {
			t.Errorf("%s broken: %+v", name, got)
		}
		got = e.Evaluate("boolFlag", nil)
		if got.Reason != ReasonStatic || got.Value != true {
			t.Errorf("%s sibling: %+v", name, got)
		}
	}
}

// Variant closure: for any successful evaluation the variant names an
// existing variant and the value is that variant's value.
func TestInvariant_VariantClosure(t *testing.T) {
	config := `{"flags": {
		"f": {
			"state": "ENABLED",
			"variants": {"a": "val-a", "b": "val-b", "c": "val-c"},
			"defaultVariant": "c",
			"targeting": {"fractional": [{"var": "userId"}, ["a", 30], ["b", 30], ["c", 40]]}
		}
	}}`
	variants := map[string]any{"a": "val-a", "b": "val-b", "c": "val-c"}
	for name, e := range newEvaluators(t) {
		updateJSON(t, e, config)
		for i := 0; i < 200; i++ {
			got := e.Evaluate("f", map[string]any{"userId": fmt.Sprintf("user-%d", i)})
			if got.ErrorCode != "" {
				t.Fatalf("%s: %+v", name, got)
			}
			want, ok := variants[got.Variant]
			if !ok {
				t.Fatalf("%s: variant %q not in the flag", name, got.Variant)
			}
			if got.Value != want {
				t.Fatalf("%s: value %v does not match variant %q", name, got.Value, got.Variant)
			}
		}
	}
}

// Required-key minimality: restricting the context to the advertised
// required keys never changes the outcome.
func TestInvariant_RequiredKeyMinimality(t *testing.T) {
	config := `{"flags": {"f": {
		"state": "ENABLED",
		"variants": {"on": true, "off": false},
		"defaultVariant": "off",
		"targeting": {"and": [
			{"==": [{"var": "tier"}, "premium"]},
			{"starts_with": [{"var": "email"}, "vip-"]}
		]}
	}}}`
	fullCtx := map[string]any{
		"tier":         "premium",
		"email":        "vip-someone@example.com",
		"irrelevant":   "noise",
		"more":         42,
		"targetingKey": "entity-9",
	}
	for name, e := range newEvaluators(t) {
		result := updateJSON(t, e, config)
		required, ok := result.RequiredContextKeys["f"]
		if !ok {
			t.Fatalf("%s: required keys missing", name)
		}

		restricted := map[string]any{}
		for _, key := range required {
			if v, present := fullCtx[key]; present {
				restricted[key] = v
			}
		}

		full := e.Evaluate("f", fullCtx)
		narrow := e.Evaluate("f", restricted)
		if full.Variant != narrow.Variant || full.Value != narrow.Value || full.Reason != narrow.Reason {
			t.Errorf("%s: full %+v vs restricted %+v", name, full, narrow)
		}
		if full.Variant != "on" {
			t.Errorf("%s: expected a match, got %+v", name, full)
		}
	}
}

// Purity: both transports agree on every result for the same inputs.
func TestInvariant_TransportParity(t *testing.T) {
	config := `{"flags": {
		"frac": {
			"state": "ENABLED",
			"variants": {"A": 1, "B": 2, "C": 3},
			"defaultVariant": "A",
			"targeting": {"fractional": [["A", 20], ["B", 30], ["C", 50]]}
		},
		"semver": {
			"state": "ENABLED",
			"variants": {"new": "new-ui", "old": "old-ui"},
			"defaultVariant": "old",
			"targeting": {"if": [{"sem_ver": [{"var": "appVersion"}, ">=", "2.1.0"]}, "new", "old"]}
		}
	}}`
	evs := newEvaluators(t)
	for _, e := range evs {
		updateJSON(t, e, config)
	}

	contexts := []map[string]any{
		{"targetingKey": "u-1", "appVersion": "2.3.4"},
		{"targetingKey": "u-2", "appVersion": "1.9.0"},
		{"targetingKey": "u-3"},
		{},
		{"targetingKey": "u-4", "appVersion": "not-a-version"},
	}
	for _, ctx := range contexts {
		for _, key := range []string{"frac", "semver"} {
			native := evs["native"].Evaluate(key, ctx)
			sandboxed := evs["sandbox"].Evaluate(key, ctx)
			if native.Variant != sandboxed.Variant || native.Reason != sandboxed.Reason ||
				native.ErrorCode != sandboxed.ErrorCode || !values.Equal(native.Value, sandboxed.Value) {
				t.Errorf("%s with %v: native %+v vs sandbox %+v", key, ctx, native, sandboxed)
			}
		}
	}
}

// Snapshot discipline: an evaluation that starts after UpdateState returns
// sees the new state; concurrent evaluations never see a torn table.
func TestInvariant_SnapshotPublication(t *testing.T) {
	e, err := New(WithClock(func() int64 { return 1 }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	configFor := func(v int) string {
		return fmt.Sprintf(`{"flags": {"f": {"state": "ENABLED", "variants": {"v": %d}, "defaultVariant": "v"}}}`, v)
	}
	updateJSON(t, e, configFor(0))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got := e.Evaluate("f", nil)
				if got.Reason != ReasonStatic || got.ErrorCode != "" {
					t.Errorf("torn result: %+v", got)
					return
				}
			}
		}()
	}

	for v := 1; v <= 100; v++ {
		updateJSON(t, e, configFor(v))
		got := e.Evaluate("f", nil)
		if got.Value != int64(v) {
			t.Fatalf("evaluation after update %d returned %v", v, got.Value)
		}
	}
	close(stop)
	wg.Wait()
}

func TestUpdateState_Native(t *testing.T) {
	e, err := New(WithClock(func() int64 { return 1 }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := e.UpdateState(map[string]any{
		"flags": map[string]any{
			"f": map[string]any{
				"state":          "ENABLED",
				"variants":       map[string]any{"n": 5},
				"defaultVariant": "n",
			},
		},
	})
	if !result.Success {
		t.Fatalf("update failed: %v", result.Error)
	}
	if got := e.EvaluateInt("f", nil, -1); got != 5 {
		t.Errorf("got %d", got)
	}
}

func TestUpdateState_RejectsBadDocument(t *testing.T) {
	for name, e := range newEvaluators(t) {
		result := e.UpdateStateJSON([]byte(`not json at all`))
		if result.Success {
			t.Errorf("%s: malformed document accepted", name)
		}
		if result.Error == nil {
			t.Errorf("%s: failure must carry a message", name)
		}
	}
}

func TestPermissiveValidation(t *testing.T) {
	e, err := New(WithPermissiveValidation(), WithClock(func() int64 { return 1 }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := e.UpdateStateJSON([]byte(`{"flags": {
		"bad": "nonsense",
		"good": {"state": "ENABLED", "variants": {"on": true}, "defaultVariant": "on"}
	}}`))
	if !result.Success {
		t.Fatalf("permissive update failed: %v", result.Error)
	}
	if got := e.EvaluateBool("good", nil, false); got != true {
		t.Errorf("good flag: %v", got)
	}
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := New(WithMetrics(reg), WithClock(func() int64 { return 1 }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	updateJSON(t, e, `{"flags": {"f": {"state": "ENABLED", "variants": {"on": true}, "defaultVariant": "on"}}}`)
	e.Evaluate("f", nil)
	e.Evaluate("ghost", nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, want := range []string{"flag_evaluations_total", "flag_evaluation_errors_total", "flag_state_updates_total", "flag_snapshot_flags"} {
		if !found[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestContextNotMutated(t *testing.T) {
	for name, e := range newEvaluators(t) {
		updateJSON(t, e, `{"flags": {"f": {
			"state": "ENABLED",
			"variants": {"on": true, "off": false},
			"defaultVariant": "off",
			"targeting": {"==": [{"var": "targetingKey"}, "x"]}
		}}}`)
		ctx := map[string]any{"tier": "premium"}
		e.Evaluate("f", ctx)
		if len(ctx) != 1 || ctx["tier"] != "premium" {
			t.Errorf("%s: caller context mutated: %v", name, ctx)
		}
	}
}
