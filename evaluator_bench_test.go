package evaluator

import "testing"

const benchConfig = `{"flags": {
	"static": {"state": "ENABLED", "variants": {"on": true, "off": false}, "defaultVariant": "on"},
	"targeted": {
		"state": "ENABLED",
		"variants": {"a": "val-a", "b": "val-b"},
		"defaultVariant": "a",
		"targeting": {"if": [{"==": [{"var": "role"}, "admin"]}, "b", "a"]}
	},
	"fractional": {
		"state": "ENABLED",
		"variants": {"A": 1, "B": 2},
		"defaultVariant": "A",
		"targeting": {"fractional": [{"var": "userId"}, ["A", 50], ["B", 50]]}
	}
}}`

func benchEvaluator(b *testing.B, sandboxed bool) *Evaluator {
	b.Helper()
	opts := []Option{WithClock(func() int64 { return 1700000000 })}
	if sandboxed {
		opts = []Option{WithSandboxHost(testHost{now: 1700000000})}
	}
	e, err := New(opts...)
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	b.Cleanup(func() { e.Close() })
	if result := e.UpdateStateJSON([]byte(benchConfig)); !result.Success {
		b.Fatalf("update failed: %v", result.Error)
	}
	return e
}

func benchmarkEvaluate(b *testing.B, sandboxed bool, flagKey string, ctx map[string]any) {
	e := benchEvaluator(b, sandboxed)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Evaluate(flagKey, ctx)
	}
}

func BenchmarkEvaluate_Static_Native(b *testing.B) {
	benchmarkEvaluate(b, false, "static", nil)
}

func BenchmarkEvaluate_Static_Sandbox(b *testing.B) {
	benchmarkEvaluate(b, true, "static", nil)
}

func BenchmarkEvaluate_Targeted_Native(b *testing.B) {
	benchmarkEvaluate(b, false, "targeted", map[string]any{"role": "admin"})
}

func BenchmarkEvaluate_Targeted_Sandbox(b *testing.B) {
	benchmarkEvaluate(b, true, "targeted", map[string]any{"role": "admin"})
}

func BenchmarkEvaluate_Fractional_Native(b *testing.B) {
	benchmarkEvaluate(b, false, "fractional", map[string]any{"userId": "user123"})
}

func BenchmarkUpdateState_Native(b *testing.B) {
	e := benchEvaluator(b, false)
	config := []byte(benchConfig)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.UpdateStateJSON(config)
	}
}
