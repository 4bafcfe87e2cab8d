package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/open-feature-forking/flagd-evaluator/internal/engine"
	"github.com/open-feature-forking/flagd-evaluator/internal/telemetry"
)

// Host is the import surface required when running the sandboxed
// transport: wall time for $flagd.timestamp and randomness for anything
// outside the deterministic bucketing path.
type Host interface {
	UnixSeconds() int64
	RandomFill(b []byte)
}

// Option configures optional [Evaluator] parameters.
type Option func(*Evaluator)

// WithLogger sets the structured logger. When omitted, logging is
// disabled. Passing a zero logger is a no-op.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Evaluator) {
		e.log = log
	}
}

// WithMetrics registers the engine's prometheus instruments with reg and
// enables metric collection.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Evaluator) {
		e.metrics = telemetry.New(reg)
	}
}

// WithClock overrides the wall clock used for $flagd.timestamp. Only
// effective on the native transport; the sandboxed transport sources time
// from its host imports.
func WithClock(clock func() int64) Option {
	return func(e *Evaluator) {
		e.clock = engine.Clock(clock)
	}
}

// WithSandbox routes all state updates and evaluations through the
// sandboxed linear-memory transport, with host imports backed by the
// operating system.
func WithSandbox() Option {
	return func(e *Evaluator) {
		e.sandboxed = true
	}
}

// WithSandboxHost is WithSandbox with caller-supplied host imports,
// letting embedders pin time and randomness.
func WithSandboxHost(host Host) Option {
	return func(e *Evaluator) {
		e.sandboxed = true
		e.host = host
	}
}

// WithPermissiveValidation skips flag entries that are not objects during
// state updates instead of rejecting the whole document. Entries that are
// objects but fail validation are still retained as malformed flags.
func WithPermissiveValidation() Option {
	return func(e *Evaluator) {
		e.permissive = true
	}
}
