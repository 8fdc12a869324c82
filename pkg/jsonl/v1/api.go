// Package v1 is the inbound call surface of the jsonl emission core. A hosting
// engine calls one method per lifecycle event; each call runs the pipeline up
// to the sink buffer before it returns and never reports failure to the caller.
package v1

import (
	"context"
	"io"
	"time"

	"github.com/gxo-labs/jsonl/internal/diagnostics"
	internalsecrets "github.com/gxo-labs/jsonl/internal/secrets"
	"github.com/gxo-labs/jsonl/internal/serializer"
	"github.com/gxo-labs/jsonl/internal/verbosity"
	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/metrics"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/secrets"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/tracing"
)

// EmitterV1 defines the public interface of the event emitter.
type EmitterV1 interface {
	// One call per event variant. level is the engine's current verbosity.
	PlayStart(ev events.PlayStart, level verbosity.Level)
	HandlerStart(ev events.HandlerStart, level verbosity.Level)
	TaskResult(ev events.TaskResult, level verbosity.Level)
	SkipPlay(ev events.SkipPlay, level verbosity.Level)
	RunRecap(ev events.RunRecap, level verbosity.Level)

	// NoHostsMatched emits a skip_play record for the most recent play.
	NoHostsMatched(level verbosity.Level)
	// EmitTalliedRecap emits a play_recap built from the task results seen so far.
	EmitTalliedRecap(level verbosity.Level)

	// Producer returns a handle that stamps its own identity and sequence
	// numbers onto every event. An empty id generates one.
	Producer(id string) ProducerV1

	Stats() Stats
	// Close drains the buffer and flushes the output. Abort discards it.
	Close(ctx context.Context) DrainReport
	Abort() DrainReport

	MetricsRegistryProvider() metrics.RegistryProvider
	TracerProvider() tracing.TracerProvider

	// Setters are only valid while options are applied at construction.
	SetWriter(w io.Writer) error
	SetSinkPolicy(policy SinkPolicy) error
	SetDefaultVerbosity(level verbosity.Level) error
	SetErrorObserver(obs jsonlerrors.ErrorObserver) error
	SetDiagnosticRouter(router diagnostics.Router) error
	SetActionWarnings(enabled bool) error
	SetRedactedKeywords(keywords []string) error
	SetDenylist(denylist map[string][]string) error
	SetPalette(palette serializer.Palette) error
	SetSecretsProvider(provider secrets.Provider, keys []string) error
	SetSecretTracker(tracker *internalsecrets.SecretTracker) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
}

// ProducerV1 is one concurrent engine worker. Events emitted through the same
// handle keep their relative order in the output.
type ProducerV1 interface {
	ID() string
	PlayStart(ev events.PlayStart, level verbosity.Level)
	HandlerStart(ev events.HandlerStart, level verbosity.Level)
	TaskResult(ev events.TaskResult, level verbosity.Level)
	SkipPlay(ev events.SkipPlay, level verbosity.Level)
	RunRecap(ev events.RunRecap, level verbosity.Level)
	NoHostsMatched(level verbosity.Level)
}

// Option configures an emitter at creation.
type Option func(EmitterV1) error

// SinkPolicy is the public buffering configuration. Zero fields select the
// sink defaults.
type SinkPolicy struct {
	BufferCapacity     int           `yaml:"buffer_capacity,omitempty" json:"buffer_capacity,omitempty"`
	BackpressurePolicy string        `yaml:"backpressure_policy,omitempty" json:"backpressure_policy,omitempty"`
	BlockTimeout       time.Duration `yaml:"block_timeout,omitempty" json:"block_timeout,omitempty"`
	DrainTimeout       time.Duration `yaml:"drain_timeout,omitempty" json:"drain_timeout,omitempty"`
	WriteAttempts      int           `yaml:"write_attempts,omitempty" json:"write_attempts,omitempty"`
	WriteRetryDelay    time.Duration `yaml:"write_retry_delay,omitempty" json:"write_retry_delay,omitempty"`
}

// Stats is a snapshot of the emitter and sink counters.
type Stats struct {
	Emitted             int64 `json:"emitted"`
	InvalidEvents       int64 `json:"invalid_events"`
	SerializationErrors int64 `json:"serialization_errors"`
	Diagnostics         int64 `json:"diagnostics"`
	Buffered            int   `json:"buffered"`
	Written             int64 `json:"written"`
	Dropped             int64 `json:"dropped"`
	Discarded           int64 `json:"discarded"`
	Degraded            bool  `json:"degraded"`
}

// DrainReport summarizes a shutdown.
type DrainReport struct {
	Written   int64 `json:"written"`
	Dropped   int64 `json:"dropped"`
	Discarded int64 `json:"discarded"`
	TimedOut  bool  `json:"timed_out"`
	Aborted   bool  `json:"aborted"`
	// Detached means the output writer was still busy when shutdown
	// returned; the output must not be flushed or reused.
	Detached bool `json:"detached"`
}

// WithWriter sets the record output. The default is os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(e EmitterV1) error {
		if w == nil {
			return jsonlerrors.NewConfigError("writer cannot be nil", nil)
		}
		return e.SetWriter(w)
	}
}

// WithSinkPolicy configures buffering and backpressure.
func WithSinkPolicy(policy SinkPolicy) Option {
	return func(e EmitterV1) error {
		return e.SetSinkPolicy(policy)
	}
}

// WithDefaultVerbosity sets the level used when a call passes a negative one.
func WithDefaultVerbosity(level verbosity.Level) Option {
	return func(e EmitterV1) error {
		return e.SetDefaultVerbosity(level)
	}
}

// WithErrorObserver receives every isolated failure.
func WithErrorObserver(obs jsonlerrors.ErrorObserver) Option {
	return func(e EmitterV1) error {
		if obs == nil {
			return jsonlerrors.NewConfigError("error observer cannot be nil", nil)
		}
		return e.SetErrorObserver(obs)
	}
}

// WithDiagnosticRouter sets the destination of extracted diagnostics.
func WithDiagnosticRouter(router diagnostics.Router) Option {
	return func(e EmitterV1) error {
		if router == nil {
			return jsonlerrors.NewConfigError("diagnostic router cannot be nil", nil)
		}
		return e.SetDiagnosticRouter(router)
	}
}

// WithDiagnosticHandler is WithDiagnosticRouter for a plain callback.
func WithDiagnosticHandler(handler events.DiagnosticHandler) Option {
	return func(e EmitterV1) error {
		if handler == nil {
			return jsonlerrors.NewConfigError("diagnostic handler cannot be nil", nil)
		}
		return e.SetDiagnosticRouter(diagnostics.FuncRouter(handler))
	}
}

// WithActionWarnings controls whether warnings and deprecations are moved
// from results to the diagnostic channel. Enabled by default.
func WithActionWarnings(enabled bool) Option {
	return func(e EmitterV1) error {
		return e.SetActionWarnings(enabled)
	}
}

// WithRedactedKeywords replaces the keys whose values are masked.
func WithRedactedKeywords(keywords []string) Option {
	return func(e EmitterV1) error {
		return e.SetRedactedKeywords(keywords)
	}
}

// WithDenylist replaces the per-action keys removed from results.
func WithDenylist(denylist map[string][]string) Option {
	return func(e EmitterV1) error {
		return e.SetDenylist(denylist)
	}
}

// WithPalette sets the style hints. Empty entries keep the stock colors.
func WithPalette(palette serializer.Palette) Option {
	return func(e EmitterV1) error {
		return e.SetPalette(palette)
	}
}

// WithSecretsProvider loads the named secrets at construction and masks their
// values wherever they appear in results.
func WithSecretsProvider(provider secrets.Provider, keys ...string) Option {
	return func(e EmitterV1) error {
		if provider == nil {
			return jsonlerrors.NewConfigError("secrets provider cannot be nil", nil)
		}
		return e.SetSecretsProvider(provider, keys)
	}
}

// WithSecretTracker shares a tracker the engine fills with resolved secrets.
func WithSecretTracker(tracker *internalsecrets.SecretTracker) Option {
	return func(e EmitterV1) error {
		if tracker == nil {
			return jsonlerrors.NewConfigError("secret tracker cannot be nil", nil)
		}
		return e.SetSecretTracker(tracker)
	}
}

// WithMetricsRegistryProvider records metrics in the provider's registry.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) Option {
	return func(e EmitterV1) error {
		if provider == nil {
			return jsonlerrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		return e.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider wraps each emit call in a span.
func WithTracerProvider(provider tracing.TracerProvider) Option {
	return func(e EmitterV1) error {
		if provider == nil {
			return jsonlerrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return e.SetTracerProvider(provider)
	}
}
