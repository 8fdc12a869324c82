package emitter

import (
	"fmt"
	"io"

	"github.com/gxo-labs/jsonl/internal/diagnostics"
	"github.com/gxo-labs/jsonl/internal/secrets"
	"github.com/gxo-labs/jsonl/internal/serializer"
	"github.com/gxo-labs/jsonl/internal/sink"
	"github.com/gxo-labs/jsonl/internal/verbosity"
	jsonl "github.com/gxo-labs/jsonl/pkg/jsonl/v1"
	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	jsonlmetrics "github.com/gxo-labs/jsonl/pkg/jsonl/v1/metrics"
	jsonlsecrets "github.com/gxo-labs/jsonl/pkg/jsonl/v1/secrets"
	jsonltracing "github.com/gxo-labs/jsonl/pkg/jsonl/v1/tracing"
)

func (e *Emitter) checkMutable(setting string) error {
	if e.built {
		return jsonlerrors.NewConfigError(fmt.Sprintf("cannot change %s after the emitter is built", setting), nil)
	}
	return nil
}

// SetWriter sets the record output.
func (e *Emitter) SetWriter(w io.Writer) error {
	if err := e.checkMutable("writer"); err != nil {
		return err
	}
	if w == nil {
		return jsonlerrors.NewConfigError("writer cannot be nil", nil)
	}
	e.out = w
	return nil
}

// SetSinkPolicy sets buffering and backpressure.
func (e *Emitter) SetSinkPolicy(policy jsonl.SinkPolicy) error {
	if err := e.checkMutable("sink policy"); err != nil {
		return err
	}
	backpressure, err := sink.ParseBackpressure(policy.BackpressurePolicy)
	if err != nil {
		return err
	}
	cfg := sink.Config{
		Capacity:        policy.BufferCapacity,
		Policy:          backpressure,
		BlockTimeout:    policy.BlockTimeout,
		DrainTimeout:    policy.DrainTimeout,
		WriteAttempts:   policy.WriteAttempts,
		WriteRetryDelay: policy.WriteRetryDelay,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.sinkConfig = cfg
	return nil
}

// SetDefaultVerbosity sets the level used for negative call levels.
func (e *Emitter) SetDefaultVerbosity(level verbosity.Level) error {
	if err := e.checkMutable("default verbosity"); err != nil {
		return err
	}
	lvl, err := verbosity.ParseLevel(int(level))
	if err != nil {
		return err
	}
	e.defaultLevel = lvl
	return nil
}

// SetErrorObserver replaces the default logging observer.
func (e *Emitter) SetErrorObserver(obs jsonlerrors.ErrorObserver) error {
	if err := e.checkMutable("error observer"); err != nil {
		return err
	}
	e.userObserver = obs
	return nil
}

// SetDiagnosticRouter sets where extracted diagnostics go.
func (e *Emitter) SetDiagnosticRouter(router diagnostics.Router) error {
	if err := e.checkMutable("diagnostic router"); err != nil {
		return err
	}
	if router == nil {
		return jsonlerrors.NewConfigError("diagnostic router cannot be nil", nil)
	}
	e.router = router
	return nil
}

// SetActionWarnings toggles warning and deprecation extraction.
func (e *Emitter) SetActionWarnings(enabled bool) error {
	if err := e.checkMutable("action warnings"); err != nil {
		return err
	}
	e.actionWarnings = enabled
	return nil
}

// SetRedactedKeywords replaces the masked key names. A nil slice restores the
// defaults; an empty one disables keyword masking.
func (e *Emitter) SetRedactedKeywords(keywords []string) error {
	if err := e.checkMutable("redacted keywords"); err != nil {
		return err
	}
	if keywords == nil {
		e.keywords = nil
		return nil
	}
	e.keywords = append([]string{}, keywords...)
	return nil
}

// SetDenylist replaces the per-action denylist. A nil map restores the defaults.
func (e *Emitter) SetDenylist(denylist map[string][]string) error {
	if err := e.checkMutable("denylist"); err != nil {
		return err
	}
	if denylist == nil {
		e.denylist = nil
		return nil
	}
	e.denylist = make(map[string][]string, len(denylist))
	for action, keys := range denylist {
		e.denylist[action] = append([]string(nil), keys...)
	}
	return nil
}

// SetPalette sets the style hints, keeping stock colors for empty entries.
func (e *Emitter) SetPalette(palette serializer.Palette) error {
	if err := e.checkMutable("palette"); err != nil {
		return err
	}
	e.palette = palette.Merge(serializer.DefaultPalette())
	return nil
}

// SetSecretsProvider loads keys from provider into the secret tracker at build.
func (e *Emitter) SetSecretsProvider(provider jsonlsecrets.Provider, keys []string) error {
	if err := e.checkMutable("secrets provider"); err != nil {
		return err
	}
	if provider == nil {
		return jsonlerrors.NewConfigError("secrets provider cannot be nil", nil)
	}
	e.secretsProvider = provider
	e.secretKeys = append([]string(nil), keys...)
	return nil
}

// SetSecretTracker shares an engine-owned tracker.
func (e *Emitter) SetSecretTracker(tracker *secrets.SecretTracker) error {
	if err := e.checkMutable("secret tracker"); err != nil {
		return err
	}
	if tracker == nil {
		return jsonlerrors.NewConfigError("secret tracker cannot be nil", nil)
	}
	e.tracker = tracker
	return nil
}

// SetMetricsRegistryProvider sets where metrics are registered.
func (e *Emitter) SetMetricsRegistryProvider(provider jsonlmetrics.RegistryProvider) error {
	if err := e.checkMutable("metrics registry provider"); err != nil {
		return err
	}
	if provider == nil {
		return jsonlerrors.NewConfigError("metrics registry provider cannot be nil", nil)
	}
	e.metricsProvider = provider
	return nil
}

// SetTracerProvider sets the provider of emit spans.
func (e *Emitter) SetTracerProvider(provider jsonltracing.TracerProvider) error {
	if err := e.checkMutable("tracer provider"); err != nil {
		return err
	}
	if provider == nil {
		return jsonlerrors.NewConfigError("tracer provider cannot be nil", nil)
	}
	e.tracerProvider = provider
	return nil
}
