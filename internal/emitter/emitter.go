// Package emitter composes the cleaning, extraction, verbosity, serialization
// and sink stages behind the jsonl.EmitterV1 call surface.
package emitter

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gxo-labs/jsonl/internal/cleaner"
	"github.com/gxo-labs/jsonl/internal/diagnostics"
	"github.com/gxo-labs/jsonl/internal/logger"
	"github.com/gxo-labs/jsonl/internal/metrics"
	"github.com/gxo-labs/jsonl/internal/secrets"
	"github.com/gxo-labs/jsonl/internal/serializer"
	"github.com/gxo-labs/jsonl/internal/sink"
	"github.com/gxo-labs/jsonl/internal/tracing"
	"github.com/gxo-labs/jsonl/internal/verbosity"
	jsonl "github.com/gxo-labs/jsonl/pkg/jsonl/v1"
	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
	jsonllog "github.com/gxo-labs/jsonl/pkg/jsonl/v1/log"
	jsonlmetrics "github.com/gxo-labs/jsonl/pkg/jsonl/v1/metrics"
	jsonlsecrets "github.com/gxo-labs/jsonl/pkg/jsonl/v1/secrets"
	jsonltracing "github.com/gxo-labs/jsonl/pkg/jsonl/v1/tracing"
	"go.opentelemetry.io/otel/trace"
)

// Emitter implements jsonl.EmitterV1. It is safe for concurrent use once New
// has returned.
type Emitter struct {
	log   jsonllog.Logger
	built bool

	// Settings, fixed at construction.
	out             io.Writer
	sinkConfig      sink.Config
	defaultLevel    verbosity.Level
	userObserver    jsonlerrors.ErrorObserver
	router          diagnostics.Router
	actionWarnings  bool
	keywords        []string
	denylist        map[string][]string
	palette         serializer.Palette
	tracker         *secrets.SecretTracker
	secretsProvider jsonlsecrets.Provider
	secretKeys      []string
	metricsProvider jsonlmetrics.RegistryProvider
	tracerProvider  jsonltracing.TracerProvider

	// Pipeline, built from the settings.
	cleaner    *cleaner.Cleaner
	serializer *serializer.Serializer
	sink       *sink.Sink
	metrics    *metrics.Collectors
	tracer     trace.Tracer
	sequencer  *events.Sequencer
	producerID string

	playMu   sync.RWMutex
	lastPlay string
	tally    *tally

	emitted       atomic.Int64
	invalidEvents atomic.Int64
	serialErrors  atomic.Int64
	diagnostics   atomic.Int64
}

var _ jsonl.EmitterV1 = (*Emitter)(nil)

// New creates an emitter and starts its sink. Options are applied in order;
// the first failing option aborts construction.
func New(log jsonllog.Logger, opts ...jsonl.Option) (*Emitter, error) {
	if log == nil {
		return nil, jsonlerrors.NewConfigError("logger cannot be nil", nil)
	}
	e := &Emitter{
		log:             log.With("component", "Emitter"),
		out:             os.Stdout,
		router:          diagnostics.NewNoOpRouter(),
		actionWarnings:  true,
		palette:         serializer.DefaultPalette(),
		tracker:         secrets.NewSecretTracker(),
		metricsProvider: metrics.NewPrometheusRegistryProvider(),
		tracerProvider:  tracing.NewNoOpProvider(),
		sequencer:       events.NewSequencer(),
		tally:           newTally(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, jsonlerrors.NewConfigError("failed to apply emitter option", err)
		}
	}
	if err := e.build(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Emitter) build() error {
	if e.secretsProvider != nil && len(e.secretKeys) > 0 {
		n, err := secrets.TrackFromProvider(context.Background(), e.secretsProvider, e.tracker, e.secretKeys)
		if err != nil {
			return jsonlerrors.NewConfigError("failed to load secrets", err)
		}
		e.log.Debugf("Tracking %d secret value(s) from provider.", n)
	}

	e.cleaner = cleaner.New(cleaner.Config{
		Denylist:         e.denylist,
		RedactedKeywords: e.keywords,
		Tracker:          e.tracker,
	})
	e.serializer = serializer.New(serializer.WithPalette(e.palette))
	e.metrics = metrics.NewCollectors(e.metricsProvider.Registry(), e.log)
	e.tracer = e.tracerProvider.GetTracer(tracing.TracerName)
	e.producerID = uuid.NewString()

	s, err := sink.New(e.out, e.sinkConfig, e.log,
		sink.WithErrorObserver(e.observe),
		sink.WithCollectors(e.metrics),
		sink.WithSecretTracker(e.tracker),
	)
	if err != nil {
		return err
	}
	e.sink = s
	e.sink.Start(context.Background())
	e.built = true

	cfg := s.Config()
	e.log.Debugf("Emitter ready (producer=%s, capacity=%d, policy=%s, verbosity=%d, action_warnings=%t)",
		e.producerID, cfg.Capacity, cfg.Policy, e.defaultLevel, e.actionWarnings)
	return nil
}

// observe is the single funnel for isolated failures.
func (e *Emitter) observe(err error) {
	if err == nil {
		return
	}
	if e.userObserver != nil {
		e.userObserver(err)
		return
	}
	switch {
	case jsonlerrors.IsSinkWrite(err), jsonlerrors.IsSerialization(err):
		e.log.Log(slog.LevelError, "Event pipeline error", logger.ErrorAttrs(err)...)
	default:
		e.log.Log(slog.LevelWarn, "Event dropped", logger.ErrorAttrs(err)...)
	}
}

// Stats returns a snapshot of the counters.
func (e *Emitter) Stats() jsonl.Stats {
	st := e.sink.Stats()
	return jsonl.Stats{
		Emitted:             e.emitted.Load(),
		InvalidEvents:       e.invalidEvents.Load(),
		SerializationErrors: e.serialErrors.Load(),
		Diagnostics:         e.diagnostics.Load(),
		Buffered:            st.Buffered,
		Written:             st.Written,
		Dropped:             st.Dropped,
		Discarded:           st.Discarded,
		Degraded:            st.Degraded,
	}
}

// Close drains the sink. Events emitted afterwards are dropped and reported.
func (e *Emitter) Close(ctx context.Context) jsonl.DrainReport {
	return drainReport(e.sink.Close(ctx))
}

// Abort discards everything still buffered.
func (e *Emitter) Abort() jsonl.DrainReport {
	return drainReport(e.sink.Abort())
}

func drainReport(r sink.DrainReport) jsonl.DrainReport {
	return jsonl.DrainReport{
		Written:   r.Written,
		Dropped:   r.Dropped,
		Discarded: r.Discarded,
		TimedOut:  r.TimedOut,
		Aborted:   r.Aborted,
		Detached:  r.Detached,
	}
}

// MetricsRegistryProvider returns the provider holding the emitter metrics.
func (e *Emitter) MetricsRegistryProvider() jsonlmetrics.RegistryProvider {
	return e.metricsProvider
}

// TracerProvider returns the provider used for emit spans.
func (e *Emitter) TracerProvider() jsonltracing.TracerProvider {
	return e.tracerProvider
}
