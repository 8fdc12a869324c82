package metrics

import (
	"errors"
	"time"

	jsonllog "github.com/gxo-labs/jsonl/pkg/jsonl/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the `reason` label of jsonl_events_dropped_total.
const (
	ReasonBlockTimeout  = "block_timeout"
	ReasonDropOldest    = "drop_oldest"
	ReasonSinkClosed    = "sink_closed"
	ReasonSerialization = "serialization"
	ReasonInvalidEvent  = "invalid_event"
)

// Collectors holds every jsonl collector. A nil *Collectors is valid and
// records nothing, so components never need to check.
type Collectors struct {
	eventsEmitted       *prometheus.CounterVec
	eventsDropped       *prometheus.CounterVec
	serializationErrors prometheus.Counter
	invalidEvents       prometheus.Counter
	sinkWriteErrors     prometheus.Counter
	diagnostics         *prometheus.CounterVec
	sinkBuffered        prometheus.Gauge
	sinkWriteDuration   prometheus.Histogram
	secretsRedacted     prometheus.Counter
}

// NewCollectors creates the collectors and registers them with reg. A nil
// registry yields nil. A collector that is already registered is reused, so
// several emitters can share one registry.
func NewCollectors(reg *prometheus.Registry, log jsonllog.Logger) *Collectors {
	if reg == nil {
		if log != nil {
			log.Warnf("Metrics registry is nil, skipping metrics initialization.")
		}
		return nil
	}

	c := &Collectors{}
	c.eventsEmitted = register(reg, log, prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jsonl_events_emitted_total", Help: "Total number of records accepted by the sink, by event type."},
		[]string{"type"},
	))
	c.eventsDropped = register(reg, log, prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jsonl_events_dropped_total", Help: "Total number of events dropped before reaching the output, by reason."},
		[]string{"reason"},
	))
	c.serializationErrors = register(reg, log, prometheus.NewCounter(
		prometheus.CounterOpts{Name: "jsonl_serialization_errors_total", Help: "Total number of events whose payload could not be serialized."},
	))
	c.invalidEvents = register(reg, log, prometheus.NewCounter(
		prometheus.CounterOpts{Name: "jsonl_invalid_events_total", Help: "Total number of malformed events rejected at the inbound boundary."},
	))
	c.sinkWriteErrors = register(reg, log, prometheus.NewCounter(
		prometheus.CounterOpts{Name: "jsonl_sink_write_errors_total", Help: "Total number of output writes that failed after all retries."},
	))
	c.diagnostics = register(reg, log, prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jsonl_diagnostics_total", Help: "Total number of diagnostics extracted from results, by severity."},
		[]string{"severity"},
	))
	c.sinkBuffered = register(reg, log, prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "jsonl_sink_buffered_records", Help: "Number of records waiting in the sink buffer."},
	))
	c.sinkWriteDuration = register(reg, log, prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "jsonl_sink_write_duration_seconds", Help: "Duration of individual record writes in seconds.", Buckets: prometheus.DefBuckets},
	))
	c.secretsRedacted = register(reg, log, prometheus.NewCounter(
		prometheus.CounterOpts{Name: "jsonl_secrets_redacted_total", Help: "Total number of values masked by the cleaner."},
	))
	if log != nil {
		log.Debugf("Prometheus metrics initialized and registered.")
	}
	return c
}

// register adds col to reg, returning the collector already registered under
// the same descriptor when there is one.
func register[T prometheus.Collector](reg *prometheus.Registry, log jsonllog.Logger, col T) T {
	err := reg.Register(col)
	if err == nil {
		return col
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			if log != nil {
				log.Debugf("Metric collector already registered, reusing it.")
			}
			return existing
		}
	}
	if log != nil {
		log.Warnf("Failed to register metric collector: %v", err)
	}
	return col
}

func (c *Collectors) Emitted(eventType string) {
	if c != nil {
		c.eventsEmitted.WithLabelValues(eventType).Inc()
	}
}

func (c *Collectors) Dropped(reason string) {
	if c != nil {
		c.eventsDropped.WithLabelValues(reason).Inc()
	}
}

func (c *Collectors) SerializationError() {
	if c != nil {
		c.serializationErrors.Inc()
	}
}

func (c *Collectors) InvalidEvent() {
	if c != nil {
		c.invalidEvents.Inc()
	}
}

func (c *Collectors) SinkWriteError() {
	if c != nil {
		c.sinkWriteErrors.Inc()
	}
}

func (c *Collectors) Diagnostic(severity string) {
	if c != nil {
		c.diagnostics.WithLabelValues(severity).Inc()
	}
}

func (c *Collectors) SetBuffered(n int) {
	if c != nil {
		c.sinkBuffered.Set(float64(n))
	}
}

func (c *Collectors) ObserveWrite(d time.Duration) {
	if c != nil {
		c.sinkWriteDuration.Observe(d.Seconds())
	}
}

func (c *Collectors) SecretsRedacted(n int) {
	if c != nil && n > 0 {
		c.secretsRedacted.Add(float64(n))
	}
}
