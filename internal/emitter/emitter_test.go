package emitter_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/gxo-labs/jsonl/internal/emitter"
	"github.com/gxo-labs/jsonl/internal/logger"
	"github.com/gxo-labs/jsonl/internal/metrics"
	"github.com/gxo-labs/jsonl/internal/secrets"
	"github.com/gxo-labs/jsonl/internal/serializer"
	"github.com/gxo-labs/jsonl/internal/verbosity"
	jsonl "github.com/gxo-labs/jsonl/pkg/jsonl/v1"
	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type harness struct {
	e     *emitter.Emitter
	out   *bytes.Buffer
	mu    sync.Mutex
	errs  []error
	diags []events.Diagnostic
}

func newHarness(t *testing.T, opts ...jsonl.Option) *harness {
	t.Helper()
	h := &harness{out: &bytes.Buffer{}}
	base := []jsonl.Option{
		jsonl.WithWriter(h.out),
		jsonl.WithErrorObserver(func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.errs = append(h.errs, err)
		}),
		jsonl.WithDiagnosticHandler(func(d events.Diagnostic) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.diags = append(h.diags, d)
		}),
	}
	e, err := emitter.New(logger.NewDiscardLogger(), append(base, opts...)...)
	require.NoError(t, err)
	h.e = e
	return h
}

// lines closes the emitter and returns the decoded output records.
func (h *harness) lines(t *testing.T) []value.Mapping {
	t.Helper()
	h.e.Close(context.Background())
	var out []value.Mapping
	for _, line := range strings.Split(strings.TrimSuffix(h.out.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		m, err := serializer.Decode([]byte(line))
		require.NoError(t, err, "line %q", line)
		out = append(out, m)
	}
	return out
}

func (h *harness) observed() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func task(name, host, state string, result value.Mapping) events.TaskResult {
	return events.TaskResult{TaskName: name, Host: host, State: events.State(state), Result: result}
}

func TestEmitter_GoldenTaskLine(t *testing.T) {
	h := newHarness(t)
	h.e.TaskResult(task("install pkg", "web1", "changed", value.Mapping{"rc": value.Int(0)}), 0)
	h.e.Close(context.Background())

	assert.Equal(t, `{"type":"task","name":"install pkg","host":"web1","state":"changed","result":{"rc":0}}`+"\n", h.out.String())
	assert.Empty(t, h.observed())
	stats := h.e.Stats()
	assert.Equal(t, int64(1), stats.Emitted)
	assert.Equal(t, int64(1), stats.Written)
}

func TestEmitter_NamesAreTrimmed(t *testing.T) {
	h := newHarness(t)
	h.e.HandlerStart(events.HandlerStart{Name: "  restart nginx \n"}, 0)
	h.e.Close(context.Background())
	assert.Equal(t, `{"type":"handler","name":"restart nginx"}`+"\n", h.out.String())
}

func TestEmitter_CleansResults(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	tracker.Add("hunter2")
	h := newHarness(t, jsonl.WithSecretTracker(tracker))

	h.e.TaskResult(events.TaskResult{
		TaskName: "show", Host: "web1", State: events.StateOK, Action: "debug",
		Result: value.Mapping{
			"msg":                     value.String("login with hunter2"),
			"changed":                 value.Bool(false),
			"_ansible_no_log":         value.Bool(false),
			"_ansible_verbose_always": value.Bool(true),
			"db":                      value.Mapping{"Password": value.String("x")},
		},
	}, 0)

	recs := h.lines(t)
	require.Len(t, recs, 1)
	result := recs[0]["result"].(value.Mapping)
	assert.Equal(t, []string{"db", "msg"}, result.Keys())
	assert.Equal(t, value.String(secretMask), result["msg"])
	assert.Equal(t, value.String("[REDACTED]"), result["db"].(value.Mapping)["Password"])
}

const secretMask = "[REDACTED_SECRET]"

func TestEmitter_NoLogCensors(t *testing.T) {
	h := newHarness(t)
	h.e.TaskResult(task("secret", "web1", "changed", value.Mapping{
		"_ansible_no_log": value.Bool(true),
		"changed":         value.Bool(true),
		"stdout":          value.String("classified"),
	}), 0)

	recs := h.lines(t)
	require.Len(t, recs, 1)
	result := recs[0]["result"].(value.Mapping)
	assert.Equal(t, []string{"censored", "changed"}, result.Keys())
	assert.NotContains(t, h.out.String(), "classified")
}

func TestEmitter_WarningsGoToDiagnosticChannel(t *testing.T) {
	h := newHarness(t)
	h.e.TaskResult(task("t", "web1", "ok", value.Mapping{
		"warnings": value.Sequence{value.String("a"), value.String("b")},
		"x":        value.Int(1),
	}), 0)

	recs := h.lines(t)
	require.Len(t, recs, 1)
	result := recs[0]["result"].(value.Mapping)
	assert.Equal(t, []string{"x"}, result.Keys())

	require.Len(t, h.diags, 2)
	assert.Equal(t, "a", h.diags[0].Message)
	assert.Equal(t, "b", h.diags[1].Message)
	assert.Equal(t, events.SeverityWarning, h.diags[0].Severity)
	assert.Equal(t, "web1", h.diags[0].Host)
	assert.Equal(t, "t", h.diags[0].Task)
	assert.NotEmpty(t, h.diags[0].Producer)
	assert.Equal(t, int64(2), h.e.Stats().Diagnostics)
}

func TestEmitter_ActionWarningsDisabled(t *testing.T) {
	h := newHarness(t, jsonl.WithActionWarnings(false))
	h.e.TaskResult(task("t", "web1", "ok", value.Mapping{"warnings": value.Sequence{value.String("a")}}), 0)

	recs := h.lines(t)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0]["result"].(value.Mapping), "warnings")
	assert.Empty(t, h.diags)
}

func TestEmitter_SkippedResultsKeepWarnings(t *testing.T) {
	h := newHarness(t)
	h.e.TaskResult(task("t", "web1", "skipped", value.Mapping{"warnings": value.Sequence{value.String("a")}}), 0)

	recs := h.lines(t)
	assert.Contains(t, recs[0]["result"].(value.Mapping), "warnings")
	assert.Empty(t, h.diags)
}

func TestEmitter_ExceptionByVerbosity(t *testing.T) {
	traceback := "Traceback (most recent call last):\n  File \"x.py\", line 1\nValueError: boom"

	t.Run("summary keeps key", func(t *testing.T) {
		h := newHarness(t)
		h.e.TaskResult(task("t", "web1", "failed", value.Mapping{"exception": value.String(traceback)}), 0)
		recs := h.lines(t)
		assert.Contains(t, recs[0]["result"].(value.Mapping), "exception")
		require.Len(t, h.diags, 1)
		assert.Equal(t, events.SeverityError, h.diags[0].Severity)
		assert.True(t, strings.HasSuffix(h.diags[0].Message, "The error was: ValueError: boom"))
	})

	t.Run("full traceback removes key", func(t *testing.T) {
		h := newHarness(t)
		h.e.TaskResult(task("t", "web1", "unreachable", value.Mapping{"exception": value.String(traceback)}), verbosity.Traceback)
		recs := h.lines(t)
		assert.NotContains(t, recs[0]["result"].(value.Mapping), "exception")
		require.Len(t, h.diags, 1)
		assert.Equal(t, "The full traceback is:\n"+traceback, h.diags[0].Message)
	})
}

func TestEmitter_VerbosityGatesOptionalFields(t *testing.T) {
	h := newHarness(t)
	ev := task("t", "web1", "ok", nil)
	ev.CheckMode = events.Bool(true)
	h.e.TaskResult(ev, 0)
	h.e.TaskResult(ev, verbosity.Detail)
	h.e.PlayStart(events.PlayStart{Name: "p", Vars: value.Mapping{"api_key": value.String("k"), "env": value.String("prod")}}, 0)
	h.e.PlayStart(events.PlayStart{Name: "p", Vars: value.Mapping{"api_key": value.String("k"), "env": value.String("prod")}}, verbosity.Detail)

	recs := h.lines(t)
	require.Len(t, recs, 4)
	assert.NotContains(t, recs[0], "check_mode")
	assert.Equal(t, value.Bool(true), recs[1]["check_mode"])
	assert.NotContains(t, recs[2], "vars")
	vars := recs[3]["vars"].(value.Mapping)
	assert.Equal(t, value.String("[REDACTED]"), vars["api_key"])
	assert.Equal(t, value.String("prod"), vars["env"])
}

func TestEmitter_NegativeLevelUsesDefault(t *testing.T) {
	h := newHarness(t, jsonl.WithDefaultVerbosity(verbosity.Detail))
	ev := task("t", "web1", "ok", nil)
	ev.CheckMode = events.Bool(false)
	h.e.TaskResult(ev, -1)

	recs := h.lines(t)
	assert.Equal(t, value.Bool(false), recs[0]["check_mode"])
}

func TestEmitter_InvalidEventIsReportedAndDropped(t *testing.T) {
	h := newHarness(t)
	h.e.TaskResult(task("t", "  ", "ok", nil), 0)
	h.e.TaskResult(task("t", "web1", "exploded", nil), 0)

	assert.Empty(t, h.lines(t))
	errs := h.observed()
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.True(t, jsonlerrors.IsInvalidEvent(err), "%v", err)
	}
	assert.Equal(t, int64(2), h.e.Stats().InvalidEvents)
}

func TestEmitter_CycleIsReportedAndPipelineContinues(t *testing.T) {
	h := newHarness(t)
	loop := value.Mapping{}
	loop["self"] = loop
	h.e.TaskResult(task("bad", "web1", "ok", value.Mapping{"loop": loop}), 0)
	h.e.TaskResult(task("good", "web1", "ok", nil), 0)

	recs := h.lines(t)
	require.Len(t, recs, 1)
	assert.Equal(t, value.String("good"), recs[0]["name"])

	errs := h.observed()
	require.Len(t, errs, 1)
	assert.True(t, jsonlerrors.IsSerialization(errs[0]))
	assert.Contains(t, errs[0].Error(), "cyclic")
	assert.Equal(t, int64(1), h.e.Stats().SerializationErrors)
}

func TestEmitter_PerProducerOrder(t *testing.T) {
	const producers, perProducer = 6, 150
	h := newHarness(t, jsonl.WithSinkPolicy(jsonl.SinkPolicy{BufferCapacity: 8}))

	var g errgroup.Group
	for i := 0; i < producers; i++ {
		p := h.e.Producer(fmt.Sprintf("worker-%d", i))
		g.Go(func() error {
			for n := 0; n < perProducer; n++ {
				p.TaskResult(task(fmt.Sprintf("step %d", n), p.ID(), "ok", nil), 0)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	recs := h.lines(t)
	require.Len(t, recs, producers*perProducer)
	next := map[value.Value]int{}
	for _, rec := range recs {
		host := rec["host"]
		assert.Equal(t, value.String(fmt.Sprintf("step %d", next[host])), rec["name"])
		next[host]++
	}
}

func TestEmitter_ProducerIDs(t *testing.T) {
	h := newHarness(t)
	p := h.e.Producer("")
	assert.Len(t, p.ID(), 36, "generated ids are UUIDs")
	assert.Equal(t, "w1", h.e.Producer("w1").ID())
}

func TestEmitter_TalliedRecap(t *testing.T) {
	h := newHarness(t)
	h.e.TaskResult(task("a", "web1", "ok", nil), 0)
	h.e.TaskResult(task("b", "web1", "changed", nil), 0)
	h.e.TaskResult(task("c", "web1", "failed", nil), 0)
	ignored := task("d", "web2", "failed", nil)
	ignored.IgnoreErrors = true
	h.e.TaskResult(ignored, 0)
	h.e.TaskResult(task("e", "web2", "failed", value.Mapping{"_ansible_ignore_errors": value.Bool(true)}), 0)
	h.e.TaskResult(task("f", "db1", "unreachable", nil), 0)
	h.e.TaskResult(task("g", "db1", "skipped", nil), 0)
	h.e.EmitTalliedRecap(0)
	h.e.Close(context.Background())

	lines := strings.Split(strings.TrimSuffix(h.out.String(), "\n"), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, `{"type":"play_recap","hosts":{`+
		`"db1":{"ok":0,"changed":0,"unreachable":1,"failed":0,"skipped":1,"rescued":0,"ignored":0},`+
		`"web1":{"ok":2,"changed":1,"unreachable":0,"failed":1,"skipped":0,"rescued":0,"ignored":0},`+
		`"web2":{"ok":2,"changed":0,"unreachable":0,"failed":0,"skipped":0,"rescued":0,"ignored":2}}}`, lines[7])
	assert.NotContains(t, lines[4], "_ansible_ignore_errors", "bookkeeping keys are cleaned")
}

func TestEmitter_TalliedRecapSkipsDroppedResults(t *testing.T) {
	h := newHarness(t)
	loop := value.Mapping{}
	loop["self"] = loop
	h.e.TaskResult(task("bad", "web1", "failed", value.Mapping{"loop": loop}), 0)
	h.e.TaskResult(task("good", "web1", "ok", nil), 0)
	h.e.TaskResult(task("", "web2", "ok", nil), 0)
	h.e.EmitTalliedRecap(0)

	recs := h.lines(t)
	require.Len(t, recs, 2)
	hosts := recs[1]["hosts"].(value.Mapping)
	require.Equal(t, []string{"web1"}, hosts.Keys(), "invalid results are not tallied")
	web1 := hosts["web1"].(value.Mapping)
	assert.True(t, value.Equal(value.Int(1), web1["ok"]))
	assert.True(t, value.Equal(value.Int(0), web1["failed"]), "a result dropped at serialization is not tallied")
}

func TestEmitter_NoHostsMatched(t *testing.T) {
	h := newHarness(t)
	h.e.NoHostsMatched(0)
	h.e.PlayStart(events.PlayStart{Name: "deploy"}, 0)
	h.e.Producer("w").NoHostsMatched(0)
	h.e.Close(context.Background())

	assert.Equal(t,
		`{"type":"skip_play","reason":"no hosts matched","play_name":""}`+"\n"+
			`{"type":"play","name":"deploy"}`+"\n"+
			`{"type":"skip_play","reason":"no hosts matched","play_name":"deploy"}`+"\n",
		h.out.String())
}

func TestEmitter_EmitAfterCloseIsReported(t *testing.T) {
	h := newHarness(t)
	h.e.Close(context.Background())
	h.e.HandlerStart(events.HandlerStart{Name: "late"}, 0)

	errs := h.observed()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], jsonlerrors.ErrSinkClosed)
	assert.Equal(t, int64(1), h.e.Stats().Dropped)
}

func TestEmitter_PanickingObserverDoesNotEscape(t *testing.T) {
	var out bytes.Buffer
	e, err := emitter.New(logger.NewDiscardLogger(),
		jsonl.WithWriter(&out),
		jsonl.WithErrorObserver(func(error) { panic("observer bug") }),
		jsonl.WithDiagnosticHandler(func(events.Diagnostic) { panic("handler bug") }),
	)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		e.TaskResult(task("t", "", "ok", nil), 0)
		e.TaskResult(task("t", "web1", "ok", value.Mapping{"warnings": value.String("w")}), 0)
	})
	e.Close(context.Background())
}

func TestEmitter_SettersAfterBuildFail(t *testing.T) {
	h := newHarness(t)
	err := h.e.SetWriter(&bytes.Buffer{})
	require.Error(t, err)
	var cfgErr *jsonlerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Error(t, h.e.SetActionWarnings(false))
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := emitter.New(nil)
	assert.Error(t, err)

	_, err = emitter.New(logger.NewDiscardLogger(), jsonl.WithSinkPolicy(jsonl.SinkPolicy{BackpressurePolicy: "drop_new"}))
	assert.Error(t, err)

	_, err = emitter.New(logger.NewDiscardLogger(), jsonl.WithDefaultVerbosity(-2))
	assert.Error(t, err)

	_, err = emitter.New(logger.NewDiscardLogger(), jsonl.WithWriter(nil))
	assert.Error(t, err)
}

func TestEmitter_SecretsProvider(t *testing.T) {
	t.Setenv("JSONL_TEST_TOKEN", "s3cr3t-value")
	h := newHarness(t, jsonl.WithSecretsProvider(secrets.NewEnvProvider(), "JSONL_TEST_TOKEN"))
	h.e.TaskResult(task("t", "web1", "ok", value.Mapping{"stdout": value.String("got s3cr3t-value back")}), 0)

	h.lines(t)
	assert.NotContains(t, h.out.String(), "s3cr3t-value")
	assert.Contains(t, h.out.String(), secretMask)
}

func TestEmitter_Metrics(t *testing.T) {
	provider := metrics.NewPrometheusRegistryProvider()
	h := newHarness(t, jsonl.WithMetricsRegistryProvider(provider))
	h.e.TaskResult(task("t", "web1", "ok", value.Mapping{"warnings": value.String("w")}), 0)
	h.e.TaskResult(task("t", "", "ok", nil), 0)
	h.lines(t)

	families, err := provider.Registry().Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				got[mf.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, got["jsonl_events_emitted_total"])
	assert.Equal(t, 1.0, got["jsonl_invalid_events_total"])
	assert.Equal(t, 1.0, got["jsonl_diagnostics_total"])
	assert.Equal(t, 1.0, got["jsonl_events_dropped_total"])
	assert.Same(t, provider, h.e.MetricsRegistryProvider())
}

type recordingProvider struct{ tp *sdktrace.TracerProvider }

func (p recordingProvider) GetTracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return p.tp.Tracer(name, opts...)
}

func (p recordingProvider) Shutdown(ctx context.Context) error { return p.tp.Shutdown(ctx) }

func TestEmitter_EmitSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	provider := recordingProvider{tp: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))}
	h := newHarness(t, jsonl.WithTracerProvider(provider))

	h.e.Producer("w1").HandlerStart(events.HandlerStart{Name: "restart"}, 0)
	h.lines(t)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "jsonl.emit", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "handler", attrs["jsonl.event.type"])
	assert.Equal(t, "w1", attrs["jsonl.producer"])
	assert.Equal(t, "0", attrs["jsonl.sequence"])
}
