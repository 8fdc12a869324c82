package tracing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gxo-labs/jsonl/internal/logger"
	jsonllog "github.com/gxo-labs/jsonl/pkg/jsonl/v1/log"
	jsonltracing "github.com/gxo-labs/jsonl/pkg/jsonl/v1/tracing"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding/gzip"
)

const (
	defaultGRPCEndpoint = "localhost:4317"
	defaultHTTPEndpoint = "localhost:4318"
	defaultServiceName  = "jsonl"
	defaultTimeout      = 10 * time.Second
)

// OtelTracerProvider is either backed by the OpenTelemetry SDK with an OTLP
// exporter or by the NoOp provider.
type OtelTracerProvider struct {
	provider    trace.TracerProvider
	sdkProvider *sdktrace.TracerProvider
	log         jsonllog.Logger
}

// NewNoOpProvider returns a provider whose spans are discarded.
func NewNoOpProvider() *OtelTracerProvider {
	return &OtelTracerProvider{provider: noop.NewTracerProvider(), log: logger.NewDiscardLogger()}
}

// envLookup abstracts os.Getenv for tests.
type envLookup func(string) string

// NewProviderFromEnv builds a provider from the standard OTEL_* variables.
// Tracing stays off unless OTEL_EXPORTER_OTLP_ENDPOINT or
// OTEL_EXPORTER_OTLP_PROTOCOL is set, and OTEL_SDK_DISABLED=true always wins.
// Any configuration problem is logged and yields the NoOp provider, so the
// emitter never fails because tracing is misconfigured.
func NewProviderFromEnv(ctx context.Context, log jsonllog.Logger) *OtelTracerProvider {
	return newProvider(ctx, log, os.Getenv)
}

func newProvider(ctx context.Context, log jsonllog.Logger, getenv envLookup) *OtelTracerProvider {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	log = log.With("component", "Tracing")
	noopProvider := NewNoOpProvider()
	noopProvider.log = log

	if strings.EqualFold(strings.TrimSpace(getenv("OTEL_SDK_DISABLED")), "true") {
		log.Debugf("OpenTelemetry tracing disabled via OTEL_SDK_DISABLED.")
		return noopProvider
	}

	exporter, err := createExporter(ctx, log, getenv)
	if err != nil {
		log.Warnf("Failed to create OTLP exporter from environment, using NoOp tracer: %v", err)
		return noopProvider
	}
	if exporter == nil {
		log.Debugf("No OTLP endpoint configured, using NoOp tracer.")
		return noopProvider
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName(getenv))),
		resource.WithProcess(), resource.WithOS(), resource.WithHost(),
	)
	if err != nil {
		log.Warnf("Failed to detect OTel resource, using default: %v", err)
		res = resource.Default()
	}

	sdkTP := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	log.Infof("OpenTelemetry SDK tracer provider configured.")
	return &OtelTracerProvider{provider: sdkTP, sdkProvider: sdkTP, log: log}
}

// createExporter returns nil, nil when tracing is not requested.
func createExporter(ctx context.Context, log jsonllog.Logger, getenv envLookup) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	protocol := strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL")))
	if endpoint == "" && protocol == "" {
		return nil, nil
	}
	if protocol == "" {
		protocol = "grpc"
	}

	headers := parseHeaders(getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	timeout := parseTimeout(getenv("OTEL_EXPORTER_OTLP_TIMEOUT"), defaultTimeout)
	gzipped := strings.EqualFold(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_COMPRESSION")), "gzip")
	insecure := isInsecure(getenv("OTEL_EXPORTER_OTLP_INSECURE"), getenv("OTEL_EXPORTER_OTLP_TRACES_INSECURE"))

	switch protocol {
	case "grpc":
		if endpoint == "" {
			endpoint = defaultGRPCEndpoint
		}
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(stripScheme(endpoint)),
			otlptracegrpc.WithHeaders(headers),
			otlptracegrpc.WithTimeout(timeout),
		}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
		}
		if gzipped {
			opts = append(opts, otlptracegrpc.WithCompressor(gzip.Name))
		}
		log.Debugf("Configuring OTLP gRPC exporter (endpoint=%s, insecure=%t, gzip=%t)", endpoint, insecure, gzipped)
		return otlptracegrpc.New(ctx, opts...)

	case "http", "http/protobuf":
		if endpoint == "" {
			endpoint = defaultHTTPEndpoint
		}
		path := getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
		if path == "" {
			path = "/v1/traces"
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(stripScheme(endpoint)),
			otlptracehttp.WithURLPath(path),
			otlptracehttp.WithHeaders(headers),
			otlptracehttp.WithTimeout(timeout),
		}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if gzipped {
			opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
		}
		log.Debugf("Configuring OTLP HTTP exporter (endpoint=%s%s, insecure=%t, gzip=%t)", endpoint, path, insecure, gzipped)
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", protocol)
	}
}

// GetTracer returns a tracer from the SDK or NoOp provider.
func (p *OtelTracerProvider) GetTracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if p == nil || p.provider == nil {
		return noop.NewTracerProvider().Tracer(name, opts...)
	}
	return p.provider.Tracer(name, opts...)
}

// Shutdown flushes buffered spans. It is a no-op for the NoOp provider.
func (p *OtelTracerProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdkProvider == nil {
		return nil
	}
	if err := p.sdkProvider.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warnf("Error shutting down OTel tracer provider: %v", err)
		return err
	}
	p.log.Debugf("OpenTelemetry tracing shut down.")
	return nil
}

// IsEffectivelyNoOp reports whether spans are discarded.
func (p *OtelTracerProvider) IsEffectivelyNoOp() bool {
	return p == nil || p.sdkProvider == nil
}

func serviceName(getenv envLookup) string {
	if name := strings.TrimSpace(getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return defaultServiceName
}

func stripScheme(endpoint string) string {
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(endpoint, scheme) {
			return strings.TrimPrefix(endpoint, scheme)
		}
	}
	return endpoint
}

// parseHeaders converts "k1=v1,k2=v2" into a map. Malformed pairs are skipped.
func parseHeaders(headerStr string) map[string]string {
	headers := make(map[string]string)
	if headerStr == "" {
		return headers
	}
	for _, pair := range strings.Split(headerStr, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if ok && key != "" {
			headers[key] = strings.TrimSpace(val)
		}
	}
	return headers
}

// parseTimeout accepts integer milliseconds or a Go duration.
func parseTimeout(timeoutStr string, fallback time.Duration) time.Duration {
	timeoutStr = strings.TrimSpace(timeoutStr)
	if timeoutStr == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(timeoutStr, 10, 64); err == nil {
		if ms < 0 {
			return fallback
		}
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(timeoutStr); err == nil && d >= 0 {
		return d
	}
	return fallback
}

func isInsecure(flags ...string) bool {
	for _, flag := range flags {
		if strings.EqualFold(strings.TrimSpace(flag), "true") {
			return true
		}
	}
	return false
}

var _ jsonltracing.TracerProvider = (*OtelTracerProvider)(nil)
