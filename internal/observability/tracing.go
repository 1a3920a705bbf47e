package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/wsn-deployment-simulator/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Resource attribute keys identifying a deployment run.
const (
	AttrRunID   = attribute.Key("wsn.run.id")
	AttrRunSeed = attribute.Key("wsn.run.seed")
	AttrRunMode = attribute.Key("wsn.run.mode")
)

const defaultOTLPEndpoint = "localhost:4317"

// RunAttributes tag every span of a run so traces from repeated runs of the
// same scenario can be told apart and replayed by seed.
type RunAttributes struct {
	ID   string
	Seed uint64
	Mode string
}

func (r RunAttributes) keyValues() []attribute.KeyValue {
	kv := []attribute.KeyValue{AttrRunSeed.String(strconv.FormatUint(r.Seed, 10))}
	if r.ID != "" {
		kv = append(kv, AttrRunID.String(r.ID))
	}
	if r.Mode != "" {
		kv = append(kv, AttrRunMode.String(r.Mode))
	}
	return kv
}

// TracingConfig selects the span exporter and sampling for a run.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // otlp collector, host:port
	SampleRatio float64
	// Writer receives stdout-exporter output. Nil means os.Stderr, which
	// keeps spans out of the JSON summary the CLI writes to stdout.
	Writer io.Writer
	Run    RunAttributes
}

// TracingConfigFromEnv reads WSN_TRACING_ENABLED, WSN_TRACING_EXPORTER,
// WSN_TRACING_SERVICE_NAME, WSN_TRACING_SAMPLE_RATIO and WSN_OTLP_ENDPOINT.
// Run attributes are left for the caller.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("WSN_TRACING_ENABLED"), "true"),
		ServiceName: envOr("WSN_TRACING_SERVICE_NAME", "wsn-sim"),
		Exporter:    strings.ToLower(envOr("WSN_TRACING_EXPORTER", "stdout")),
		Endpoint:    os.Getenv("WSN_OTLP_ENDPOINT"),
		SampleRatio: 1,
	}
	if raw := os.Getenv("WSN_TRACING_SAMPLE_RATIO"); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewTracerProvider builds a provider exporting to exp, sampled by
// cfg.SampleRatio and carrying the service and run attributes as its
// resource. It does not install the provider globally.
func NewTracerProvider(ctx context.Context, cfg TracingConfig, exp sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "wsn"),
	}, cfg.Run.keyValues()...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

// InitTracing installs the global tracer provider and propagators for one
// run. The returned function flushes and stops the exporter.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp, err := NewTracerProvider(ctx, cfg, exp)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("run_id", cfg.Run.ID),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}

// ShutdownWithTimeout gives shutdown five seconds and logs a failure
// instead of returning it.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
