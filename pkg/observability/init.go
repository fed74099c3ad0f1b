package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	instrumentationName = "vmspace"

	envSampler    = "OTEL_TRACES_SAMPLER"
	envSamplerArg = "OTEL_TRACES_SAMPLER_ARG"
)

// envSamplers maps OTEL_TRACES_SAMPLER values to samplers. The ratio comes
// from OTEL_TRACES_SAMPLER_ARG and is ignored by the fixed ones.
var envSamplers = map[string]func(ratio float64) sdktrace.Sampler{
	"always_on":  func(float64) sdktrace.Sampler { return sdktrace.AlwaysSample() },
	"always_off": func(float64) sdktrace.Sampler { return sdktrace.NeverSample() },

	"traceidratio": sdktrace.TraceIDRatioBased,

	"parentbased_always_on": func(float64) sdktrace.Sampler {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	},
	"parentbased_always_off": func(float64) sdktrace.Sampler {
		return sdktrace.ParentBased(sdktrace.NeverSample())
	},
	"parentbased_traceidratio": func(ratio float64) sdktrace.Sampler {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	},
}

// Providers is what a command needs to emit telemetry.
type Providers struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Logger writes to stderr and stamps records with the active span.
	Logger *slog.Logger

	// Shutdown flushes the exporters, bounded by Config.ShutdownTimeoutSec.
	Shutdown func(ctx context.Context) error
}

type closer func(ctx context.Context) error

func nothingToClose(context.Context) error { return nil }

// Init installs the global tracer and meter providers for one command run.
// Without an OTLP endpoint tracing is a no-op, and so is metering unless a
// MetricReader is configured.
func Init(ctx context.Context, cfg Config) (Providers, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return Providers{}, err
	}

	target := collectorFrom(cfg)

	tracerProvider, closeTraces, err := newTracing(ctx, cfg, target, res)
	if err != nil {
		return Providers{}, err
	}

	meterProvider, closeMetrics, err := newMetering(ctx, cfg, target, res)
	if err != nil {
		return Providers{}, errors.Join(err, closeTraces(ctx))
	}

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	timeout := time.Duration(cfg.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultShutdownTimeoutSec * time.Second
	}

	return Providers{
		Tracer: tracerProvider.Tracer(instrumentationName),
		Meter:  meterProvider.Meter(instrumentationName),
		Logger: slog.New(NewTracingHandler(logHandler(os.Stderr, cfg), cfg.ServiceName, cfg.Environment, cfg.Mode)),
		Shutdown: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			return errors.Join(closeTraces(ctx), closeMetrics(ctx))
		},
	}, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}

	if cfg.Mode != "" {
		attrs = append(attrs, attribute.String("app.mode", string(cfg.Mode)))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	return res, nil
}

// collector is the OTLP gRPC endpoint shared by the trace and metric
// exporters.
type collector struct {
	endpoint string
	insecure bool
	headers  map[string]string
}

func collectorFrom(cfg Config) collector {
	return collector{endpoint: cfg.OTLPEndpoint, insecure: cfg.OTLPInsecure, headers: cfg.OTLPHeaders}
}

func (c collector) enabled() bool { return c.endpoint != "" }

func (c collector) traceExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.endpoint)}
	if c.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	if len(c.headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(c.headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter for %s: %w", c.endpoint, err)
	}

	return exporter, nil
}

func (c collector) metricExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(c.endpoint)}
	if c.insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	if len(c.headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(c.headers))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter for %s: %w", c.endpoint, err)
	}

	return exporter, nil
}

// newTracing exports allow-listed span attributes through a batcher. Unless
// TraceVerbose is set, per-operation workload spans are dropped up front.
func newTracing(
	ctx context.Context, cfg Config, target collector, res *resource.Resource,
) (trace.TracerProvider, closer, error) {
	if !target.enabled() {
		return nooptrace.NewTracerProvider(), nothingToClose, nil
	}

	exporter, err := target.traceExporter(ctx)
	if err != nil {
		return nil, nil, err
	}

	var dropped *slog.Logger
	if cfg.DebugTrace {
		dropped = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}

	sdkProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg)),
		sdktrace.WithSpanProcessor(NewAttributeFilter(sdktrace.NewBatchSpanProcessor(exporter), dropped)),
	)

	if cfg.TraceVerbose {
		return sdkProvider, sdkProvider.Shutdown, nil
	}

	return NewFilteringTracerProvider(sdkProvider), sdkProvider.Shutdown, nil
}

// sampler picks, in order: DebugTrace, OTEL_TRACES_SAMPLER, SampleRatio,
// then parent-based always-on.
func sampler(cfg Config) sdktrace.Sampler {
	if cfg.DebugTrace {
		return sdktrace.AlwaysSample()
	}

	if build, ok := envSamplers[os.Getenv(envSampler)]; ok {
		return build(samplerRatio(os.Getenv(envSamplerArg)))
	}

	if cfg.SampleRatio > 0 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	return sdktrace.ParentBased(sdktrace.AlwaysSample())
}

// samplerRatio reads OTEL_TRACES_SAMPLER_ARG, sampling everything when it is
// unset or unparsable.
func samplerRatio(arg string) float64 {
	ratio, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil {
		return 1
	}

	return ratio
}

// newMetering attaches the configured reader and, with a collector, a
// periodic OTLP reader.
func newMetering(
	ctx context.Context, cfg Config, target collector, res *resource.Resource,
) (metric.MeterProvider, closer, error) {
	var readers []sdkmetric.Reader

	if cfg.MetricReader != nil {
		readers = append(readers, cfg.MetricReader)
	}

	if target.enabled() {
		exporter, err := target.metricExporter(ctx)
		if err != nil {
			return nil, nil, err
		}

		readers = append(readers, sdkmetric.NewPeriodicReader(exporter))
	}

	if len(readers) == 0 {
		return noopmetric.NewMeterProvider(), nothingToClose, nil
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, reader := range readers {
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	provider := sdkmetric.NewMeterProvider(opts...)

	return provider, provider.Shutdown, nil
}

func logHandler(out io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogJSON {
		return slog.NewJSONHandler(out, opts)
	}

	return slog.NewTextHandler(out, opts)
}

// ParseOTLPHeaders reads "key=value" pairs separated by commas, the format
// of OTEL_EXPORTER_OTLP_HEADERS. Pairs without "=" are skipped. The result
// is nil when nothing parses.
func ParseOTLPHeaders(raw string) map[string]string {
	var headers map[string]string

	for pair := range strings.SplitSeq(raw, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}

		if headers == nil {
			headers = map[string]string{}
		}

		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return headers
}
