package observability_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Sumatoshi-tech/vmspace/pkg/observability"
)

func spanAttrs(span tracetest.SpanStub) map[string]attribute.Value {
	attrs := map[string]attribute.Value{}

	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value
	}

	return attrs
}

func TestAttributeFilterKeepsAllowList(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer

	exporter := tracetest.NewInMemoryExporter()
	filter := observability.NewAttributeFilter(sdktrace.NewSimpleSpanProcessor(exporter),
		slog.New(slog.NewTextHandler(&logs, nil)))
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(filter))

	_, span := tp.Tracer("test").Start(context.Background(), "vmspace.workload.replay")
	span.SetAttributes(
		attribute.String("workload.name", "boot"),
		attribute.Int64("range.start", 0x7000_0000_0000),
		attribute.String("error.type", "exhausted"),
		attribute.String("user.email", "dev@example.com"),
		attribute.String("email", "dev@example.com"),
		attribute.String("hostname", "builder"),
	)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	attrs := spanAttrs(spans[0])
	assert.Len(t, attrs, 3)
	assert.Equal(t, "boot", attrs["workload.name"].AsString())
	assert.NotContains(t, attrs, "user.email")
	assert.NotContains(t, attrs, "hostname")
	assert.Contains(t, logs.String(), "hostname")

	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestFilteringTracerProviderDropsOpSpans(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	tracer := observability.NewFilteringTracerProvider(tp).Tracer("vmspace")

	ctx, run := tracer.Start(context.Background(), "vmspace.workload.replay")
	_, op := tracer.Start(ctx, observability.SpanWorkloadOp)
	op.End()
	run.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "vmspace.workload.replay", spans[0].Name)
}
