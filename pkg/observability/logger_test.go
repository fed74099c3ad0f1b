package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/vmspace/pkg/observability"
)

const (
	testTraceID = "0102030405060708090a0b0c0d0e0f10"
	testSpanID  = "0102030405060708"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var record map[string]any

	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	return record
}

func TestTracingHandlerInjectsTraceContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(observability.NewTracingHandler(inner, "vmspace", "ci", observability.ModeSimulate))

	traceID, err := trace.TraceIDFromHex(testTraceID)
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex(testSpanID)
	require.NoError(t, err)

	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	logger.InfoContext(ctx, "vmspace: alloc")

	record := decodeRecord(t, &buf)
	assert.Equal(t, testTraceID, record["trace_id"])
	assert.Equal(t, testSpanID, record["span_id"])
	assert.Equal(t, "vmspace", record["service"])
	assert.Equal(t, "ci", record["env"])
	assert.Equal(t, "simulate", record["mode"])
}

func TestTracingHandlerWithoutSpan(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(observability.NewTracingHandler(inner, "vmspace", "", observability.ModeCheck))

	logger.Info("check: seed done")

	record := decodeRecord(t, &buf)
	assert.NotContains(t, record, "trace_id")
	assert.NotContains(t, record, "env")
	assert.Equal(t, "check", record["mode"])
}

func TestTracingHandlerGroupsKeepServiceAtTop(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(observability.NewTracingHandler(inner, "vmspace", "", observability.ModeCLI)).
		WithGroup("space").With("name", "init")

	logger.Info("vmspace: boot")

	record := decodeRecord(t, &buf)
	assert.Equal(t, "vmspace", record["service"])
	assert.Equal(t, map[string]any{"name": "init"}, record["space"])
}

func TestTracingHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(observability.NewTracingHandler(inner, "vmspace", "", observability.ModeCLI))

	logger.Info("dropped")
	assert.Zero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for text, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := observability.ParseLevel(text)
		require.NoError(t, err)
		assert.Equal(t, want, got, text)
	}

	_, err := observability.ParseLevel("loud")
	require.ErrorIs(t, err, observability.ErrInvalidLogLevel)
}
