package workload_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Sumatoshi-tech/vmspace/internal/workload"
	"github.com/Sumatoshi-tech/vmspace/pkg/config"
	"github.com/Sumatoshi-tech/vmspace/pkg/observability"
	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

const (
	smallWindow = vmspace.Addr(0x100000)
	testBase    = vmspace.DefaultBase
)

func registryFor(t *testing.T, wl *workload.Workload) *vmspace.Registry {
	t.Helper()

	cfg := config.Default()
	wl.Window.Apply(&cfg.Window)

	registry, err := cfg.NewRegistry(slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	return registry
}

func replay(t *testing.T, name string, opts workload.Options) (*workload.Report, *vmspace.Registry) {
	t.Helper()

	wl, err := workload.Load(filepath.Join("testdata", name))
	require.NoError(t, err)

	registry := registryFor(t, wl)

	report, err := workload.NewRunner(registry, opts).Run(context.Background(), wl)
	require.NoError(t, err)

	return report, registry
}

func TestReplayFirstGap(t *testing.T) {
	t.Parallel()

	report, _ := replay(t, "first_gap.yaml", workload.Options{})

	for _, failure := range report.Failures() {
		t.Errorf("op %d %s: %s", failure.Index, failure.Op, failure.Reason)
	}

	assert.True(t, report.Passed())
	require.Len(t, report.Spaces, 1)

	space := report.Spaces[0]
	assert.Equal(t, workload.DefaultProcess, space.Name)
	assert.Equal(t, vmspace.Window{Base: testBase, Size: smallWindow}, space.Window)
	assert.Equal(t, smallWindow, space.InUse)
	assert.Empty(t, space.Gaps)
	assert.NoError(t, space.Valid)
}

func TestReplayProcesses(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	reader := sdkmetric.NewManualReader()
	metrics, err := observability.NewSpaceMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	report, registry := replay(t, "processes.yaml", workload.Options{Tracer: tp.Tracer("test"), Metrics: metrics})

	for _, failure := range report.Failures() {
		t.Errorf("op %d %s: %s", failure.Index, failure.Op, failure.Reason)
	}

	assert.True(t, report.Passed())
	assert.Equal(t, []string{workload.DefaultProcess}, registry.Names())
	require.Len(t, report.Spaces, 1)
	assert.Equal(t, 1, report.Spaces[0].Mappings)

	// The repeated alloc adds two results.
	assert.Len(t, report.Results, 16)

	spans := exporter.GetSpans()
	require.NotEmpty(t, spans)
	assert.Equal(t, "vmspace.workload.replay", spans[len(spans)-1].Name)
	assert.Equal(t, observability.SpanWorkloadOp, spans[0].Name)
}

func TestReplayReportsUnmetExpectations(t *testing.T) {
	t.Parallel()

	wl, err := workload.Parse([]byte(`name: wrong
ops:
  - op: alloc
    size: "0x1000"
    expect: base+0x1000
  - op: free
    addr: base+0x8000
    size: "0x1000"
  - op: lookup
    addr: base
    expect: none
  - op: reserve
    addr: base
    size: "0x1000"
    expect_error: misaligned
`))
	require.NoError(t, err)

	report, err := workload.NewRunner(registryFor(t, wl), workload.Options{}).Run(context.Background(), wl)
	require.NoError(t, err)

	failures := report.Failures()
	require.Len(t, failures, 4)
	assert.Contains(t, failures[0].Reason, "want 0x700000001000, got 0x700000000000")
	require.ErrorIs(t, failures[1].Err, vmspace.ErrNotAllocated)
	assert.Contains(t, failures[2].Reason, "want no range")
	assert.Contains(t, failures[3].Reason, "want misaligned error")
	assert.False(t, report.Passed())
}

func TestReplayStopsOnBadExpression(t *testing.T) {
	t.Parallel()

	wl, err := workload.Parse([]byte(`name: broken
ops:
  - op: alloc
    size: "0x1000"
  - op: free
    addr: $missing
`))
	require.NoError(t, err)

	report, err := workload.NewRunner(registryFor(t, wl), workload.Options{}).Run(context.Background(), wl)
	require.ErrorIs(t, err, workload.ErrUnknownLabel)
	assert.Len(t, report.Results, 1)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"no ops", "name: x\nops: []\n"},
		{"unknown op", "name: x\nops:\n  - op: compact\n"},
		{"alloc without size", "name: x\nops:\n  - op: alloc\n"},
		{"fork without child", "name: x\nops:\n  - op: fork\n"},
		{"bad perm", "name: x\nops:\n  - op: map\n    size: 1\n    perm: rwq\n"},
		{"unknown field", "name: x\nops:\n  - op: boot\n    when: later\n"},
		{"bad error kind", "name: x\nops:\n  - op: boot\n    expect_error: oops\n"},
		{"bad policy", "name: x\nwindow:\n  policy: best-fit\nops:\n  - op: boot\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := workload.Parse([]byte(tt.doc))
			require.ErrorIs(t, err, workload.ErrInvalidWorkload)
		})
	}
}

func TestParseAcceptsIntegers(t *testing.T) {
	t.Parallel()

	wl, err := workload.Parse([]byte("name: ints\nops:\n  - op: alloc\n    size: 4096\n    expect: 0\n"))
	require.NoError(t, err)
	require.Len(t, wl.Ops, 1)
	assert.Equal(t, "4096", wl.Ops[0].Size)
	assert.Equal(t, "0", wl.Ops[0].Expect)
	assert.Equal(t, workload.DefaultProcess, wl.Ops[0].ProcessName())
	assert.Equal(t, "alloc size=4096", wl.Ops[0].String())
}

func TestWindowOverrideApply(t *testing.T) {
	t.Parallel()

	window := config.Default().Window
	override := &workload.WindowOverride{Size: "1MiB", Policy: "next-fit"}
	override.Apply(&window)

	assert.Equal(t, "1MiB", window.Size)
	assert.Equal(t, "next-fit", window.Policy)
	assert.Equal(t, config.DefaultWindowBase, window.Base)

	var none *workload.WindowOverride
	none.Apply(&window)
	assert.Equal(t, "1MiB", window.Size)
}
