package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Sumatoshi-tech/vmspace/pkg/observability"
)

const (
	testSpace  = "init"
	testPolicy = "first-fit"
	testStart  = 0x7000_0000_0000
	testPage   = 0x1000
)

var errPartial = errors.New("partial")

func setupMetrics(t *testing.T) (*observability.SpaceMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	sm, err := observability.NewSpaceMetrics(mp.Meter("test"))
	require.NoError(t, err)

	return sm, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for idx := range rm.ScopeMetrics {
		for midx := range rm.ScopeMetrics[idx].Metrics {
			if rm.ScopeMetrics[idx].Metrics[midx].Name == name {
				return &rm.ScopeMetrics[idx].Metrics[midx]
			}
		}
	}

	return nil
}

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	found := findMetric(rm, name)
	require.NotNil(t, found, name)

	sum, ok := found.Data.(metricdata.Sum[int64])
	require.True(t, ok, name)

	total := int64(0)
	for _, point := range sum.DataPoints {
		total += point.Value
	}

	return total
}

func TestSpaceMetricsAllocAndFree(t *testing.T) {
	t.Parallel()

	sm, reader := setupMetrics(t)
	ctx := context.Background()

	sm.RecordAlloc(ctx, testSpace, testPolicy, testStart, 2*testPage)
	sm.RecordAlloc(ctx, testSpace, testPolicy, testStart+2*testPage, testPage)
	sm.RecordReserve(ctx, testSpace, testPage)
	sm.RecordFree(ctx, testSpace, 2, 3*testPage, nil)

	rm := collect(t, reader)
	assert.Equal(t, int64(2), sumValue(t, rm, observability.MetricAllocsTotal))
	assert.Equal(t, int64(2), sumValue(t, rm, observability.MetricFreesTotal))
	assert.Equal(t, int64(testPage), sumValue(t, rm, observability.MetricBytesInUse))
	assert.Equal(t, int64(1), sumValue(t, rm, observability.MetricRangesInUse))

	hist, ok := findMetric(rm, observability.MetricAllocSize).Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
}

func TestSpaceMetricsFailures(t *testing.T) {
	t.Parallel()

	sm, reader := setupMetrics(t)
	ctx := context.Background()

	sm.RecordAlloc(ctx, testSpace, testPolicy, 0, testPage)
	sm.RecordFree(ctx, testSpace, 0, 0, errPartial)

	rm := collect(t, reader)
	assert.Equal(t, int64(1), sumValue(t, rm, observability.MetricExhaustedTotal))
	assert.Equal(t, int64(1), sumValue(t, rm, observability.MetricFreeErrorsTotal))
	assert.Nil(t, findMetric(rm, observability.MetricAllocsTotal))
}

func TestSpaceMetricsHibernate(t *testing.T) {
	t.Parallel()

	sm, reader := setupMetrics(t)
	sm.RecordHibernate(context.Background(), 3*time.Millisecond)

	hist, ok := findMetric(collect(t, reader), observability.MetricHibernateTime).Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.InDelta(t, 0.003, hist.DataPoints[0].Sum, 1e-9)
}
