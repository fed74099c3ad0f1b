package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MetricAllocsTotal     = "vmspace.allocs.total"
	MetricExhaustedTotal  = "vmspace.allocs.exhausted.total"
	MetricFreesTotal      = "vmspace.frees.total"
	MetricFreeErrorsTotal = "vmspace.frees.errors.total"
	MetricBytesInUse      = "vmspace.bytes.in_use"
	MetricRangesInUse     = "vmspace.ranges.in_use"
	MetricAllocSize       = "vmspace.alloc.size.bytes"
	MetricHibernateTime   = "vmspace.hibernate.duration.seconds"

	attrPolicy = "policy"
	attrSpace  = "space"
)

// allocSizeBoundaries run from one page to 16 TiB in powers of 16.
var allocSizeBoundaries = []float64{
	1 << 12, 1 << 16, 1 << 20, 1 << 24, 1 << 28, 1 << 32, 1 << 36, 1 << 40, 1 << 44,
}

var hibernateBoundaries = []float64{0.0001, 0.001, 0.01, 0.1, 1, 10}

// SpaceMetrics holds the allocator instruments.
type SpaceMetrics struct {
	allocs        metric.Int64Counter
	exhausted     metric.Int64Counter
	frees         metric.Int64Counter
	freeErrors    metric.Int64Counter
	bytesInUse    metric.Int64UpDownCounter
	rangesInUse   metric.Int64UpDownCounter
	allocSize     metric.Float64Histogram
	hibernateTime metric.Float64Histogram
}

// NewSpaceMetrics creates the allocator instruments on mt.
func NewSpaceMetrics(mt metric.Meter) (*SpaceMetrics, error) {
	in := &instruments{meter: mt}

	sm := &SpaceMetrics{
		allocs:        in.count(MetricAllocsTotal, "Successful range allocations", "{range}"),
		exhausted:     in.count(MetricExhaustedTotal, "Allocations that found no fitting gap", "{range}"),
		frees:         in.count(MetricFreesTotal, "Ranges released", "{range}"),
		freeErrors:    in.count(MetricFreeErrorsTotal, "Rejected release requests", "{request}"),
		bytesInUse:    in.gauge(MetricBytesInUse, "Bytes held by allocated ranges", "By"),
		rangesInUse:   in.gauge(MetricRangesInUse, "Allocated ranges", "{range}"),
		allocSize:     in.distribution(MetricAllocSize, "Page-rounded allocation size", "By", allocSizeBoundaries),
		hibernateTime: in.distribution(MetricHibernateTime, "Time to hibernate a registry", "s", hibernateBoundaries),
	}

	if err := in.err(); err != nil {
		return nil, err
	}

	return sm, nil
}

// RecordAlloc records one Alloc call. A zero start means the window was
// exhausted.
func (sm *SpaceMetrics) RecordAlloc(ctx context.Context, space, policy string, start, size uint64) {
	attrs := metric.WithAttributes(attribute.String(attrSpace, space), attribute.String(attrPolicy, policy))

	if start == 0 {
		sm.exhausted.Add(ctx, 1, attrs)

		return
	}

	sm.allocs.Add(ctx, 1, attrs)
	sm.allocSize.Record(ctx, float64(size), attrs)
	sm.bytesInUse.Add(ctx, int64(size), metric.WithAttributes(attribute.String(attrSpace, space))) //nolint:gosec // sizes fit the window
	sm.rangesInUse.Add(ctx, 1, metric.WithAttributes(attribute.String(attrSpace, space)))
}

// RecordReserve records a fixed range added without a search.
func (sm *SpaceMetrics) RecordReserve(ctx context.Context, space string, size uint64) {
	attrs := metric.WithAttributes(attribute.String(attrSpace, space))

	sm.bytesInUse.Add(ctx, int64(size), attrs) //nolint:gosec // sizes fit the window
	sm.rangesInUse.Add(ctx, 1, attrs)
}

// RecordFree records one Free call that released ranges ranges totalling
// released bytes, or failed with err.
func (sm *SpaceMetrics) RecordFree(ctx context.Context, space string, ranges int, released uint64, err error) {
	attrs := metric.WithAttributes(attribute.String(attrSpace, space))

	if err != nil {
		sm.freeErrors.Add(ctx, 1, attrs)

		return
	}

	sm.frees.Add(ctx, int64(ranges), attrs)
	sm.bytesInUse.Add(ctx, -int64(released), attrs) //nolint:gosec // sizes fit the window
	sm.rangesInUse.Add(ctx, -int64(ranges), attrs)
}

// RecordHibernate records how long a registry-wide hibernation took.
func (sm *SpaceMetrics) RecordHibernate(ctx context.Context, duration time.Duration) {
	sm.hibernateTime.Record(ctx, duration.Seconds())
}
