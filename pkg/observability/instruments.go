package observability

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// instruments creates the SpaceMetrics instruments on one meter and collects
// every creation error, so NewSpaceMetrics checks once at the end.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) track(name string, err error) {
	if err != nil {
		in.errs = append(in.errs, fmt.Errorf("instrument %s: %w", name, err))
	}
}

func (in *instruments) err() error { return errors.Join(in.errs...) }

// count is a monotonic Int64Counter.
func (in *instruments) count(name, desc, unit string) metric.Int64Counter {
	counter, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	in.track(name, err)

	return counter
}

// gauge is an Int64UpDownCounter, for totals that grow and shrink.
func (in *instruments) gauge(name, desc, unit string) metric.Int64UpDownCounter {
	counter, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	in.track(name, err)

	return counter
}

func (in *instruments) distribution(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	histogram, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	in.track(name, err)

	return histogram
}
