// Package observability wires OpenTelemetry tracing and metrics and the
// structured logger used by the vmspace commands.
package observability

import (
	"log/slog"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// AppMode identifies which command is running.
type AppMode string

const (
	// ModeCLI covers short commands such as version.
	ModeCLI AppMode = "cli"
	// ModeSimulate replays a workload file.
	ModeSimulate AppMode = "simulate"
	// ModeCheck runs the randomized model checks.
	ModeCheck AppMode = "check"
)

const (
	defaultServiceName        = "vmspace"
	defaultShutdownTimeoutSec = 5
)

// Config holds all observability configuration.
type Config struct {
	// ServiceName is the OTel resource service name.
	ServiceName string

	// ServiceVersion is the version of the running binary.
	ServiceVersion string

	// Environment is the deployment environment, e.g. "ci" or "dev".
	Environment string

	// Mode identifies how the binary was launched.
	Mode AppMode

	// OTLPEndpoint is the OTLP gRPC collector address. Empty disables export.
	OTLPEndpoint string

	// OTLPHeaders are extra gRPC metadata headers for the exporters.
	OTLPHeaders map[string]string

	// OTLPInsecure disables TLS for the collector connection.
	OTLPInsecure bool

	// DebugTrace forces full sampling.
	DebugTrace bool

	// SampleRatio is the root sampling ratio when DebugTrace is off.
	SampleRatio float64

	// LogLevel controls the minimum slog severity.
	LogLevel slog.Level

	// TraceVerbose keeps per-operation workload spans.
	TraceVerbose bool

	// LogJSON switches the log handler to JSON.
	LogJSON bool

	// ShutdownTimeoutSec bounds the flush on shutdown.
	ShutdownTimeoutSec int

	// MetricReader, when set, is attached to the meter provider next to the
	// OTLP exporter. The prometheus scrape endpoint uses it.
	MetricReader sdkmetric.Reader
}

// DefaultConfig returns a Config for zero-config startup.
func DefaultConfig() Config {
	return Config{
		ServiceName:        defaultServiceName,
		Mode:               ModeCLI,
		LogLevel:           slog.LevelInfo,
		ShutdownTimeoutSec: defaultShutdownTimeoutSec,
	}
}
