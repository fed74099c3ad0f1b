package observability

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// exportedNamespaces lists the attribute key prefixes that leave the process.
// Keys outside them, user identifiers and payloads included, never do.
var exportedNamespaces = []string{
	"vmspace.", "workload.", "space.", "range.", "check.", "error.", "http.", "url.",
}

func exported(key attribute.Key) bool {
	if key == "error" {
		return true
	}

	return slices.ContainsFunc(exportedNamespaces, func(prefix string) bool {
		return strings.HasPrefix(string(key), prefix)
	})
}

// attributeFilter is a SpanProcessor that hands ended spans to next with
// the attributes outside exportedNamespaces removed.
type attributeFilter struct {
	next   sdktrace.SpanProcessor
	logger *slog.Logger
}

// NewAttributeFilter wraps next. When logger is non-nil every dropped key
// is reported at warn level.
func NewAttributeFilter(next sdktrace.SpanProcessor, logger *slog.Logger) sdktrace.SpanProcessor {
	return &attributeFilter{next: next, logger: logger}
}

func (f *attributeFilter) OnStart(parent context.Context, span sdktrace.ReadWriteSpan) {
	f.next.OnStart(parent, span)
}

func (f *attributeFilter) OnEnd(span sdktrace.ReadOnlySpan) {
	f.next.OnEnd(&strippedSpan{ReadOnlySpan: span, filter: f})
}

func (f *attributeFilter) Shutdown(ctx context.Context) error {
	if err := f.next.Shutdown(ctx); err != nil {
		return fmt.Errorf("span processor shutdown: %w", err)
	}

	return nil
}

func (f *attributeFilter) ForceFlush(ctx context.Context) error {
	if err := f.next.ForceFlush(ctx); err != nil {
		return fmt.Errorf("span processor flush: %w", err)
	}

	return nil
}

func (f *attributeFilter) drop(kv attribute.KeyValue) bool {
	if exported(kv.Key) {
		return false
	}

	if f.logger != nil {
		f.logger.Warn("observability: span attribute dropped", "key", string(kv.Key))
	}

	return true
}

// strippedSpan is the view of an ended span that the exporter sees.
type strippedSpan struct {
	sdktrace.ReadOnlySpan

	filter *attributeFilter
}

func (s *strippedSpan) Attributes() []attribute.KeyValue {
	return slices.DeleteFunc(slices.Clone(s.ReadOnlySpan.Attributes()), s.filter.drop)
}
