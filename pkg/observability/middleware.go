package observability

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// recordingWriter captures the response status. A handler that writes a
// body without calling WriteHeader answered 200.
type recordingWriter struct {
	http.ResponseWriter

	status int
}

func (rw *recordingWriter) WriteHeader(status int) {
	if rw.status == 0 {
		rw.status = status
	}

	rw.ResponseWriter.WriteHeader(status)
}

func (rw *recordingWriter) Write(body []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}

	return rw.ResponseWriter.Write(body) //nolint:wrapcheck // pass the writer's error through untouched
}

// HTTPMiddleware serves next inside a server span named "METHOD /path".
// Trace context in the request headers becomes the parent, and 5xx
// responses mark the span as failed.
func HTTPMiddleware(tracer trace.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

		ctx, span := tracer.Start(ctx, req.Method+" "+req.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(semconv.HTTPRequestMethodKey.String(req.Method), semconv.URLPath(req.URL.Path)),
		)
		defer span.End()

		recorder := &recordingWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}

		span.SetAttributes(semconv.HTTPResponseStatusCode(status))

		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}
