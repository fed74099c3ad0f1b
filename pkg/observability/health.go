package observability

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

const (
	healthStatusOK          = "ok"
	healthStatusUnavailable = "unavailable"
)

// ReadyCheck reports whether a subsystem can serve.
type ReadyCheck func(ctx context.Context) error

// HealthHandler answers 200 {"status":"ok"} while the process is up.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		writeStatus(rw, http.StatusOK, healthStatusOK)
	})
}

// ReadyHandler answers 503 {"status":"unavailable"} when any check fails and
// 200 {"status":"ok"} otherwise.
func ReadyHandler(checks ...ReadyCheck) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		for _, check := range checks {
			if check(hr.Context()) != nil {
				writeStatus(rw, http.StatusServiceUnavailable, healthStatusUnavailable)

				return
			}
		}

		writeStatus(rw, http.StatusOK, healthStatusOK)
	})
}

// NewMetricsMux routes /metrics, /healthz and /readyz, each wrapped in a
// request span.
func NewMetricsMux(tracer trace.Tracer, metrics http.Handler, checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", HTTPMiddleware(tracer, metrics))
	mux.Handle("/healthz", HTTPMiddleware(tracer, HealthHandler()))
	mux.Handle("/readyz", HTTPMiddleware(tracer, ReadyHandler(checks...)))

	return mux
}

func writeStatus(rw http.ResponseWriter, code int, status string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)

	// The client may already be gone; nothing useful to do on error.
	_ = json.NewEncoder(rw).Encode(map[string]string{"status": status})
}
