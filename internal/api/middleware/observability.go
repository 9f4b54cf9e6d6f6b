package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// unmatchedRoute labels requests no route accepted, keeping raw paths out of
// metric labels.
const unmatchedRoute = "unmatched"

// ObservabilityMiddleware traces each request and records request metrics
// under the route pattern the mux matched. Prompt routes also carry the
// prompt id on the span.
func ObservabilityMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := observability.StartSpan(r.Context(), "HTTP "+r.Method)
			defer span.End()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			// The mux records the matched pattern on the request it is given.
			req := r.WithContext(ctx)
			start := time.Now()
			next.ServeHTTP(rw, req)
			duration := time.Since(start)

			route := req.Pattern
			if route == "" {
				route = unmatchedRoute
			}
			span.SetName(route)

			attrs := []attribute.KeyValue{
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", rw.statusCode),
			}
			if id, err := strconv.ParseInt(req.PathValue("id"), 10, 64); err == nil {
				attrs = append(attrs, attribute.Int64("prompt.id", id))
			}
			if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
				attrs = append(attrs, attribute.String("http.request_id", requestID))
			}
			observability.SetSpanAttributes(span, attrs...)
			if rw.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			}

			observability.RecordRequestMetric(ctx, metrics, r.Method, route, rw.statusCode, duration)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps prompt event streams working through the wrapper.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
