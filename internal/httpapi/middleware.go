package httpapi

import (
	"net/http"
	"time"

	"github.com/sawpanic/marketwarehouse/internal/observability"
)

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// traceMiddleware stamps every request with a trace id, echoed in the
// response header and carried into the request-scoped logger.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := observability.NewTraceID()
		w.Header().Set("X-Trace-Id", traceID)
		ctx := withTraceID(r.Context(), traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware records request latency into both the Prometheus
// histogram and the in-memory rolling-window collector, and logs the
// outcome at request scope.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		elapsed := time.Since(start)

		statusClass := statusClassOf(wrapped.statusCode)
		s.metrics.RequestDuration.WithLabelValues(r.URL.Path, statusClass).Observe(elapsed.Seconds())
		s.metrics.RequestsTotal.WithLabelValues(r.URL.Path, statusClass).Inc()
		s.collector.Record(r.URL.Path, elapsed, wrapped.statusCode >= 500)

		traceLog := observability.WithTrace(s.log, traceIDFrom(r.Context()))
		traceLog.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("elapsed", elapsed).
			Msg("http request")
	})
}

func statusClassOf(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// corsMiddleware allows permissive cross-origin GET access for the public
// read endpoints; admin writes still require the API key regardless of
// origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAPIKey enforces the X-API-Key header on admin routes, auditing
// every attempt per spec.md §7 (auth failures are always audited).
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.Header.Get("X-API-Key")

		outcome := func(keyID *string, allowed bool) {
			o := typesAuditDenied
			if allowed {
				o = typesAuditAllowed
			}
			_ = s.store.Audit(ctx, auditEntry(keyID, r.URL.Path, o, r.RemoteAddr))
		}

		if key == "" {
			outcome(nil, false)
			unauthorized(w, "missing X-API-Key header")
			return
		}

		keyID, ok, err := s.store.Validate(ctx, key)
		if err != nil {
			s.log.Error().Err(err).Msg("api key validation failed")
			internalError(w, "internal error validating api key")
			return
		}
		if !ok {
			outcome(nil, false)
			unauthorized(w, "invalid or revoked api key")
			return
		}

		outcome(&keyID, true)
		next.ServeHTTP(w, r)
	})
}
