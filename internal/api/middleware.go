package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sandboxbroker/sandboxd/internal/apierr"
	"github.com/sandboxbroker/sandboxd/internal/logging"
	"github.com/sandboxbroker/sandboxd/internal/metrics"
)

// requireAPIKey rejects requests whose X-API-Key header doesn't match the
// configured secret, in constant time.
func requireAPIKey(apiKey string) func(http.Handler) http.Handler {
	want := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("X-API-Key"))
			if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, apierr.New(apierr.Unauthorized, "missing or invalid X-API-Key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one line per request with the chi request ID, route,
// status, and latency, and feeds the HTTP metrics.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		reqLog := logging.WithRequestID(middleware.GetReqID(r.Context()))

		next.ServeHTTP(ww, r)

		route := routePattern(r)
		elapsed := time.Since(start)
		metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		metrics.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		reqLog.Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("http request")
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}
