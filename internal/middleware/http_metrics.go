package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"
)

// knownRoutes are the static routes served by the API. Anything else is
// reported as "other" to keep label cardinality bounded.
var knownRoutes = map[string]bool{
	"/location":                    true,
	"/location/active":             true,
	"/location/position":           true,
	"/location/suggestion/accept":  true,
	"/location/suggestion/dismiss": true,
	"/location/prefetch":           true,
	"/location/invalidate":         true,
	"/location/cache":              true,
	"/location/catalog/reload":     true,
	"/location/events":             true,
	"/session":                     true,
	"/health":                      true,
	"/ready":                       true,
	"/metrics":                     true,
}

func normalizePath(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "other"
}

func isProbe(path string) bool {
	return path == "/health" || path == "/ready"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijack(mrw.ResponseWriter)
}

func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// HTTPMetrics records request duration, sizes and counts. Health probes are
// excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isProbe(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
