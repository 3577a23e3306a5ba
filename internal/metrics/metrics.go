// Package metrics holds the Prometheus instrumentation for refreshes,
// merges and the HTTP API. Metrics register with the default registry at
// init and are exposed by Handler at GET /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh results.
const (
	ResultOK           = "ok"
	ResultFetchError   = "fetch_error"
	ResultParseError   = "parse_error"
	ResultStorageError = "storage_error"
	ResultLocked       = "locked"
)

// RefreshTotal counts scope refreshes by result.
var RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "epgvault_refresh_total",
	Help: "Scope refreshes by result.",
}, []string{"result"})

// RefreshDuration tracks wall time of a scope refresh, fetch included.
var RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "epgvault_refresh_duration_seconds",
	Help:    "Scope refresh duration in seconds.",
	Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
})

// FetchBytes counts bytes downloaded from providers.
var FetchBytes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "epgvault_fetch_bytes_total",
	Help: "Bytes of XMLTV downloaded from providers.",
})

// MergedChannels counts merged channels by kind (new, updated).
var MergedChannels = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "epgvault_merged_channels_total",
	Help: "Channels written by merges, by kind.",
}, []string{"kind"})

// MergedProgrammes counts programmes inserted by merges.
var MergedProgrammes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "epgvault_merged_programmes_total",
	Help: "Programmes inserted by merges.",
})

// HTTPRequests counts API requests by method, route pattern and status.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "epgvault_http_requests_total",
	Help: "Total HTTP requests handled.",
}, []string{"method", "path", "status"})

// HTTPDuration tracks API request latency.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "epgvault_http_request_duration_seconds",
	Help:    "HTTP request latency in seconds.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "path"})

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency. Requests are labelled
// with the ServeMux pattern that matched (e.g. "GET /api/accounts/{account}/...")
// so path parameters do not inflate cardinality; unmatched requests are
// labelled "unmatched".
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
