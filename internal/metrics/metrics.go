package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passover_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "passover_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	searchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passover_search_total",
			Help: "Pass searches by outcome.",
		},
		[]string{"outcome"},
	)

	searchWindows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "passover_search_windows",
			Help:    "Number of windows a pass search scanned before returning.",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 24, 32},
		},
	)

	searchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "passover_search_duration_seconds",
			Help:    "Pass search duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	ephemerisErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "passover_ephemeris_errors_total",
			Help: "Ephemeris queries that failed.",
		},
	)

	acquisitionStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passover_acquisition_starts_total",
			Help: "StartAcquisition calls by outcome.",
		},
		[]string{"outcome"},
	)

	acquisitionFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passover_acquisition_finished_total",
			Help: "Acquisitions that reached a terminal status.",
		},
		[]string{"status"},
	)

	acquisitionInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "passover_acquisition_in_flight",
			Help: "Acquisitions currently queued, downloading or extracting.",
		},
	)

	acquisitionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "passover_acquisition_duration_seconds",
			Help:    "Time from acquisition start to terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	catalogSearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passover_catalog_searches_total",
			Help: "Catalog searches by source that answered.",
		},
		[]string{"source"},
	)

	tleDatasetAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "passover_tle_dataset_age_seconds",
			Help: "Age of the loaded TLE dataset in seconds.",
		},
	)

	tleSatellites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "passover_tle_satellites",
			Help: "Satellites in the loaded TLE dataset.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		searchTotal,
		searchWindows,
		searchDurationSeconds,
		ephemerisErrorsTotal,
		acquisitionStartsTotal,
		acquisitionFinishedTotal,
		acquisitionInFlight,
		acquisitionDurationSeconds,
		catalogSearchesTotal,
		tleDatasetAgeSeconds,
		tleSatellites,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSearch records a finished pass search. outcome is "ok", "not_found"
// or "error".
func ObserveSearch(outcome string, windows int, d time.Duration) {
	searchTotal.WithLabelValues(outcome).Inc()
	if windows > 0 {
		searchWindows.Observe(float64(windows))
	}
	searchDurationSeconds.Observe(d.Seconds())
}

// EphemerisError counts a failed ephemeris query.
func EphemerisError() {
	ephemerisErrorsTotal.Inc()
}

// AcquisitionStart counts a StartAcquisition call. outcome is one of
// "started", "deduplicated", "cached", "rejected".
func AcquisitionStart(outcome string) {
	acquisitionStartsTotal.WithLabelValues(outcome).Inc()
	if outcome == "started" {
		acquisitionInFlight.Inc()
	}
}

// AcquisitionFinished records a started acquisition reaching a terminal status.
func AcquisitionFinished(status string, d time.Duration) {
	acquisitionFinishedTotal.WithLabelValues(status).Inc()
	acquisitionInFlight.Dec()
	acquisitionDurationSeconds.Observe(d.Seconds())
}

// CatalogSearch counts a catalog search answered by source ("remote" or "index").
func CatalogSearch(source string) {
	catalogSearchesTotal.WithLabelValues(source).Inc()
}

// SetTLEDataset records the age and size of the loaded TLE dataset.
func SetTLEDataset(ageSeconds float64, satellites int) {
	tleDatasetAgeSeconds.Set(ageSeconds)
	tleSatellites.Set(float64(satellites))
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}

var knownRoutes = map[string]bool{
	"/healthz":             true,
	"/readyz":              true,
	"/metrics":             true,
	"/api/v1/predict":      true,
	"/api/v1/scenes":       true,
	"/api/v1/tle/metadata": true,
	"/api/v1/tle/fetch":    true,
}

var productActions = map[string]bool{
	"cached":  true,
	"acquire": true,
	"status":  true,
}

// normalizeRoute maps a request path to a bounded label set. Product routes
// collapse to one label per action; anything unknown becomes "other".
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}

	rest, ok := strings.CutPrefix(path, "/api/v1/products/")
	if !ok {
		return "other"
	}
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" || !productActions[action] {
		return "other"
	}
	return "/api/v1/products/{id}/" + action
}
