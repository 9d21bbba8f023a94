// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	listingsTotal          *prometheus.CounterVec
	fetchDurationSeconds   *prometheus.HistogramVec
	imagesTotal            *prometheus.CounterVec
	leavesTotal            *prometheus.CounterVec
	activeWorkers          prometheus.Gauge
	rateLimitDelaysSeconds *prometheus.HistogramVec
	opsRequestsTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		listingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moqingest_listings_total",
				Help: "Listings seen by the ingest pass, labeled by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "moqingest_fetch_duration_seconds",
				Help:    "Marketplace fetch latency, labeled by platform and mode (static or headless).",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"platform", "mode"},
		)

		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moqingest_images_total",
				Help: "Image cache and audit outcomes.",
			},
			[]string{"outcome"},
		)

		leavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moqingest_leaves_total",
				Help: "Taxonomy leaves processed, labeled by final state.",
			},
			[]string{"state"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "moqingest_active_workers",
				Help: "Number of workers currently processing a leaf.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "moqingest_rate_limit_delay_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		opsRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moqingest_ops_requests_total",
				Help: "Requests served by the ops endpoint, labeled by route and code.",
			},
			[]string{"route", "code"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware counts ops endpoint requests by route pattern and status code.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		opsRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

// ObserveListing counts one listing outcome (kept, rejected, duplicate, persisted, error).
func ObserveListing(platform, outcome string) {
	Init()
	listingsTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveFetch records the duration of one marketplace fetch.
func ObserveFetch(platform, mode string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(platform, mode).Observe(duration.Seconds())
}

// ObserveImage counts one image outcome (cached, bad, failed, nulled, no_image).
func ObserveImage(outcome string) {
	Init()
	imagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveLeaf counts a processed leaf by its final state.
func ObserveLeaf(state string) {
	Init()
	leavesTotal.WithLabelValues(state).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
