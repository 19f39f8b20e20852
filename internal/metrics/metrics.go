// Package metrics exposes process-wide Prometheus collectors for the ingest service.
package metrics

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/publicsuffix"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	scrapeResultsTotal         *prometheus.CounterVec
	renderResultsTotal         *prometheus.CounterVec
	rendererSessionsInUse      prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_attempts_total",
				Help: "Direct HTTP fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scrapeResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_scrape_results_total",
				Help: "Completed scrapes, labeled by the tier that produced them and the result.",
			},
			[]string{"tier", "result"},
		)

		renderResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_render_results_total",
				Help: "Headless renders, labeled by outcome (success, fallback, failure).",
			},
			[]string{"outcome"},
		)

		rendererSessionsInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_renderer_sessions_in_use",
				Help: "Browser sessions currently leased from the renderer pool.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_http_requests_total",
				Help: "API requests, labeled by method, route pattern and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_http_request_duration_seconds",
				Help:    "API request latency, labeled by method and route pattern.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname usable as a label.
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

// RegistrableDomain reduces a host or URL to its registrable domain
// (eTLD+1) so per-host series collapse to one per site. IP addresses share
// the "ip" label; hosts without a public suffix are kept as-is.
func RegistrableDomain(rawURL string) string {
	host := SanitizeSite(rawURL)
	if host == "unknown" {
		return host
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return "ip"
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(strings.TrimSuffix(host, "."))
	if err != nil {
		return host
	}
	return domain
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt counts one direct fetch attempt.
func ObserveFetchAttempt(outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveScrape counts one finished scrape.
func ObserveScrape(tier string, success bool) {
	Init()
	result := "failure"
	if success {
		result = "success"
	}
	scrapeResultsTotal.WithLabelValues(tier, result).Inc()
}

// ObserveRender counts one headless render.
func ObserveRender(outcome string) {
	Init()
	renderResultsTotal.WithLabelValues(outcome).Inc()
}

// SetRendererSessionsInUse reports the pool's leased session count.
func SetRendererSessionsInUse(n int) {
	Init()
	rendererSessionsInUse.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait under the
// host's registrable domain.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(RegistrableDomain(host)).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
