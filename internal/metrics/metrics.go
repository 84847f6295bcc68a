// Package metrics exposes Prometheus collectors for the fellowship crawler.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal                    *prometheus.CounterVec
	crawlerRecordsTotal                  *prometheus.CounterVec
	crawlerPoliteDelaySeconds            *prometheus.HistogramVec
	crawlerProbeTLSHandshakeTimeoutTotal prometheus.Counter
	crawlerSinkFailuresTotal             *prometheus.CounterVec
	llmRequestsTotal                     *prometheus.CounterVec
	llmTokensTotal                       *prometheus.CounterVec
	httpRequestsTotal                    *prometheus.CounterVec
	httpRequestDurationSeconds           *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fellowcrawl_pages_total",
				Help: "Total number of directory pages processed, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fellowcrawl_records_total",
				Help: "Total number of extracted records, labeled by filter outcome.",
			},
			[]string{"outcome"},
		)

		crawlerPoliteDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fellowcrawl_polite_delay_seconds",
				Help:    "Histogram of time spent waiting between page requests.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		crawlerProbeTLSHandshakeTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fellowcrawl_probe_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		crawlerSinkFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fellowcrawl_sink_failures_total",
				Help: "Total failures of optional sinks (database, pubsub, metrics file).",
			},
			[]string{"sink"},
		)

		llmRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fellowcrawl_llm_requests_total",
				Help: "Total number of extraction requests sent to the LLM, labeled by status.",
			},
			[]string{"status"},
		)

		llmTokensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fellowcrawl_llm_tokens_total",
				Help: "Total LLM tokens consumed, labeled by direction.",
			},
			[]string{"direction"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests to the status server, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
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

// WriteTextfile writes the default registry to path in the text exposition
// format read by the node exporter textfile collector.
func WriteTextfile(path string) error {
	Init()
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// ObservePage increments the page counter.
func ObservePage(site string, status string) {
	Init()
	crawlerPagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveRecord increments the record counter for a filter outcome.
func ObserveRecord(outcome string) {
	Init()
	crawlerRecordsTotal.WithLabelValues(outcome).Inc()
}

// ObservePoliteDelay records the duration of a polite-delay wait.
func ObservePoliteDelay(site string, duration time.Duration) {
	Init()
	crawlerPoliteDelaySeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	Init()
	crawlerProbeTLSHandshakeTimeoutTotal.Inc()
}

// ObserveSinkFailure increments the failure counter for an optional sink.
func ObserveSinkFailure(sink string) {
	Init()
	crawlerSinkFailuresTotal.WithLabelValues(sink).Inc()
}

// ObserveLLMRequest records one extraction request and its token usage.
func ObserveLLMRequest(status string, inputTokens, outputTokens int64) {
	Init()
	llmRequestsTotal.WithLabelValues(status).Inc()
	if inputTokens > 0 {
		llmTokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		llmTokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ProbeTLSHandshakeTimeouts returns the robots.txt handshake timeout counter.
func ProbeTLSHandshakeTimeouts() prometheus.Counter {
	Init()
	return crawlerProbeTLSHandshakeTimeoutTotal
}
