// Package metrics exposes Prometheus collectors for the crawler process.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry and the process-level collectors.
type Metrics struct {
	reg *prometheus.Registry

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	politenessWaitSeconds      *prometheus.HistogramVec
}

// New builds a registry with Go runtime and process collectors plus the
// admin HTTP and politeness collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of admin HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of admin HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		),
		politenessWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagecrawler_politeness_wait_seconds",
				Help:    "Time admissions were held by the same-domain crawl delay.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		),
	}
}

// Registry exposes the underlying registry so other packages can register
// their collectors against it.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Traffic is the byte and connection accounting of a stream manager.
type Traffic interface {
	BytesSent() int64
	BytesReceived() int64
	ActiveConnections() int
}

// RegisterTraffic exports src's counters, read at scrape time.
func (m *Metrics) RegisterTraffic(src Traffic) error {
	for _, c := range []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "stagecrawler_stream_bytes_sent_total",
			Help: "Bytes written to crawl connections.",
		}, func() float64 { return float64(src.BytesSent()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "stagecrawler_stream_bytes_received_total",
			Help: "Bytes read from crawl connections.",
		}, func() float64 { return float64(src.BytesReceived()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stagecrawler_stream_active_connections",
			Help: "Crawl connections currently open.",
		}, func() float64 { return float64(src.ActiveConnections()) }),
	} {
		if err := m.reg.Register(c); err != nil {
			return fmt.Errorf("register traffic collector: %w", err)
		}
	}
	return nil
}

// ObservePolitenessWait records a politeness hold for domain.
func (m *Metrics) ObservePolitenessWait(domain string, waited time.Duration) {
	m.politenessWaitSeconds.WithLabelValues(SanitizeSite(domain)).Observe(waited.Seconds())
}

// ObserveHTTPRequest records one admin request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite reduces a URL or host to a lowercase hostname for use as a
// label. It returns "unknown" if nothing usable remains.
func SanitizeSite(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
