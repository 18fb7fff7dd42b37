package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics records request latency for the public API.
type HTTPMetrics struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
}

func NewHTTPMetrics(cfg Config) *HTTPMetrics {
	return newHTTPMetrics(prometheus.DefaultRegisterer, cfg)
}

func newHTTPMetrics(registerer prometheus.Registerer, cfg Config) *HTTPMetrics {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "meterbill"
	}
	constLabels := prometheus.Labels{"service": serviceName}

	m := &HTTPMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "meterbill_http_request_duration_seconds",
			Help:        "HTTP request latency by route.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "endpoint"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterbill_http_requests_total",
			Help:        "HTTP requests by route and status code.",
			ConstLabels: constLabels,
		}, []string{"method", "endpoint", "status_code"}),
	}
	registerer.MustRegister(m.duration, m.requests)
	return m
}

// Observe records one finished request. endpoint must be the route template, never the raw path.
func (m *HTTPMetrics) Observe(method, endpoint string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	m.duration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
	m.requests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}
