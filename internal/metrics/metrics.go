// ABOUTME: Prometheus metrics for session lifecycle and HTTP traffic on a private registry.
// ABOUTME: Collector is a session registry observer and serves the text exposition format.

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/2389/mcpd/internal/session"
)

const namespace = "mcpd"

// Collector holds the server's metrics. It implements session.Observer.
type Collector struct {
	registry *prometheus.Registry

	live     *prometheus.GaugeVec
	opened   *prometheus.CounterVec
	closed   *prometheus.CounterVec
	lifetime *prometheus.HistogramVec
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Sessions currently registered, by binding",
		}, []string{"binding"}),
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions created, by binding",
		}, []string{"binding"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions evicted, by binding",
		}, []string{"binding"}),
		lifetime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_lifetime_seconds",
			Help:      "Time between session creation and eviction",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 14400},
		}, []string{"binding"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method and status code",
		}, []string{"method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency for non-streaming requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	c.registry.MustRegister(c.live, c.opened, c.closed, c.lifetime, c.requests, c.latency)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SessionOpened implements session.Observer.
func (c *Collector) SessionOpened(info session.Info) {
	b := string(info.Binding)
	c.opened.WithLabelValues(b).Inc()
	c.live.WithLabelValues(b).Inc()
}

// SessionClosed implements session.Observer.
func (c *Collector) SessionClosed(info session.Info) {
	b := string(info.Binding)
	c.closed.WithLabelValues(b).Inc()
	c.live.WithLabelValues(b).Dec()
	if !info.ClosedAt.IsZero() && !info.CreatedAt.IsZero() {
		c.lifetime.WithLabelValues(b).Observe(info.ClosedAt.Sub(info.CreatedAt).Seconds())
	}
}

// ObserveRequest records one completed HTTP request.
func (c *Collector) ObserveRequest(method string, code int, duration time.Duration, streaming bool) {
	c.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	if !streaming {
		c.latency.WithLabelValues(method).Observe(duration.Seconds())
	}
}

// ServeHTTP writes all metrics in the Prometheus text format.
func (c *Collector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	families, err := c.registry.Gather()
	if err != nil {
		http.Error(w, "Failed to gather metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", string(expfmt.FmtText))
	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return
		}
	}
}
