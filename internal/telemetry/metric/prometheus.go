package metric

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "corestate"

// Registry holds the process metrics.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
}

// NewRegistry creates a registry with Go runtime, process and HTTP
// request metrics.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Admin API requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Admin API requests rejected by the rate limiter",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.RequestsTotal,
		r.RequestDuration,
		r.RateLimited,
	)
	return r
}

// Registerer returns the underlying registerer for component metrics.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.reg
}

// Gatherer returns the underlying gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveRequest records one finished HTTP request.
func (r *Registry) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	r.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	r.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler returns the /metrics handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
