package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments. Each App owns its registry
// so multiple instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	CodesIssued      prometheus.Counter
	CodeExchanges    *prometheus.CounterVec
	TokenRefreshes   *prometheus.CounterVec
	TokenRevocations prometheus.Counter
	AccessDenials    *prometheus.CounterVec
}

// NewMetrics registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authd",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "authd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		CodesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authd",
			Name:      "authorization_codes_issued_total",
			Help:      "Authorization codes issued.",
		}),
		CodeExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authd",
			Name:      "code_exchanges_total",
			Help:      "Authorization code exchanges by result.",
		}, []string{"result"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authd",
			Name:      "token_refreshes_total",
			Help:      "Refresh token rotations by result.",
		}, []string{"result"}),
		TokenRevocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authd",
			Name:      "token_revocations_total",
			Help:      "Token revocation requests accepted.",
		}),
		AccessDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authd",
			Name:      "access_denials_total",
			Help:      "Authorization requests denied by the permission engine.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration, m.CodesIssued, m.CodeExchanges,
		m.TokenRefreshes, m.TokenRevocations, m.AccessDenials,
	)
	return m
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument records request counts and latency per route.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := prometheus.NewTimer(m.HTTPDuration.WithLabelValues(r.Method, r.URL.Path))
		next.ServeHTTP(ww, r)
		timer.ObserveDuration()
		m.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(ww.Status())).Inc()
	})
}
