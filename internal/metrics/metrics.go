// Package metrics provides Prometheus instrumentation for the cartcover
// gateway.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only cartcover metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	GRPCRequestsTotal       *prometheus.CounterVec
	GRPCRequestDuration     *prometheus.HistogramVec
	CoverageOperationsTotal *prometheus.CounterVec
	PricingLookupsTotal     *prometheus.CounterVec
	IdleWaitsTotal          *prometheus.CounterVec
	CheckoutClicksTotal     *prometheus.CounterVec
	ActiveSessions          prometheus.Gauge
	AuthFailuresTotal       prometheus.Counter
}

// New creates and registers all cartcover metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cartcover_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cartcover_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cartcover_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cartcover_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		CoverageOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cartcover_coverage_operations_total",
			Help: "Total number of coverage enable/disable operations by outcome.",
		}, []string{"action", "result"}),

		PricingLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cartcover_pricing_lookups_total",
			Help: "Total number of pricing lookups by outcome.",
		}, []string{"result"}),

		IdleWaitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cartcover_idle_waits_total",
			Help: "Total number of cart idle waits by outcome.",
		}, []string{"result"}),

		CheckoutClicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cartcover_checkout_clicks_total",
			Help: "Total number of checkout button clicks by choice and outcome.",
		}, []string{"choice", "outcome"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cartcover_active_sessions",
			Help: "Number of open coverage sessions.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cartcover_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.CoverageOperationsTotal,
		m.PricingLookupsTotal,
		m.IdleWaitsTotal,
		m.CheckoutClicksTotal,
		m.ActiveSessions,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records request count and latency labelled with the matched
// [http.ServeMux] pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor; the health
// service's Watch method is the only stream the gateway serves.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// RecordCoverageOperation counts one enable or disable call. result is one of
// "ok", "skipped" or "error".
func (m *Metrics) RecordCoverageOperation(action, result string) {
	m.CoverageOperationsTotal.WithLabelValues(action, result).Inc()
}

// RecordPricingLookup counts one pricing lookup. result is "eligible",
// "not_eligible", "canceled" or the error kind.
func (m *Metrics) RecordPricingLookup(result string) {
	m.PricingLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordIdleWait(idle bool) {
	result := "idle"
	if !idle {
		result = "timeout"
	}
	m.IdleWaitsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCheckoutClick(choice, outcome string) {
	m.CheckoutClicksTotal.WithLabelValues(choice, outcome).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}
