// Package metrics exposes Prometheus metrics for the HTTP API, the agent entry
// points and the background workers.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "scheduled-gpt-oracle/internal/errors"
)

const namespace = "oracle"

// Metrics groups every collector the daemon reports.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	entryPoints *prometheus.CounterVec

	crankOutcomes *prometheus.CounterVec
	crankLatency  prometheus.Histogram

	responses *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := func(c prometheus.Collector) prometheus.Collector {
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{gatherer: reg}
	m.httpRequests = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})).(*prometheus.CounterVec)
	m.httpErrors = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "errors_total",
		Help:      "HTTP requests answered with a 5xx status.",
	}, []string{"handler", "method"})).(*prometheus.CounterVec)
	m.httpLatency = factory(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})).(*prometheus.HistogramVec)
	m.entryPoints = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "entry_points_total",
		Help:      "Agent entry point calls by result code.",
	}, []string{"entry_point", "code"})).(*prometheus.CounterVec)
	m.crankOutcomes = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "crank",
		Name:      "tasks_total",
		Help:      "Task queue crank turns by outcome.",
	}, []string{"outcome"})).(*prometheus.CounterVec)
	m.crankLatency = factory(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "crank",
		Name:      "turn_duration_seconds",
		Help:      "Time spent handling one task notification.",
		Buckets:   prometheus.DefBuckets,
	})).(prometheus.Histogram)
	m.responses = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oracle",
		Name:      "callbacks_total",
		Help:      "Callbacks delivered to the agent by outcome.",
	}, []string{"outcome"})).(*prometheus.CounterVec)
	return m
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveEntryPoint counts one agent entry point call. A nil error is
// reported as code "OK".
func (m *Metrics) ObserveEntryPoint(entryPoint string, err error) {
	if m == nil {
		return
	}
	code := "OK"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	m.entryPoints.WithLabelValues(entryPoint, code).Inc()
}

// ObserveCrank matches taskqueue.Observer.
func (m *Metrics) ObserveCrank(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.crankOutcomes.WithLabelValues(outcome).Inc()
	m.crankLatency.Observe(elapsed.Seconds())
}

// ObserveCallback counts one callback delivered over HTTP.
func (m *Metrics) ObserveCallback(outcome string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(outcome).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
