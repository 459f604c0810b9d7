// Package metrics holds the proxy's Prometheus collectors: requests
// dispatched by method, fan-out timeouts, tool-call routing outcomes,
// and live child count.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the aggregator records
// against. The zero value is unusable; construct with New.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	FanoutTimeouts   *prometheus.CounterVec
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	LiveChildren     prometheus.Gauge
}

// New creates and registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codex_mcp_wrapper",
				Name:      "requests_total",
				Help:      "Parent requests dispatched by method and outcome",
			},
			[]string{"method", "outcome"}, // outcome=ok/error/timeout
		),
		FanoutTimeouts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codex_mcp_wrapper",
				Name:      "fanout_timeouts_total",
				Help:      "Fan-out operations (initialize, tools/list) that hit their timeout",
			},
			[]string{"method"},
		),
		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codex_mcp_wrapper",
				Name:      "tool_calls_total",
				Help:      "tools/call routing outcomes",
			},
			[]string{"outcome"}, // outcome=routed/not_found/send_error
		),
		ToolCallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codex_mcp_wrapper",
				Name:      "tool_call_duration_seconds",
				Help:      "Wall-clock time a routed tools/call spent waiting on its child",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		LiveChildren: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codex_mcp_wrapper",
				Name:      "live_children",
				Help:      "Number of child servers currently alive",
			},
		),
	}
}

// Server optionally exposes reg over /metrics on a loopback-bindable
// address (WRAPPER_METRICS_ADDR). When addr is empty the
// registry is still populated (collectors above keep recording) but
// never served, a legitimate shape for a short-lived CLI proxy.
type Server struct {
	httpServer *http.Server
}

// StartServer binds addr and serves reg's collectors until Shutdown is
// called. Returns nil immediately if addr is empty.
func StartServer(addr string, reg *prometheus.Registry) *Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return &Server{httpServer: srv}
}

// Shutdown stops the metrics listener, if one was started.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
