// Package health exposes pipeline metrics and a liveness endpoint.
//
// Metrics are registered on a private prometheus registry and served by
// a small stdlib HTTP server alongside /healthz. The server is optional
// and enabled by config.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all prometheus metrics for the replay pipeline.
type Metrics struct {
	registry *prometheus.Registry

	EventsProcessed   *prometheus.CounterVec
	EventsMalformed   *prometheus.CounterVec
	SequenceGaps      *prometheus.CounterVec
	Resyncs           *prometheus.CounterVec
	RouterRouted      *prometheus.CounterVec
	RouterDropped     *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	WorkerRestarts    *prometheus.CounterVec
	PartitionsWritten *prometheus.CounterVec
}

// NewMetrics creates and registers all pipeline metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketreplay_events_processed_total",
			Help: "Unified events emitted by the replayer",
		}, []string{"symbol"}),
		EventsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketreplay_events_malformed_total",
			Help: "Input records dropped during normalization",
		}, []string{"symbol"}),
		SequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketreplay_sequence_gaps_total",
			Help: "Delta sequence gaps detected",
		}, []string{"symbol"}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketreplay_resyncs_total",
			Help: "Order book resynchronizations from snapshots",
		}, []string{"symbol"}),
		RouterRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketreplay_router_routed_total",
			Help: "Records routed to worker queues",
		}, []string{"symbol"}),
		RouterDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketreplay_router_dropped_total",
			Help: "Records dropped by the router",
		}, []string{"symbol"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketreplay_queue_depth",
			Help: "Current worker input queue depth",
		}, []string{"symbol"}),
		WorkerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketreplay_worker_restarts_total",
			Help: "Worker restarts performed by the supervisor",
		}, []string{"symbol"}),
		PartitionsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketreplay_partitions_written_total",
			Help: "Partition files published by the data sink",
		}, []string{"symbol"}),
	}
	reg.MustRegister(
		m.EventsProcessed, m.EventsMalformed, m.SequenceGaps, m.Resyncs,
		m.RouterRouted, m.RouterDropped, m.QueueDepth, m.WorkerRestarts,
		m.PartitionsWritten,
	)
	return m
}

// Server serves /metrics and /healthz.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the HTTP server on the given port.
func NewServer(port int, metrics *Metrics, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "health"),
	}
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info("health server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
