// Package metrics registers the Prometheus collectors exported by the
// evaluation core and serves them over HTTP, the way the teacher's own
// metrics package does for its pipeline.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// CEEvalDuration tracks how long each CE's transfer function takes
	// to evaluate, labeled by CE id.
	CEEvalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ias_ce_eval_duration_seconds",
			Help:    "Time spent evaluating a computing element's transfer function",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"ce_id"},
	)

	// CEState reports the computing element state machine as a gauge:
	// 1 for the CE's current state label, 0 otherwise. It is written only
	// through SetCEState, which nothing in this module calls.
	CEState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ias_ce_state",
			Help: "Computing element state (1 = current state)",
		},
		[]string{"ce_id", "state"},
	)

	// DUValuesPublishedTotal counts values a DU has published to the bus.
	DUValuesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ias_du_values_published_total",
			Help: "Total number of values published by a distributed unit",
		},
		[]string{"du_id"},
	)

	// DUThrottledTotal counts input batches whose update_and_publish
	// pass was deferred because they arrived within the throttling
	// interval.
	DUThrottledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ias_du_throttled_total",
			Help: "Total number of input bursts coalesced by DU throttling",
		},
		[]string{"du_id"},
	)

	// DUPropagationDuration times one full update_and_publish pass
	// across all topology levels.
	DUPropagationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ias_du_propagation_duration_seconds",
			Help:    "Time spent propagating one input change through a DU's topology",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"du_id"},
	)

	// BusPublishErrorsTotal counts failed bus publishes.
	BusPublishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ias_bus_publish_errors_total",
			Help: "Total number of failed bus publish attempts",
		},
		[]string{"transport", "topic"},
	)

	// BusSubscribeErrorsTotal counts failed bus subscriptions.
	BusSubscribeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ias_bus_subscribe_errors_total",
			Help: "Total number of failed bus subscribe attempts",
		},
		[]string{"transport", "topic"},
	)

	// SupervisorHeartbeatsTotal counts heartbeats emitted by a supervisor.
	SupervisorHeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ias_supervisor_heartbeats_total",
			Help: "Total number of heartbeats emitted by a supervisor",
		},
		[]string{"supervisor_id"},
	)

	// SupervisorDUsHosted reports how many DUs a supervisor currently hosts.
	SupervisorDUsHosted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ias_supervisor_dus_hosted",
			Help: "Number of distributed units currently hosted by a supervisor",
		},
		[]string{"supervisor_id"},
	)
)

// SetCEState sets the CEState gauge: 1 for the active state, 0 for
// every other known state, so a Grafana panel can chart state as a
// step function without needing to know the full enum in advance.
func SetCEState(ceID, active string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == active {
			v = 1.0
		}
		CEState.WithLabelValues(ceID, s).Set(v)
	}
}

// Server exposes the registered collectors over HTTP at /metrics, plus
// /health (liveness) and /ready (readiness) endpoints.
type Server struct {
	server *http.Server
	logger *logrus.Logger
	ready  func() bool
}

var registerOnce sync.Once

// NewServer builds a metrics server listening on addr. Collector
// registration happens exactly once per process regardless of how many
// Server values are constructed. /ready reports healthy until
// SetReadyCheck installs a real readiness probe.
func NewServer(addr string, logger *logrus.Logger) *Server {
	registerOnce.Do(func() {
		// promauto already registered every collector above against the
		// default registry at package init; nothing left to do here.
	})

	s := &Server{logger: logger, ready: func() bool { return true }}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// SetReadyCheck installs the predicate /ready reports. Called by the
// supervisor once it has finished Start, before that /ready reports healthy.
func (s *Server) SetReadyCheck(check func() bool) {
	s.ready = check
}

// Start begins serving in the background. Errors after shutdown are
// swallowed; ListenAndServe errors before that are logged.
func (s *Server) Start() {
	s.logger.WithField("addr", s.server.Addr).Info("starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics server error")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping metrics server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
