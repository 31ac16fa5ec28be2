// Package metrics exposes Prometheus collectors for the command registry, the
// read-only root gate and the RPC server. Collectors are package-level and only
// record once Register has succeeded, so packages can call the helpers
// unconditionally.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rmm_management"

var (
	regOK atomic.Bool

	commandsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_started_total",
			Help:      "Number of background commands admitted.",
		},
	)
	commandsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Number of background commands rejected at admission.",
		}, []string{"reason"},
	)
	commandsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_finished_total",
			Help:      "Number of background commands that finished, by result.",
		}, []string{"result"},
	)
	commandsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_running",
			Help:      "Background commands currently running.",
		},
	)
	commandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall time of finished background commands.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)
	gateHolders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_holders",
			Help:      "Current holders of the writable root gate.",
		},
	)
	gateRemounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_remounts_total",
			Help:      "Root filesystem remounts performed by the gate.",
		}, []string{"mode", "result"},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "RPC requests handled, by method and result.",
		}, []string{"method", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		commandsStarted, commandsRejected, commandsFinished, commandsRunning,
		commandDuration, gateHolders, gateRemounts, rpcRequests,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Server serves /metrics on a TCP address until Shutdown.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a metrics server bound to addr. Call Start to begin serving.
func NewServer(addr string, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStarted() {
	if regOK.Load() {
		commandsStarted.Inc()
		commandsRunning.Inc()
	}
}

func IncRejected(reason string) {
	if regOK.Load() {
		commandsRejected.WithLabelValues(reason).Inc()
	}
}

// ObserveFinished records a finished command. result is "success" or "failure".
func ObserveFinished(result string, d time.Duration) {
	if regOK.Load() {
		commandsFinished.WithLabelValues(result).Inc()
		commandsRunning.Dec()
		commandDuration.Observe(d.Seconds())
	}
}

func SetGateHolders(n int) {
	if regOK.Load() {
		gateHolders.Set(float64(n))
	}
}

func IncRemount(mode string, ok bool) {
	if regOK.Load() {
		result := "success"
		if !ok {
			result = "failure"
		}
		gateRemounts.WithLabelValues(mode, result).Inc()
	}
}

func IncRPC(method, result string) {
	if regOK.Load() {
		rpcRequests.WithLabelValues(method, result).Inc()
	}
}
