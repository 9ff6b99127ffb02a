package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turtacn/vigil/pkg/logger"
)

var (
	// HandoverDuration tracks how long an upgrade took from spawn to retirement of the old generation.
	HandoverDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vigil_handover_duration_seconds",
		Help:    "Time from new generation spawn to old generation teardown",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"group"})
	// RestartTotal tracks respawns inside a generation, partitioned by reason.
	RestartTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_restarts_total",
		Help: "Total number of process respawns",
	}, []string{"group", "reason"})
	// UpgradesTotal counts finished upgrades by result.
	UpgradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_upgrades_total",
		Help: "Total number of generation upgrades",
	}, []string{"group", "result"})
	// UpgraderRuns counts upgrader command executions by result.
	UpgraderRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_upgrader_runs_total",
		Help: "Total number of upgrader command runs",
	}, []string{"group", "result"})
	// HealthFailures counts processes killed for a stale live check.
	HealthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_health_failures_total",
		Help: "Total number of processes killed by the live check",
	}, []string{"group"})
	// LiveProcesses is the number of processes alive per group.
	LiveProcesses = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vigil_live_processes",
		Help: "Processes currently alive",
	}, []string{"group"})

	registerOnce sync.Once
)

// Register adds all collectors to the default registry. It may be called
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HandoverDuration, RestartTotal, UpgradesTotal,
			UpgraderRuns, HealthFailures, LiveProcesses)
	})
}

// Server exposes /metrics over HTTP. It runs as a service of the daemon tree.
type Server struct {
	addr string

	mu       sync.Mutex
	listener net.Listener
}

func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

// Addr returns the bound address once Serve is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve listens until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	Register()

	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Log.Info("Metrics server starting", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Error("Metrics server failed", "err", err)
		return err
	}
	return ctx.Err()
}

func (s *Server) String() string { return "metrics" }

// Personal.AI order the ending
