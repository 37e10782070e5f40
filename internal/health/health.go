package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/risk"
	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/worker"
)

// Checker probes one dependency
type Checker func(ctx context.Context) error

// CircuitReporter exposes the cached circuit breaker state
type CircuitReporter interface {
	Status() (risk.CircuitStatus, bool)
	LeverageCap(level risk.Level) float64
}

// WorkerStats reports background worker history
type WorkerStats interface {
	Stats() map[string]worker.Stats
}

// Server provides health check HTTP endpoints for K8s
type Server struct {
	server    *http.Server
	circuit   CircuitReporter
	workers   WorkerStats
	checks    map[string]Checker
	ready     bool
	mu        sync.RWMutex
	startTime time.Time
}

// HealthStatus represents system health
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ReadinessStatus represents system readiness
type ReadinessStatus struct {
	Ready     bool                    `json:"ready"`
	Timestamp string                  `json:"timestamp"`
	Checks    map[string]string       `json:"checks"`
	Workers   map[string]WorkerStatus `json:"workers,omitempty"`
}

// WorkerStatus is the public view of a worker's run history
type WorkerStatus struct {
	Runs                int64  `json:"runs"`
	Failures            int64  `json:"failures"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	LastRun             string `json:"last_run,omitempty"`
	LastError           string `json:"last_error,omitempty"`
}

// CircuitView is the /circuit response
type CircuitView struct {
	Evaluated   bool               `json:"evaluated"`
	Status      risk.CircuitStatus `json:"status"`
	LeverageCap float64            `json:"leverage_cap"`
}

// NewServer creates new health check server. circuit may be nil.
func NewServer(port string, circuit CircuitReporter) *Server {
	mux := http.NewServeMux()

	s := &Server{
		server: &http.Server{
			Addr:         ":" + port,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		circuit:   circuit,
		checks:    make(map[string]Checker),
		startTime: time.Now(),
	}

	mux.HandleFunc("/health", s.handleHealth)    // Liveness probe
	mux.HandleFunc("/ready", s.handleReadiness)  // Readiness probe
	mux.HandleFunc("/healthz", s.handleHealth)   // Alias
	mux.HandleFunc("/readyz", s.handleReadiness) // Alias
	mux.HandleFunc("/circuit", s.handleCircuit)

	return s
}

// AddCheck registers a dependency probe consulted by /ready
func (s *Server) AddCheck(name string, check Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// SetWorkers attaches worker stats to /ready
func (s *Server) SetWorkers(workers WorkerStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = workers
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the health check server
func (s *Server) Start() error {
	logger.Info("health check server starting",
		zap.String("addr", s.server.Addr),
	)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping health check server...")
	return s.server.Shutdown(ctx)
}

// SetReady marks the service as ready
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()

	if ready {
		logger.Info("service marked as READY")
	} else {
		logger.Warn("service marked as NOT READY")
	}
}

// handleHealth returns 200 while the process is alive, even if dependencies are down
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
	if r.URL.Query().Get("verbose") == "true" {
		status.Checks, _ = s.runChecks(r.Context())
	}

	writeJSON(w, http.StatusOK, status)
}

// handleReadiness returns 200 only once startup is complete and every dependency answers
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	workers := s.workers
	s.mu.RUnlock()

	checks, allHealthy := s.runChecks(r.Context())
	status := ReadinessStatus{
		Ready:     ready && allHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if workers != nil {
		status.Workers = workerStatuses(workers.Stats())
	}

	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleCircuit(w http.ResponseWriter, _ *http.Request) {
	if s.circuit == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "circuit breaker not configured"})
		return
	}

	status, ok := s.circuit.Status()
	writeJSON(w, http.StatusOK, CircuitView{
		Evaluated:   ok,
		Status:      status,
		LeverageCap: s.circuit.LeverageCap(status.Level),
	})
}

// runChecks probes dependencies concurrently, 2s each
func (s *Server) runChecks(ctx context.Context) (map[string]string, bool) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Checker, len(names))
	for i, name := range names {
		checks[i] = s.checks[name]
	}
	s.mu.RUnlock()

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			results[i] = checks[i](cctx)
		}()
	}
	wg.Wait()

	out := make(map[string]string, len(names))
	healthy := true
	for i, name := range names {
		if results[i] != nil {
			out[name] = "unhealthy: " + results[i].Error()
			healthy = false
			continue
		}
		out[name] = "healthy"
	}
	return out, healthy
}

func workerStatuses(stats map[string]worker.Stats) map[string]WorkerStatus {
	out := make(map[string]WorkerStatus, len(stats))
	for name, st := range stats {
		ws := WorkerStatus{
			Runs:                st.Runs,
			Failures:            st.Failures,
			ConsecutiveFailures: st.ConsecutiveFailures,
			LastError:           st.LastError,
		}
		if !st.LastRun.IsZero() {
			ws.LastRun = st.LastRun.UTC().Format(time.RFC3339)
		}
		out[name] = ws
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write health response", zap.Error(err))
	}
}
