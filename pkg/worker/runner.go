package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/pkg/logger"
)

// Worker interface that background workers should implement
type Worker interface {
	// Name returns worker name for logging
	Name() string
	// Run executes one iteration of work
	Run(ctx context.Context) error
}

// Stats is a snapshot of a periodic worker's run history.
type Stats struct {
	Runs                int64
	Failures            int64
	ConsecutiveFailures int64
	LastRun             time.Time
	LastError           string
}

// PeriodicWorker wraps a Worker with periodic execution. Iterations never
// overlap; a panic in Run is logged and counted as a failure.
type PeriodicWorker struct {
	worker   Worker
	interval time.Duration
	wg       *sync.WaitGroup
	name     string

	runs     atomic.Int64
	failures atomic.Int64
	streak   atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// NewPeriodicWorker creates new periodic worker
func NewPeriodicWorker(worker Worker, interval time.Duration) *PeriodicWorker {
	return &PeriodicWorker{
		worker:   worker,
		interval: interval,
		wg:       &sync.WaitGroup{},
		name:     worker.Name(),
	}
}

// Start starts the worker with graceful shutdown support
func (pw *PeriodicWorker) Start(ctx context.Context) {
	pw.wg.Add(1)
	go pw.run(ctx)
}

// Stop waits for the worker to exit, up to timeout. Returns false on timeout.
func (pw *PeriodicWorker) Stop(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		pw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("worker stopped", zap.String("worker", pw.name))
		return true
	case <-time.After(timeout):
		logger.Warn("worker stop timeout",
			zap.String("worker", pw.name),
			zap.Duration("timeout", timeout),
		)
		return false
	}
}

// Stats returns the worker's run counters.
func (pw *PeriodicWorker) Stats() Stats {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return Stats{
		Runs:                pw.runs.Load(),
		Failures:            pw.failures.Load(),
		ConsecutiveFailures: pw.streak.Load(),
		LastRun:             pw.lastRun,
		LastError:           pw.lastErr,
	}
}

// Name returns the wrapped worker's name
func (pw *PeriodicWorker) Name() string {
	return pw.name
}

func (pw *PeriodicWorker) run(ctx context.Context) {
	defer pw.wg.Done()

	logger.Info("worker started",
		zap.String("worker", pw.name),
		zap.Duration("interval", pw.interval),
	)

	// Run immediately on start
	pw.iterate(ctx)

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping", zap.String("worker", pw.name))
			return
		case <-ticker.C:
			pw.iterate(ctx)
		}
	}
}

// iterate runs one iteration. Errors are logged, never fatal to the loop.
func (pw *PeriodicWorker) iterate(ctx context.Context) {
	err := pw.safeRun(ctx)
	pw.runs.Add(1)

	pw.mu.Lock()
	pw.lastRun = time.Now()
	if err != nil {
		pw.lastErr = err.Error()
	} else {
		pw.lastErr = ""
	}
	pw.mu.Unlock()

	if err == nil {
		pw.streak.Store(0)
		return
	}
	if ctx.Err() != nil {
		return
	}

	pw.failures.Add(1)
	streak := pw.streak.Add(1)
	logger.Error("worker execution failed",
		zap.String("worker", pw.name),
		zap.Int64("consecutive_failures", streak),
		zap.Error(err),
	)
}

func (pw *PeriodicWorker) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panicked",
				zap.String("worker", pw.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("worker %s panicked: %v", pw.name, r)
		}
	}()
	return pw.worker.Run(ctx)
}

// WorkerGroup manages multiple workers with graceful shutdown
type WorkerGroup struct {
	workers []*PeriodicWorker
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// NewWorkerGroup creates new worker group
func NewWorkerGroup(ctx context.Context) *WorkerGroup {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerGroup{
		workers: make([]*PeriodicWorker, 0),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add adds worker to group. Workers added after Start begin immediately.
func (wg *WorkerGroup) Add(worker Worker, interval time.Duration) *PeriodicWorker {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	pw := NewPeriodicWorker(worker, interval)
	wg.workers = append(wg.workers, pw)
	if wg.started {
		pw.Start(wg.ctx)
	}
	return pw
}

// Start starts all workers
func (wg *WorkerGroup) Start() {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	if wg.started {
		return
	}
	wg.started = true
	for _, worker := range wg.workers {
		worker.Start(wg.ctx)
	}

	logger.Info("worker group started", zap.Int("workers", len(wg.workers)))
}

// Stats returns per-worker stats keyed by worker name.
func (wg *WorkerGroup) Stats() map[string]Stats {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	out := make(map[string]Stats, len(wg.workers))
	for _, w := range wg.workers {
		out[w.Name()] = w.Stats()
	}
	return out
}

// Stop cancels all workers and waits for each up to timeout.
func (wg *WorkerGroup) Stop(timeout time.Duration) {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	logger.Info("stopping worker group", zap.Int("workers", len(wg.workers)))
	wg.cancel()

	for _, worker := range wg.workers {
		worker.Stop(timeout)
	}

	logger.Info("worker group stopped")
}

// RunBackground is a convenience function to run single worker
// Usage: worker.RunBackground(ctx, myWorker, 30*time.Second)
func RunBackground(ctx context.Context, worker Worker, interval time.Duration) *PeriodicWorker {
	pw := NewPeriodicWorker(worker, interval)
	pw.Start(ctx)
	return pw
}
