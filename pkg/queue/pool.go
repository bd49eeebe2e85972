package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/relay/pkg/artifacts"
	"github.com/codeready-toolchain/relay/pkg/executor"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// WorkerPool manages a pool of job workers plus the stale-lease sweeper.
type WorkerPool struct {
	poolID    string
	store     *store.Store
	jobs      *services.JobService
	artifacts *artifacts.Store
	preparer  executor.RepoPreparer
	backend   executor.Backend
	config    Config

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Job cancel registry: job_id → cancel function for jobs running on
	// this pool.
	activeJobs map[models.JobID]context.CancelFunc
	mu         sync.RWMutex
	started    bool

	// Stale sweep state
	sweep sweepState
}

type sweepState struct {
	mu             sync.Mutex
	lastStaleSweep time.Time
	staleRecovered int
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(poolID string, st *store.Store, jobs *services.JobService, art *artifacts.Store, preparer executor.RepoPreparer, backend executor.Backend, cfg Config) *WorkerPool {
	return &WorkerPool{
		poolID:     poolID,
		store:      st,
		jobs:       jobs,
		artifacts:  art,
		preparer:   preparer,
		backend:    backend,
		config:     cfg,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[models.JobID]context.CancelFunc),
	}
}

// Start recovers leases orphaned by a previous run, spawns the workers, and
// starts the stale-lease sweeper. Safe to call multiple times; subsequent
// calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pool_id", p.poolID)
		return nil
	}
	p.started = true

	// One recovery pass before any worker can acquire: jobs left leased by
	// a crashed process become STALE and re-leasable immediately instead
	// of waiting for the first sweep tick.
	if err := p.sweepStaleLeases(ctx); err != nil {
		return fmt.Errorf("startup stale-lease recovery: %w", err)
	}

	slog.Info("Starting worker pool", "pool_id", p.poolID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.poolID, i)
		worker := NewWorker(workerID, p.store, p.jobs, p.artifacts, p.preparer, p.backend, p.config, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runStaleSweep(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish their current jobs before exiting.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.getActiveJobIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active jobs to complete",
			"count", len(active), "job_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterJob stores a cancel function for local cancellation.
func (p *WorkerPool) RegisterJob(id models.JobID, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[id] = cancel
}

// UnregisterJob removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterJob(id models.JobID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, id)
}

// CancelJob aborts a job running on this pool. Returns true if the job was
// found here. Jobs on other processes are reached through the database: the
// state change makes their next lease renewal fail.
func (p *WorkerPool) CancelJob(id models.JobID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[id]; ok {
		cancel()
		return true
	}
	return false
}

// runStaleSweep periodically reclaims expired leases.
func (p *WorkerPool) runStaleSweep(ctx context.Context) {
	ticker := time.NewTicker(p.config.StaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.sweepStaleLeases(ctx); err != nil {
				slog.Error("Stale-lease sweep failed", "error", err)
			}
		}
	}
}

// sweepStaleLeases marks lease-expired RUNNING and WAITING_ON_ANSWER jobs
// STALE so any worker can re-lease them.
func (p *WorkerPool) sweepStaleLeases(ctx context.Context) error {
	ids, err := p.store.MarkStaleLeases(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		slog.Warn("Job lease expired, marked stale for re-lease", "job_id", id)
		if _, err := p.store.AppendEvent(ctx, id, services.EventJobState, map[string]any{
			"to":      models.JobStateStale,
			"summary": "lease expired without heartbeat",
		}); err != nil {
			slog.Error("Failed to record stale transition", "job_id", id, "error", err)
		}
	}

	p.sweep.mu.Lock()
	p.sweep.lastStaleSweep = time.Now()
	p.sweep.staleRecovered += len(ids)
	p.sweep.mu.Unlock()
	return nil
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.store.CountJobsInState(ctx, models.JobStateQueued)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pool_id", p.poolID, "error", errQ)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil
	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	}

	p.sweep.mu.Lock()
	lastSweep := p.sweep.lastStaleSweep
	recovered := p.sweep.staleRecovered
	p.sweep.mu.Unlock()

	return &PoolHealth{
		IsHealthy:      len(p.workers) > 0 && dbHealthy,
		DBReachable:    dbHealthy,
		DBError:        dbError,
		PoolID:         p.poolID,
		ActiveWorkers:  activeWorkers,
		TotalWorkers:   len(p.workers),
		QueueDepth:     queueDepth,
		WorkerStats:    workerStats,
		LastStaleSweep: lastSweep,
		StaleRecovered: recovered,
	}
}

// getActiveJobIDs returns the ids of jobs currently running on this pool.
func (p *WorkerPool) getActiveJobIDs() []models.JobID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]models.JobID, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		ids = append(ids, id)
	}
	return ids
}
