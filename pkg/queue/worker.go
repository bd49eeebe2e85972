package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/codeready-toolchain/relay/pkg/artifacts"
	"github.com/codeready-toolchain/relay/pkg/executor"
	"github.com/codeready-toolchain/relay/pkg/masking"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// reasonAbandoned is an internal sentinel, never persisted: it marks a job
// whose state was taken over externally while this worker held it.
const reasonAbandoned models.ReasonCode = "abandoned"

// JobRegistry is the subset of WorkerPool used by Worker for job
// registration.
type JobRegistry interface {
	RegisterJob(id models.JobID, cancel context.CancelFunc)
	UnregisterJob(id models.JobID)
}

// Worker is a single queue worker that leases and processes jobs.
type Worker struct {
	id        string
	owner     models.LeaseOwner
	store     *store.Store
	jobs      *services.JobService
	artifacts *artifacts.Store
	preparer  executor.RepoPreparer
	backend   executor.Backend
	masker    *masking.Masker
	config    Config
	pool      JobRegistry
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  models.JobID
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id string, st *store.Store, jobs *services.JobService, art *artifacts.Store, preparer executor.RepoPreparer, backend executor.Backend, cfg Config, pool JobRegistry) *Worker {
	return &Worker{
		id:           id,
		owner:        models.LeaseOwner(id),
		store:        st,
		jobs:         jobs,
		artifacts:    art,
		preparer:     preparer,
		backend:      backend,
		masker:       masking.NewMasker(),
		config:       cfg,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. It is safe
// to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			jobID, ok, err := w.store.AcquireLease(ctx, w.owner, w.config.LeaseTTL)
			if err != nil {
				log.Error("Lease acquisition failed", "error", err)
				w.sleep(time.Second)
				continue
			}
			if !ok {
				w.sleep(w.pollInterval())
				continue
			}
			w.processJob(ctx, jobID)
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// processJob drives one leased job from RUNNING to a terminal state.
func (w *Worker) processJob(ctx context.Context, jobID models.JobID) {
	log := slog.With("job_id", jobID, "worker_id", w.id)
	log.Info("Job leased")

	w.setStatus(WorkerStatusWorking, jobID)
	defer w.setStatus(WorkerStatusIdle, "")

	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		log.Error("Failed to load leased job", "error", err)
		_ = w.store.ReleaseLease(context.Background(), jobID, w.owner)
		return
	}

	timeout := time.Duration(job.Spec.Execution.TimeoutS) * time.Second
	jobCtx, cancelJob := context.WithTimeout(ctx, timeout)
	defer cancelJob()

	w.pool.RegisterJob(jobID, cancelJob)
	defer w.pool.UnregisterJob(jobID)

	// Heartbeat: renew the lease until the job finishes. A failed renewal
	// means the job was canceled, failed through an answer, or reclaimed;
	// in every case this worker must abort its backend call.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runHeartbeat(heartbeatCtx, jobID, cancelJob)
	}()

	reason, message := w.executeJob(jobCtx, job, log)
	cancelHeartbeat()

	// Terminal writes use a fresh context: jobCtx is often already
	// canceled or expired at this point.
	switch {
	case reason == "":
		if _, err := w.jobs.UpdateState(context.Background(), jobID, models.JobStateSucceeded, "", message); err != nil {
			log.Error("Failed to mark job succeeded", "error", err)
		} else {
			log.Info("Job succeeded")
		}
	case reason == reasonAbandoned:
		// Someone else owns the job state now (cancel, answer-driven
		// failure, lease takeover). Nothing terminal to write.
		log.Info("Job aborted externally, leaving state to its new owner")
	default:
		if _, err := w.jobs.Fail(context.Background(), jobID, reason, message); err != nil {
			if errors.Is(err, services.ErrWrongState) {
				log.Info("Job already terminal, skipping failure write", "reason_code", reason)
			} else {
				log.Error("Failed to mark job failed", "reason_code", reason, "error", err)
			}
		} else {
			log.Warn("Job failed", "reason_code", reason, "message", message)
		}
	}

	_ = w.store.ReleaseLease(context.Background(), jobID, w.owner)

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
}

// executeJob runs the backend for one job and writes its artifacts.
// It returns ("", summary) on success, ("abandoned", _) when the job state
// belongs to someone else, and (reasonCode, message) on failure.
func (w *Worker) executeJob(ctx context.Context, job *models.Job, log *slog.Logger) (reason models.ReasonCode, message string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while processing job", "panic", r)
			reason, message = models.ReasonInternalError, fmt.Sprintf("panic: %v", r)
		}
	}()

	workDir, err := os.MkdirTemp(w.config.WorkDir, "job-")
	if err != nil {
		return models.ReasonInternalError, fmt.Sprintf("creating work directory: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("Failed to remove work directory", "dir", workDir, "error", err)
		}
	}()

	w.jobs.EmitLog(ctx, job.ID, "preparing repository at "+job.Spec.Repo.BaselineCommit.String())
	repoDir, err := w.preparer.Prepare(ctx, job.Spec.Repo, workDir)
	if err != nil {
		if abandoned := w.abortReason(ctx); abandoned != "" {
			return abandoned, ""
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return models.ReasonTimeout, fmt.Sprintf("job timed out after %ds", job.Spec.Execution.TimeoutS)
		}
		return models.ReasonExecutorError, fmt.Sprintf("preparing repository: %v", err)
	}

	w.jobs.EmitLog(ctx, job.ID, "running executor backend")
	result, err := w.backend.Run(ctx, job, repoDir)
	if err != nil {
		if abandoned := w.abortReason(ctx); abandoned != "" {
			return abandoned, ""
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return models.ReasonTimeout, fmt.Sprintf("job timed out after %ds", job.Spec.Execution.TimeoutS)
		case errors.Is(err, executor.ErrPolicyViolation):
			return models.ReasonPolicy, err.Error()
		case errors.Is(err, executor.ErrBadArtifacts):
			return models.ReasonBadArtifacts, err.Error()
		default:
			return models.ReasonExecutorError, err.Error()
		}
	}

	w.jobs.EmitLog(ctx, job.ID, "writing artifacts")
	if err := w.writeArtifacts(ctx, job.ID, result); err != nil {
		return models.ReasonInternalError, err.Error()
	}

	// An empty diff means the backend produced no change; there is
	// nothing to apply.
	if result.Diff != "" {
		w.jobs.EmitLog(ctx, job.ID, "validating diff against baseline")
		if err := w.preparer.ApplyCheck(ctx, repoDir, []byte(result.Diff)); err != nil {
			if abandoned := w.abortReason(ctx); abandoned != "" {
				return abandoned, ""
			}
			return models.ReasonConflict, err.Error()
		}
	}

	return "", fmt.Sprintf("completed: %s", job.Spec.Task.Title)
}

// abortReason distinguishes an externally-aborted job (cancel or lease
// loss, surfaced as jobCtx cancellation) from the job's own failures.
func (w *Worker) abortReason(ctx context.Context) models.ReasonCode {
	if errors.Is(ctx.Err(), context.Canceled) {
		return reasonAbandoned
	}
	return ""
}

// writeArtifacts persists the three standard artifacts and records their
// metadata. The report and log artifacts are masked; the diff is written
// byte-exact so it still applies cleanly.
func (w *Worker) writeArtifacts(ctx context.Context, jobID models.JobID, result *executor.Result) error {
	outMD := "# Test Plan\n\n" + result.TestPlan + "\n\n# Notes\n\n" + result.Notes + "\n"

	files := []struct {
		kind models.ArtifactKind
		data []byte
	}{
		{models.ArtifactPatchDiff, []byte(result.Diff)},
		{models.ArtifactOutMD, w.masker.Mask([]byte(outMD))},
		{models.ArtifactLogsTxt, w.masker.Mask([]byte(result.RawOutput))},
	}
	for _, f := range files {
		meta, err := w.artifacts.Write(jobID, f.kind, f.data)
		if err != nil {
			return fmt.Errorf("writing artifact %s: %w", f.kind, err)
		}
		if err := w.jobs.RecordArtifact(ctx, meta); err != nil {
			return fmt.Errorf("recording artifact %s: %w", f.kind, err)
		}
	}
	return nil
}

// runHeartbeat renews the lease until the job finishes; a failed renewal
// aborts the in-flight job.
func (w *Worker) runHeartbeat(ctx context.Context, jobID models.JobID, abort context.CancelFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := w.store.RenewLease(ctx, jobID, w.owner, w.config.LeaseTTL)
			if err != nil {
				slog.Warn("Heartbeat renewal errored", "job_id", jobID, "error", err)
				continue
			}
			if !renewed {
				slog.Info("Lease renewal refused, aborting job",
					"job_id", jobID, "worker_id", w.id)
				abort()
				return
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID models.JobID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
