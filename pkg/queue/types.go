// Package queue provides the worker pool that leases jobs, runs the
// executor backend, and writes the resulting artifacts.
package queue

import (
	"time"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// Config controls the worker pool.
type Config struct {
	// WorkerCount is the number of cooperative workers.
	WorkerCount int

	// PollInterval is the sleep between empty lease attempts;
	// PollIntervalJitter spreads workers out so they do not poll in
	// lockstep.
	PollInterval       time.Duration
	PollIntervalJitter time.Duration

	// LeaseTTL is how long a lease lives without renewal.
	// HeartbeatInterval is how often a worker renews; it must be well
	// under LeaseTTL.
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration

	// StaleSweepInterval is how often expired leases are swept to STALE.
	StaleSweepInterval time.Duration

	// WorkDir is the scratch root for per-job checkouts.
	WorkDir string
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy      bool           `json:"is_healthy"`
	DBReachable    bool           `json:"db_reachable"`
	DBError        string         `json:"db_error,omitempty"`
	PoolID         string         `json:"pool_id"`
	ActiveWorkers  int            `json:"active_workers"`
	TotalWorkers   int            `json:"total_workers"`
	QueueDepth     int            `json:"queue_depth"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
	LastStaleSweep time.Time      `json:"last_stale_sweep"`
	StaleRecovered int            `json:"stale_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  models.JobID `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)
