package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/relay/pkg/models"
)

const jobColumns = `id, idempotency_key, state, state_version, priority, created_at,
	started_at, finished_at, ttl_s, heartbeat_at, lease_owner, lease_expires_at,
	spec, summary, reason_code`

// CreateJob inserts a new job in state QUEUED with state_version 0.
func (s *Store) CreateJob(ctx context.Context, spec models.JobSpec, priority models.Priority, ttlS int64) (*models.Job, error) {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshaling job spec: %w", err)
	}

	job := &models.Job{
		ID:             models.NewJobID(s.now()),
		IdempotencyKey: spec.IdempotencyKey,
		State:          models.JobStateQueued,
		StateVersion:   0,
		Priority:       priority,
		CreatedAt:      s.nowMS(),
		TTLSeconds:     ttlS,
		Spec:           spec,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, idempotency_key, state, state_version, priority, created_at, ttl_s, spec)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.IdempotencyKey, job.State, job.Priority, job.CreatedAt, job.TTLSeconds, string(specJSON),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("live job with idempotency key %q: %w", spec.IdempotencyKey, ErrDuplicate)
		}
		return nil, fmt.Errorf("inserting job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id models.JobID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetJobByIdempotencyKey fetches the live (non-terminal) job holding the
// key. The partial unique index guarantees at most one exists.
func (s *Store) GetJobByIdempotencyKey(ctx context.Context, key string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE idempotency_key = ? AND state NOT IN (?, ?, ?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		key, models.JobStateSucceeded, models.JobStateFailed, models.JobStateCanceled, models.JobStateExpired)
	return scanJob(row)
}

// ListJobsParams filters and pages ListJobs.
type ListJobsParams struct {
	State  *models.JobState
	Limit  int
	Offset int
}

// ListJobs returns jobs ordered by priority then creation time, plus the
// total count matching the filter.
func (s *Store) ListJobs(ctx context.Context, params ListJobsParams) ([]*models.Job, int, error) {
	where := ""
	args := []any{}
	if params.State != nil {
		where = ` WHERE state = ?`
		args = append(args, *params.State)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + where +
		` ORDER BY priority ASC, created_at ASC LIMIT ? OFFSET ?`
	args = append(args, params.Limit, params.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// CountJobsInState returns how many jobs are currently in the given state.
func (s *Store) CountJobsInState(ctx context.Context, state models.JobState) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE state = ?`, state).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting jobs in state %s: %w", state, err)
	}
	return n, nil
}

// UpdateJobStateParams describes a guarded state write.
type UpdateJobStateParams struct {
	ID         models.JobID
	State      models.JobState
	ReasonCode models.ReasonCode
	Summary    string

	// ExpectVersion, when non-nil, makes the write a compare-and-swap on
	// state_version; ErrConflict is returned if another writer got there
	// first.
	ExpectVersion *int64
}

// UpdateJobState writes a new state, bumping state_version, stamping
// finished_at iff the new state is terminal, and clearing the lease when
// the new state cannot hold one.
func (s *Store) UpdateJobState(ctx context.Context, params UpdateJobStateParams) (*models.Job, error) {
	now := s.nowMS()

	set := `state = ?, state_version = state_version + 1`
	args := []any{params.State}
	if params.State.Terminal() {
		set += `, finished_at = ?`
		args = append(args, now)
	}
	if !params.State.Leased() {
		set += `, lease_owner = NULL, lease_expires_at = NULL`
	}
	if params.ReasonCode != "" {
		set += `, reason_code = ?`
		args = append(args, params.ReasonCode)
	}
	if params.Summary != "" {
		set += `, summary = ?`
		args = append(args, params.Summary)
	}

	where := ` WHERE id = ?`
	args = append(args, params.ID)
	if params.ExpectVersion != nil {
		where += ` AND state_version = ?`
		args = append(args, *params.ExpectVersion)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+set+where, args...)
	if err != nil {
		return nil, fmt.Errorf("updating job state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Distinguish a missing row from a lost CAS.
		if _, getErr := s.GetJob(ctx, params.ID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("job %s: %w", params.ID, ErrConflict)
	}
	return s.GetJob(ctx, params.ID)
}

// AcquireLease claims the oldest leasable job (QUEUED, or STALE with an
// expired lease) in a single atomic statement, moving it to RUNNING under
// the caller's lease. Returns ok=false when the queue is empty. No two
// callers can win the same job: the claim is one UPDATE and SQLite admits a
// single writer.
func (s *Store) AcquireLease(ctx context.Context, owner models.LeaseOwner, leaseTTL time.Duration) (models.JobID, bool, error) {
	now := s.nowMS()
	var id models.JobID
	err := s.db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET state = ?, state_version = state_version + 1,
		     lease_owner = ?, lease_expires_at = ?,
		     started_at = COALESCE(started_at, ?), heartbeat_at = ?
		 WHERE id = (
		     SELECT id FROM jobs
		     WHERE state IN (?, ?)
		       AND (lease_expires_at IS NULL OR lease_expires_at < ?)
		     ORDER BY priority ASC, created_at ASC
		     LIMIT 1
		 )
		 RETURNING id`,
		models.JobStateRunning, owner, now+leaseTTL.Milliseconds(), now, now,
		models.JobStateQueued, models.JobStateStale, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("acquiring lease: %w", err)
	}
	return id, true, nil
}

// RenewLease extends the lease and records a heartbeat. Returns false when
// the caller no longer owns the job or the job left the leased states, in
// which case the worker must abort its in-flight work.
func (s *Store) RenewLease(ctx context.Context, id models.JobID, owner models.LeaseOwner, leaseTTL time.Duration) (bool, error) {
	now := s.nowMS()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = ?, lease_expires_at = ?
		 WHERE id = ? AND lease_owner = ? AND state IN (?, ?)`,
		now, now+leaseTTL.Milliseconds(), id, owner,
		models.JobStateRunning, models.JobStateWaitingOnAnswer,
	)
	if err != nil {
		return false, fmt.Errorf("renewing lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReleaseLease clears the lease if the caller still owns it. Best-effort:
// releasing a lease someone else reclaimed is not an error.
func (s *Store) ReleaseLease(ctx context.Context, id models.JobID, owner models.LeaseOwner) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = ? AND lease_owner = ?`,
		id, owner,
	)
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

// MarkStaleLeases flags leased jobs whose lease expired as STALE so another
// worker can re-acquire them. Returns the affected job ids.
func (s *Store) MarkStaleLeases(ctx context.Context) ([]models.JobID, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE jobs
		 SET state = ?, state_version = state_version + 1,
		     lease_owner = NULL, lease_expires_at = NULL
		 WHERE state IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		 RETURNING id`,
		models.JobStateStale, models.JobStateRunning, models.JobStateWaitingOnAnswer, s.nowMS(),
	)
	if err != nil {
		return nil, fmt.Errorf("marking stale leases: %w", err)
	}
	defer rows.Close()
	return collectJobIDs(rows)
}

// ExpireJobs moves non-terminal jobs past their TTL to EXPIRED. Returns the
// affected job ids.
func (s *Store) ExpireJobs(ctx context.Context) ([]models.JobID, error) {
	now := s.nowMS()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE jobs
		 SET state = ?, state_version = state_version + 1, finished_at = ?,
		     lease_owner = NULL, lease_expires_at = NULL
		 WHERE state NOT IN (?, ?, ?, ?) AND created_at + ttl_s * 1000 < ?
		 RETURNING id`,
		models.JobStateExpired, now,
		models.JobStateSucceeded, models.JobStateFailed, models.JobStateCanceled, models.JobStateExpired,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("expiring jobs: %w", err)
	}
	defer rows.Close()
	return collectJobIDs(rows)
}

func collectJobIDs(rows *sql.Rows) ([]models.JobID, error) {
	var ids []models.JobID
	for rows.Next() {
		var id models.JobID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job       models.Job
		specJSON  string
		started   sql.NullInt64
		finished  sql.NullInt64
		heartbeat sql.NullInt64
		owner     sql.NullString
		leaseExp  sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.IdempotencyKey, &job.State, &job.StateVersion, &job.Priority,
		&job.CreatedAt, &started, &finished, &job.TTLSeconds, &heartbeat,
		&owner, &leaseExp, &specJSON, &job.Summary, &job.ReasonCode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	if started.Valid {
		job.StartedAt = &started.Int64
	}
	if finished.Valid {
		job.FinishedAt = &finished.Int64
	}
	if heartbeat.Valid {
		job.HeartbeatAt = &heartbeat.Int64
	}
	if owner.Valid {
		lo := models.LeaseOwner(owner.String)
		job.LeaseOwner = &lo
	}
	if leaseExp.Valid {
		job.LeaseExpiresAt = &leaseExp.Int64
	}
	if err := json.Unmarshal([]byte(specJSON), &job.Spec); err != nil {
		return nil, fmt.Errorf("unmarshaling job spec: %w", err)
	}
	return &job, nil
}
