package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// maxStateRetries bounds the optimistic-lock retry loop in UpdateState.
const maxStateRetries = 3

// Audit event types written to the events table.
const (
	EventJobSubmitted   = "job.submitted"
	EventJobState       = "job.state"
	EventJobFailed      = "job.failed"
	EventJobLog         = "job.log"
	EventAskCreated     = "ask.created"
	EventAnswerRecorded = "answer.recorded"
)

// JobService owns the job lifecycle: submission, the state machine, the
// Ask/Answer protocol, and the audit trail. All state changes go through it
// so transition legality is enforced in exactly one place.
type JobService struct {
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger

	now func() time.Time
}

// NewJobService creates a new JobService.
func NewJobService(st *store.Store, bus *events.Bus, logger *slog.Logger) *JobService {
	if st == nil {
		panic("NewJobService: store must not be nil")
	}
	if bus == nil {
		panic("NewJobService: bus must not be nil")
	}
	return &JobService{
		store:  st,
		bus:    bus,
		logger: logger.With("component", "job_service"),
		now:    time.Now,
	}
}

// SubmitResult reports the outcome of a submission.
type SubmitResult struct {
	Job *models.Job
	// Created is false when the idempotency key matched an existing job
	// and that job was returned instead.
	Created bool
}

// Submit validates and persists a new job. Submission is idempotent on the
// spec's idempotency key: resubmitting returns the original job unchanged.
func (s *JobService) Submit(ctx context.Context, spec models.JobSpec) (*SubmitResult, error) {
	if err := models.ValidateJobSpec(&spec); err != nil {
		return nil, NewValidationError("spec", err.Error())
	}
	if spec.Repo.Type == "local" {
		return nil, NewValidationError("repo.type", "local repositories are not accepted by this deployment")
	}

	job, err := s.store.CreateJob(ctx, spec, spec.Execution.Priority, spec.Execution.TTLSeconds)
	if errors.Is(err, store.ErrDuplicate) {
		existing, getErr := s.store.GetJobByIdempotencyKey(ctx, spec.IdempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("looking up existing job for key %q: %w", spec.IdempotencyKey, getErr)
		}
		return &SubmitResult{Job: existing, Created: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	s.audit(ctx, job.ID, EventJobSubmitted, map[string]any{
		"priority": job.Priority,
		"title":    job.Spec.Task.Title,
	})
	s.publishState(job)

	s.logger.Info("Job submitted",
		"job_id", job.ID, "priority", job.Priority, "title", job.Spec.Task.Title)
	return &SubmitResult{Job: job, Created: true}, nil
}

// Get fetches a job by id.
func (s *JobService) Get(ctx context.Context, id models.JobID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return job, nil
}

// GetStatus returns the status view of a job.
func (s *JobService) GetStatus(ctx context.Context, id models.JobID) (*models.JobStatus, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := job.Status()
	return &st, nil
}

// List pages through jobs, optionally filtered by state. The limit is
// defaulted and capped server-side.
func (s *JobService) List(ctx context.Context, params store.ListJobsParams) ([]*models.Job, int, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 200 {
		params.Limit = 200
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	if params.State != nil && !params.State.Valid() {
		return nil, 0, NewValidationError("state", fmt.Sprintf("unknown state %q", *params.State))
	}
	return s.store.ListJobs(ctx, params)
}

// UpdateState moves a job to a new state, enforcing the state machine and
// retrying lost optimistic-lock races. Illegal transitions return
// ErrWrongState; transitions into a terminal state record the reason code.
func (s *JobService) UpdateState(ctx context.Context, id models.JobID, to models.JobState, reason models.ReasonCode, summary string) (*models.Job, error) {
	job, from, changed, err := s.applyState(ctx, id, to, reason, summary)
	if err != nil {
		return nil, err
	}
	if changed {
		s.announceState(ctx, job, from, reason, summary)
	}
	return job, nil
}

// applyState performs the guarded transition without emitting the audit
// event or bus notification. It reports changed=false when the job was
// already in the target state, so retried terminal writes stay idempotent.
func (s *JobService) applyState(ctx context.Context, id models.JobID, to models.JobState, reason models.ReasonCode, summary string) (*models.Job, models.JobState, bool, error) {
	if !to.Valid() {
		return nil, "", false, NewValidationError("state", fmt.Sprintf("unknown state %q", to))
	}

	for attempt := 0; ; attempt++ {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, "", false, err
		}
		if job.State == to {
			return job, job.State, false, nil
		}
		if !models.CanTransition(job.State, to) {
			return nil, "", false, fmt.Errorf("job %s: %s -> %s: %w", id, job.State, to, ErrWrongState)
		}

		from := job.State
		updated, err := s.store.UpdateJobState(ctx, store.UpdateJobStateParams{
			ID:            id,
			State:         to,
			ReasonCode:    reason,
			Summary:       summary,
			ExpectVersion: &job.StateVersion,
		})
		if errors.Is(err, store.ErrConflict) {
			if attempt+1 >= maxStateRetries {
				return nil, "", false, fmt.Errorf("job %s: %w", id, ErrConcurrentModification)
			}
			continue
		}
		if err != nil {
			return nil, "", false, mapStoreErr(err)
		}
		return updated, from, true, nil
	}
}

// announceState writes the audit row and bus notification for an applied
// transition.
func (s *JobService) announceState(ctx context.Context, job *models.Job, from models.JobState, reason models.ReasonCode, summary string) {
	s.audit(ctx, job.ID, EventJobState, map[string]any{
		"from":        from,
		"to":          job.State,
		"reason_code": reason,
		"summary":     summary,
	})
	s.publishState(job)

	s.logger.Info("Job state changed",
		"job_id", job.ID, "from", from, "to", job.State, "reason_code", reason)
}

// Cancel requests cancellation of a job. Legal from any non-terminal state
// the state machine admits; the worker holding the lease observes the state
// change on its next heartbeat and aborts.
func (s *JobService) Cancel(ctx context.Context, id models.JobID, summary string) (*models.Job, error) {
	if summary == "" {
		summary = "Canceled by user"
	}
	return s.UpdateState(ctx, id, models.JobStateCanceled, "", summary)
}

// Fail moves a job to FAILED with a reason code and writes the job.failed
// audit event alongside the state change.
func (s *JobService) Fail(ctx context.Context, id models.JobID, reason models.ReasonCode, message string) (*models.Job, error) {
	job, err := s.UpdateState(ctx, id, models.JobStateFailed, reason, message)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, id, EventJobFailed, map[string]any{
		"reasonCode": reason,
		"message":    message,
	})
	return job, nil
}

// CreateAsk records a question raised by a running job and parks the job in
// WAITING_ON_ANSWER. At most one ask may be open per (job, step).
func (s *JobService) CreateAsk(ctx context.Context, payload *models.AskPayload) (*models.Ask, error) {
	if err := payload.Validate(); err != nil {
		return nil, NewValidationError("ask", err.Error())
	}

	job, err := s.Get(ctx, payload.JobID)
	if err != nil {
		return nil, err
	}
	if job.State != models.JobStateRunning {
		return nil, fmt.Errorf("job %s is %s, asks require a running job: %w",
			job.ID, job.State, ErrWrongState)
	}

	ask := &models.Ask{
		AskID:           payload.AskID,
		JobID:           payload.JobID,
		StepID:          payload.StepID,
		AskType:         payload.AskType,
		Prompt:          payload.Prompt,
		ContextEnvelope: payload.ContextEnvelope,
		ContextHash:     payload.ContextHash,
		Constraints:     payload.Constraints,
		RoleID:          payload.RoleID,
		Meta:            payload.Meta,
		Status:          models.AskStatusPending,
		CreatedAt:       s.now().UnixMilli(),
	}
	if ask.AskID == "" {
		ask.AskID = models.NewAskID()
	}

	if err := s.store.CreateAsk(ctx, ask); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("open ask already exists for job %s step %s: %w",
				ask.JobID, ask.StepID, ErrAlreadyExists)
		}
		return nil, mapStoreErr(err)
	}

	if _, err := s.UpdateState(ctx, job.ID, models.JobStateWaitingOnAnswer, "", ""); err != nil {
		// The job moved under us between the state check and here. Close
		// the orphaned ask so the (job, step) slot frees up.
		if stErr := s.store.SetAskStatus(ctx, ask.AskID, models.AskStatusPending, models.AskStatusError); stErr != nil {
			s.logger.Error("Failed to close orphaned ask",
				"ask_id", ask.AskID, "error", stErr)
		}
		return nil, err
	}

	s.audit(ctx, ask.JobID, EventAskCreated, map[string]any{
		"ask_id":   ask.AskID,
		"step_id":  ask.StepID,
		"ask_type": ask.AskType,
	})
	s.bus.Publish(events.Notification{
		Type:    events.TypeAskCreated,
		JobID:   ask.JobID,
		AskID:   ask.AskID,
		Payload: ask,
	})

	s.logger.Info("Ask created",
		"ask_id", ask.AskID, "job_id", ask.JobID, "step_id", ask.StepID, "ask_type", ask.AskType)
	return ask, nil
}

// GetAsk fetches an ask by id.
func (s *JobService) GetAsk(ctx context.Context, id models.AskID) (*models.Ask, error) {
	ask, err := s.store.GetAsk(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return ask, nil
}

// ListAsks returns all asks for a job, oldest first.
func (s *JobService) ListAsks(ctx context.Context, jobID models.JobID) ([]*models.Ask, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListAsksByJob(ctx, jobID)
}

// GetAnswer fetches the recorded answer for an ask, if any.
func (s *JobService) GetAnswer(ctx context.Context, askID models.AskID) (*models.Answer, error) {
	ans, err := s.store.GetAnswer(ctx, askID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return ans, nil
}

// RecordAnswer closes a pending ask with its answer and steers the job:
// ANSWERED resumes it, every other status fails it with the matching reason
// code. An ANSWERED answer must carry an attestation whose context hash
// matches the ask's, otherwise it is refused.
func (s *JobService) RecordAnswer(ctx context.Context, payload *models.AnswerPayload) (*models.Answer, error) {
	if err := payload.Validate(); err != nil {
		return nil, NewValidationError("answer", err.Error())
	}

	ask, err := s.GetAsk(ctx, payload.AskID)
	if err != nil {
		return nil, err
	}
	if ask.JobID != payload.JobID || ask.StepID != payload.StepID {
		return nil, NewValidationError("ask_id",
			fmt.Sprintf("answer addresses job %s step %s but ask %s belongs to job %s step %s",
				payload.JobID, payload.StepID, ask.AskID, ask.JobID, ask.StepID))
	}
	if ask.Status != models.AskStatusPending {
		return nil, fmt.Errorf("ask %s already closed with status %s: %w",
			ask.AskID, ask.Status, ErrWrongState)
	}

	if payload.Status == models.AnswerStatusAnswered {
		if payload.Attestation == nil {
			return nil, NewValidationError("attestation", "an ANSWERED answer requires an attestation")
		}
		if payload.Attestation.ContextHash != ask.ContextHash {
			return nil, NewValidationError("attestation.context_hash",
				fmt.Sprintf("%s: attestation hash does not match the ask's context hash", models.ReasonContextMismatch))
		}
	}

	answer := &models.Answer{
		AskID:       ask.AskID,
		JobID:       ask.JobID,
		StepID:      ask.StepID,
		Status:      payload.Status,
		AnswerText:  payload.AnswerText,
		AnswerJSON:  payload.AnswerJSON,
		Attestation: payload.Attestation,
		Artifacts:   payload.Artifacts,
		PolicyTrace: payload.PolicyTrace,
		Cacheable:   payload.IsCacheable(),
		AskBack:     payload.AskBack,
		Error:       payload.Error,
		CreatedAt:   s.now().UnixMilli(),
	}
	if err := s.store.UpsertAnswer(ctx, answer); err != nil {
		return nil, mapStoreErr(err)
	}
	if err := s.store.SetAskStatus(ctx, ask.AskID, models.AskStatusPending, models.AskStatus(payload.Status)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("ask %s: %w", ask.AskID, ErrConcurrentModification)
		}
		return nil, mapStoreErr(err)
	}

	// The job transition is applied before anything goes out, so an
	// executor released by the answer always observes the post-answer
	// state. The notifications still leave in order: answer first, then
	// the state change it caused.
	steered, steerErr := s.steerJobAfterAnswer(ctx, answer)
	if steerErr != nil {
		// The answer is durable; a racing cancel or expiry owns the job
		// state now. Surface nothing to the answerer.
		s.logger.Warn("Answer recorded but job did not follow",
			"ask_id", answer.AskID, "job_id", answer.JobID, "status", answer.Status, "error", steerErr)
	}

	s.audit(ctx, answer.JobID, EventAnswerRecorded, map[string]any{
		"ask_id":  answer.AskID,
		"step_id": answer.StepID,
		"status":  answer.Status,
		"cached":  false,
	})
	s.bus.Publish(events.Notification{
		Type:    events.TypeAnswerRecorded,
		JobID:   answer.JobID,
		AskID:   answer.AskID,
		Payload: answer,
	})

	if steerErr == nil && steered.changed {
		s.announceState(ctx, steered.job, steered.from, steered.reason, steered.summary)
	}

	s.logger.Info("Answer recorded",
		"ask_id", answer.AskID, "job_id", answer.JobID, "status", answer.Status)
	return answer, nil
}

// steerOutcome is an applied answer-driven transition awaiting its
// announcements.
type steerOutcome struct {
	job     *models.Job
	from    models.JobState
	reason  models.ReasonCode
	summary string
	changed bool
}

// steerJobAfterAnswer applies the answer-status to job-state mapping.
func (s *JobService) steerJobAfterAnswer(ctx context.Context, answer *models.Answer) (steerOutcome, error) {
	out := steerOutcome{summary: answer.Error}
	if out.summary == "" {
		out.summary = answer.AnswerText
	}

	target := models.JobStateFailed
	switch answer.Status {
	case models.AnswerStatusAnswered:
		target, out.reason, out.summary = models.JobStateRunning, "", ""
	case models.AnswerStatusRejected:
		out.reason = models.ReasonPolicy
	case models.AnswerStatusTimeout:
		out.reason = models.ReasonTimeout
	case models.AnswerStatusError:
		out.reason = models.ReasonExecutorError
	}

	job, from, changed, err := s.applyState(ctx, answer.JobID, target, out.reason, out.summary)
	if err != nil {
		return steerOutcome{}, err
	}
	out.job, out.from, out.changed = job, from, changed
	return out, nil
}

// ListEvents returns a job's audit trail after the given event id.
func (s *JobService) ListEvents(ctx context.Context, jobID models.JobID, afterID int64) ([]*models.Event, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, jobID, afterID)
}

// EmitLog appends a log line to the job's audit trail and notifies live
// streams.
func (s *JobService) EmitLog(ctx context.Context, jobID models.JobID, message string) {
	s.audit(ctx, jobID, EventJobLog, map[string]any{"message": message})
	s.bus.Publish(events.Notification{
		Type:    events.TypeJobLog,
		JobID:   jobID,
		Payload: message,
	})
}

// RecordArtifact stores artifact metadata produced by a job run.
func (s *JobService) RecordArtifact(ctx context.Context, meta *models.ArtifactMeta) error {
	if !meta.Kind.Valid() {
		return NewValidationError("kind", fmt.Sprintf("unknown artifact kind %q", meta.Kind))
	}
	if err := s.store.PutArtifact(ctx, meta); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// ListArtifacts returns all artifact metadata for a job.
func (s *JobService) ListArtifacts(ctx context.Context, jobID models.JobID) ([]*models.ArtifactMeta, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListArtifacts(ctx, jobID)
}

// GetArtifact returns one artifact's metadata by (job, kind).
func (s *JobService) GetArtifact(ctx context.Context, jobID models.JobID, kind models.ArtifactKind) (*models.ArtifactMeta, error) {
	meta, err := s.store.GetArtifact(ctx, jobID, kind)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return meta, nil
}

// audit appends an event row. Audit failures are logged, not propagated:
// the primary write already succeeded.
func (s *JobService) audit(ctx context.Context, jobID models.JobID, eventType string, payload any) {
	if _, err := s.store.AppendEvent(ctx, jobID, eventType, payload); err != nil {
		s.logger.Error("Failed to append audit event",
			"job_id", jobID, "type", eventType, "error", err)
	}
}

func (s *JobService) publishState(job *models.Job) {
	s.bus.Publish(events.Notification{
		Type:    events.TypeJobStateChanged,
		JobID:   job.ID,
		Payload: job,
	})
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %s", ErrConcurrentModification, err)
	default:
		return err
	}
}
