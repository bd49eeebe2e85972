// Package models defines the task-relay domain model: entities, closed
// enumerations, the job state machine, wire payloads, and the canonical
// context-envelope hash both sides of the Ask/Answer protocol agree on.
package models

// JobState is the lifecycle state of a job.
type JobState string

// Job lifecycle states.
const (
	JobStateQueued          JobState = "QUEUED"
	JobStateRunning         JobState = "RUNNING"
	JobStateWaitingOnAnswer JobState = "WAITING_ON_ANSWER"
	JobStateStale           JobState = "STALE"
	JobStateSucceeded       JobState = "SUCCEEDED"
	JobStateFailed          JobState = "FAILED"
	JobStateCanceled        JobState = "CANCELED"
	JobStateExpired         JobState = "EXPIRED"
)

// Valid reports whether s is a member of the closed state set.
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateRunning, JobStateWaitingOnAnswer, JobStateStale,
		JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateExpired:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateExpired:
		return true
	}
	return false
}

// Leased reports whether a job in state s may hold a lease.
// Invariant: lease_owner is set iff the job is in a leased state.
func (s JobState) Leased() bool {
	return s == JobStateRunning || s == JobStateWaitingOnAnswer
}

// Priority orders jobs in the queue. Lexical order matches scheduling order.
type Priority string

// Job priorities, highest first.
const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Valid reports whether p is a member of the closed priority set.
func (p Priority) Valid() bool {
	return p == PriorityP0 || p == PriorityP1 || p == PriorityP2
}

// AskType classifies the question an executor raises.
type AskType string

// Ask types.
const (
	AskTypeClarification  AskType = "CLARIFICATION"
	AskTypeResourceFetch  AskType = "RESOURCE_FETCH"
	AskTypePolicyDecision AskType = "POLICY_DECISION"
	AskTypeApproval       AskType = "APPROVAL"
	AskTypeChoice         AskType = "CHOICE"
)

// Valid reports whether t is a member of the closed ask-type set.
func (t AskType) Valid() bool {
	switch t {
	case AskTypeClarification, AskTypeResourceFetch, AskTypePolicyDecision,
		AskTypeApproval, AskTypeChoice:
		return true
	}
	return false
}

// AskStatus is the lifecycle status of an Ask.
type AskStatus string

// Ask statuses.
const (
	AskStatusPending  AskStatus = "PENDING"
	AskStatusAnswered AskStatus = "ANSWERED"
	AskStatusRejected AskStatus = "REJECTED"
	AskStatusTimeout  AskStatus = "TIMEOUT"
	AskStatusError    AskStatus = "ERROR"
)

// AnswerStatus is the outcome of an Ask. It is the non-PENDING subset of
// AskStatus: recording an Answer stamps the same value onto the Ask.
type AnswerStatus string

// Answer statuses.
const (
	AnswerStatusAnswered AnswerStatus = "ANSWERED"
	AnswerStatusRejected AnswerStatus = "REJECTED"
	AnswerStatusTimeout  AnswerStatus = "TIMEOUT"
	AnswerStatusError    AnswerStatus = "ERROR"
)

// Valid reports whether s is a member of the closed answer-status set.
func (s AnswerStatus) Valid() bool {
	switch s {
	case AnswerStatusAnswered, AnswerStatusRejected, AnswerStatusTimeout, AnswerStatusError:
		return true
	}
	return false
}

// ReasonCode is a stable, user-visible failure classification.
type ReasonCode string

// Reason codes. The E_* codes also appear verbatim in Answer error strings.
const (
	ReasonContextMismatch   ReasonCode = "E_CONTEXT_MISMATCH"
	ReasonCapsViolation     ReasonCode = "E_CAPS_VIOLATION"
	ReasonNoContextEnvelope ReasonCode = "E_NO_CONTEXT_ENVELOPE"
	ReasonBadArtifacts      ReasonCode = "BAD_ARTIFACTS"
	ReasonConflict          ReasonCode = "CONFLICT"
	ReasonPolicy            ReasonCode = "POLICY"
	ReasonExecutorError     ReasonCode = "EXECUTOR_ERROR"
	ReasonTimeout           ReasonCode = "TIMEOUT"
	ReasonInternalError     ReasonCode = "INTERNAL_ERROR"
)

// ArtifactKind names a job output artifact.
type ArtifactKind string

// Artifact kinds.
const (
	ArtifactPatchDiff ArtifactKind = "patch.diff"
	ArtifactOutMD     ArtifactKind = "out.md"
	ArtifactLogsTxt   ArtifactKind = "logs.txt"
	ArtifactPRJSON    ArtifactKind = "pr.json"
)

// Valid reports whether k is a member of the closed artifact-kind set.
func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactPatchDiff, ArtifactOutMD, ArtifactLogsTxt, ArtifactPRJSON:
		return true
	}
	return false
}

// MIMEType returns the content type served for an artifact kind.
func (k ArtifactKind) MIMEType() string {
	switch k {
	case ArtifactPatchDiff:
		return "text/x-diff"
	case ArtifactOutMD:
		return "text/markdown"
	case ArtifactPRJSON:
		return "application/json"
	default:
		return "text/plain"
	}
}
