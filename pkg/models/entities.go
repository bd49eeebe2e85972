package models

import "encoding/json"

// All timestamps are milliseconds since the Unix epoch.

// Job is the unit of executor work tracked by the scheduler.
type Job struct {
	ID             JobID       `json:"id"`
	IdempotencyKey string      `json:"idempotency_key"`
	State          JobState    `json:"state"`
	StateVersion   int64       `json:"state_version"`
	Priority       Priority    `json:"priority"`
	CreatedAt      int64       `json:"created_at"`
	StartedAt      *int64      `json:"started_at,omitempty"`
	FinishedAt     *int64      `json:"finished_at,omitempty"`
	TTLSeconds     int64       `json:"ttl_s"`
	HeartbeatAt    *int64      `json:"heartbeat_at,omitempty"`
	LeaseOwner     *LeaseOwner `json:"lease_owner,omitempty"`
	LeaseExpiresAt *int64      `json:"lease_expires_at,omitempty"`
	Spec           JobSpec     `json:"spec"`
	Summary        string      `json:"summary,omitempty"`
	ReasonCode     ReasonCode  `json:"reason_code,omitempty"`
}

// JobStatus is the read view returned by status endpoints and MCP resources.
type JobStatus struct {
	ID         JobID      `json:"id"`
	State      JobState   `json:"state"`
	Priority   Priority   `json:"priority"`
	Summary    string     `json:"summary,omitempty"`
	ReasonCode ReasonCode `json:"reason_code,omitempty"`
	CreatedAt  int64      `json:"created_at"`
	StartedAt  *int64     `json:"started_at,omitempty"`
	FinishedAt *int64     `json:"finished_at,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
}

// Status derives the JobStatus view, computing duration when both ends are set.
func (j *Job) Status() JobStatus {
	st := JobStatus{
		ID:         j.ID,
		State:      j.State,
		Priority:   j.Priority,
		Summary:    j.Summary,
		ReasonCode: j.ReasonCode,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
	if j.StartedAt != nil && j.FinishedAt != nil {
		d := *j.FinishedAt - *j.StartedAt
		st.DurationMS = &d
	}
	return st
}

// LastUpdate returns the most recent lifecycle timestamp.
func (j *Job) LastUpdate() int64 {
	switch {
	case j.FinishedAt != nil:
		return *j.FinishedAt
	case j.StartedAt != nil:
		return *j.StartedAt
	default:
		return j.CreatedAt
	}
}

// Ask is a question raised by a running job. The context envelope is kept
// as parsed JSON so the runner can re-canonicalize and verify its hash.
type Ask struct {
	AskID           AskID           `json:"ask_id"`
	JobID           JobID           `json:"job_id"`
	StepID          StepID          `json:"step_id"`
	AskType         AskType         `json:"ask_type"`
	Prompt          string          `json:"prompt"`
	ContextEnvelope map[string]any  `json:"context_envelope"`
	ContextHash     string          `json:"context_hash"`
	Constraints     *AskConstraints `json:"constraints,omitempty"`
	RoleID          string          `json:"role_id,omitempty"`
	Meta            map[string]any  `json:"meta,omitempty"`
	Status          AskStatus       `json:"status"`
	CreatedAt       int64           `json:"created_at"`
}

// AskConstraints bounds the runner's handling of an Ask.
type AskConstraints struct {
	TimeoutS     int      `json:"timeout_s,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// Answer is the one-to-one response to an Ask.
type Answer struct {
	AskID       AskID           `json:"ask_id"`
	JobID       JobID           `json:"job_id"`
	StepID      StepID          `json:"step_id"`
	Status      AnswerStatus    `json:"status"`
	AnswerText  string          `json:"answer_text,omitempty"`
	AnswerJSON  json.RawMessage `json:"answer_json,omitempty"`
	Attestation *Attestation    `json:"attestation,omitempty"`
	Artifacts   []string        `json:"artifacts,omitempty"`
	PolicyTrace string          `json:"policy_trace,omitempty"`
	Cacheable   bool            `json:"cacheable"`
	AskBack     string          `json:"ask_back,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

// Attestation proves what context, role, and model produced an answer.
// Its ContextHash must equal the originating Ask's ContextHash.
type Attestation struct {
	ContextHash       string   `json:"context_hash"`
	RoleID            string   `json:"role_id"`
	RoleVersion       string   `json:"role_version"`
	Model             string   `json:"model"`
	PromptFingerprint string   `json:"prompt_fingerprint"`
	ToolsUsed         []string `json:"tools_used"`
	PolicyVersion     string   `json:"policy_version,omitempty"`
}

// DecisionCacheEntry is a cached runner decision, keyed by DecisionKey.
type DecisionCacheEntry struct {
	DecisionKey string          `json:"decision_key"`
	AnswerText  string          `json:"answer_text,omitempty"`
	AnswerJSON  json.RawMessage `json:"answer_json,omitempty"`
	PolicyTrace string          `json:"policy_trace,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	TTLSeconds  int64           `json:"ttl_seconds"`
}

// Expired reports whether the entry is past its TTL at nowMS.
func (e *DecisionCacheEntry) Expired(nowMS int64) bool {
	return e.CreatedAt+e.TTLSeconds*1000 < nowMS
}

// Event is an append-only audit row.
type Event struct {
	ID      int64           `json:"id"`
	JobID   JobID           `json:"job_id"`
	TS      int64           `json:"ts"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ArtifactMeta records a stored job artifact. (job_id, kind) is unique.
type ArtifactMeta struct {
	JobID     JobID        `json:"job_id"`
	Kind      ArtifactKind `json:"kind"`
	URI       string       `json:"uri"`
	Digest    string       `json:"digest"`
	Size      int64        `json:"size"`
	CreatedAt int64        `json:"created_at"`
}
