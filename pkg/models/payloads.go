package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared payload validator. It reads the `validate` struct
// tags; closed-set enum checks live on the enum types themselves.
var validate = validator.New()

// AskPayload is the wire shape an executor POSTs to /asks.
type AskPayload struct {
	Type            string          `json:"type" validate:"required,eq=Ask"`
	AskID           AskID           `json:"ask_id,omitempty"`
	JobID           JobID           `json:"job_id" validate:"required"`
	StepID          StepID          `json:"step_id" validate:"required"`
	AskType         AskType         `json:"ask_type" validate:"required"`
	Prompt          string          `json:"prompt" validate:"required"`
	ContextHash     string          `json:"context_hash" validate:"required,len=64,hexadecimal,lowercase"`
	ContextEnvelope map[string]any  `json:"context_envelope"`
	Constraints     *AskConstraints `json:"constraints,omitempty"`
	RoleID          string          `json:"role_id,omitempty"`
	Meta            map[string]any  `json:"meta,omitempty"`
}

// Validate checks the payload against the wire schema.
func (p *AskPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid Ask payload: %w", err)
	}
	if !p.AskType.Valid() {
		return fmt.Errorf("invalid Ask payload: unknown ask_type %q", p.AskType)
	}
	if len(p.ContextEnvelope) == 0 {
		return fmt.Errorf("%s: Ask is missing the required context envelope", ReasonNoContextEnvelope)
	}
	if _, ok := p.ContextEnvelope["role"]; !ok {
		return fmt.Errorf("%s: context envelope is missing required field \"role\"", ReasonNoContextEnvelope)
	}
	return nil
}

// AnswerPayload is the wire shape for POST /answers and for answers
// recorded by the runner.
type AnswerPayload struct {
	Type        string          `json:"type" validate:"required,eq=Answer"`
	AskID       AskID           `json:"ask_id" validate:"required"`
	JobID       JobID           `json:"job_id" validate:"required"`
	StepID      StepID          `json:"step_id" validate:"required"`
	Status      AnswerStatus    `json:"status" validate:"required"`
	AnswerText  string          `json:"answer_text,omitempty"`
	AnswerJSON  json.RawMessage `json:"answer_json,omitempty"`
	Attestation *Attestation    `json:"attestation,omitempty"`
	Artifacts   []string        `json:"artifacts,omitempty"`
	PolicyTrace string          `json:"policy_trace,omitempty"`
	Cacheable   *bool           `json:"cacheable,omitempty"`
	AskBack     string          `json:"ask_back,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Validate checks the payload against the wire schema.
func (p *AnswerPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid Answer payload: %w", err)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid Answer payload: unknown status %q", p.Status)
	}
	if len(p.AnswerJSON) > 0 && !json.Valid(p.AnswerJSON) {
		return fmt.Errorf("invalid Answer payload: answer_json is not valid JSON")
	}
	return nil
}

// IsCacheable resolves the cacheable flag, defaulting to true.
func (p *AnswerPayload) IsCacheable() bool {
	return p.Cacheable == nil || *p.Cacheable
}

// ValidateJobSpec checks a JobSpec before it is persisted. Defaults are
// applied first so partially-specified specs validate like complete ones.
func ValidateJobSpec(spec *JobSpec) error {
	spec.ApplyDefaults()
	if err := validate.Struct(spec); err != nil {
		return fmt.Errorf("invalid job spec: %w", err)
	}
	switch spec.Repo.Type {
	case "git":
		if spec.Repo.URL == "" {
			return fmt.Errorf("invalid job spec: repo.url is required for repo.type=git")
		}
	case "local":
		if spec.Repo.Path == "" {
			return fmt.Errorf("invalid job spec: repo.path is required for repo.type=local")
		}
	}
	return nil
}
