package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/relay/pkg/models"
)

const answerColumns = `ask_id, job_id, step_id, status, answer_text, answer_json,
	attestation, artifacts, policy_trace, cacheable, ask_back, error, created_at`

// UpsertAnswer records the answer for an ask. Answers are one-to-one with
// asks; re-recording replaces the previous row, which keeps retries after a
// crashed post-record step idempotent.
func (s *Store) UpsertAnswer(ctx context.Context, ans *models.Answer) error {
	var attestation any
	if ans.Attestation != nil {
		b, err := json.Marshal(ans.Attestation)
		if err != nil {
			return fmt.Errorf("marshaling attestation: %w", err)
		}
		attestation = string(b)
	}
	var artifacts any
	if ans.Artifacts != nil {
		b, err := json.Marshal(ans.Artifacts)
		if err != nil {
			return fmt.Errorf("marshaling artifact list: %w", err)
		}
		artifacts = string(b)
	}
	var answerJSON any
	if len(ans.AnswerJSON) > 0 {
		answerJSON = string(ans.AnswerJSON)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO answers (ask_id, job_id, step_id, status, answer_text, answer_json,
		                      attestation, artifacts, policy_trace, cacheable, ask_back, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ask_id) DO UPDATE SET
		     status = excluded.status,
		     answer_text = excluded.answer_text,
		     answer_json = excluded.answer_json,
		     attestation = excluded.attestation,
		     artifacts = excluded.artifacts,
		     policy_trace = excluded.policy_trace,
		     cacheable = excluded.cacheable,
		     ask_back = excluded.ask_back,
		     error = excluded.error`,
		ans.AskID, ans.JobID, ans.StepID, ans.Status, ans.AnswerText, answerJSON,
		attestation, artifacts, ans.PolicyTrace, ans.Cacheable, ans.AskBack, ans.Error, ans.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting answer: %w", err)
	}
	return nil
}

// GetAnswer fetches the answer for an ask, if recorded.
func (s *Store) GetAnswer(ctx context.Context, askID models.AskID) (*models.Answer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+answerColumns+` FROM answers WHERE ask_id = ?`, askID)

	var (
		ans         models.Answer
		answerJSON  sql.NullString
		attestation sql.NullString
		artifacts   sql.NullString
	)
	err := row.Scan(
		&ans.AskID, &ans.JobID, &ans.StepID, &ans.Status, &ans.AnswerText, &answerJSON,
		&attestation, &artifacts, &ans.PolicyTrace, &ans.Cacheable, &ans.AskBack, &ans.Error, &ans.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("answer: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning answer: %w", err)
	}

	if answerJSON.Valid && answerJSON.String != "" {
		ans.AnswerJSON = json.RawMessage(answerJSON.String)
	}
	if attestation.Valid && attestation.String != "" {
		ans.Attestation = &models.Attestation{}
		if err := json.Unmarshal([]byte(attestation.String), ans.Attestation); err != nil {
			return nil, fmt.Errorf("unmarshaling attestation: %w", err)
		}
	}
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &ans.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshaling artifact list: %w", err)
		}
	}
	return &ans, nil
}
