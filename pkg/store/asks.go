package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/relay/pkg/models"
)

const askColumns = `ask_id, job_id, step_id, ask_type, prompt, context_envelope,
	context_hash, constraints, role_id, meta, status, created_at`

// CreateAsk inserts a new PENDING ask. A second open ask for the same
// (job, step) violates the partial unique index and returns ErrDuplicate.
func (s *Store) CreateAsk(ctx context.Context, ask *models.Ask) error {
	envelope, err := json.Marshal(ask.ContextEnvelope)
	if err != nil {
		return fmt.Errorf("marshaling context envelope: %w", err)
	}
	var constraints any
	if ask.Constraints != nil {
		b, err := json.Marshal(ask.Constraints)
		if err != nil {
			return fmt.Errorf("marshaling constraints: %w", err)
		}
		constraints = string(b)
	}
	var meta any
	if ask.Meta != nil {
		b, err := json.Marshal(ask.Meta)
		if err != nil {
			return fmt.Errorf("marshaling meta: %w", err)
		}
		meta = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO asks (ask_id, job_id, step_id, ask_type, prompt, context_envelope,
		                   context_hash, constraints, role_id, meta, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ask.AskID, ask.JobID, ask.StepID, ask.AskType, ask.Prompt, string(envelope),
		ask.ContextHash, constraints, ask.RoleID, meta, ask.Status, ask.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("open ask for job %s step %s: %w", ask.JobID, ask.StepID, ErrDuplicate)
		}
		return fmt.Errorf("inserting ask: %w", err)
	}
	return nil
}

// GetAsk fetches an ask by id.
func (s *Store) GetAsk(ctx context.Context, id models.AskID) (*models.Ask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+askColumns+` FROM asks WHERE ask_id = ?`, id)
	return scanAsk(row)
}

// ListAsksByJob returns all asks for a job, oldest first.
func (s *Store) ListAsksByJob(ctx context.Context, jobID models.JobID) ([]*models.Ask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+askColumns+` FROM asks WHERE job_id = ? ORDER BY created_at ASC, ask_id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing asks: %w", err)
	}
	defer rows.Close()

	var asks []*models.Ask
	for rows.Next() {
		ask, err := scanAsk(rows)
		if err != nil {
			return nil, err
		}
		asks = append(asks, ask)
	}
	return asks, rows.Err()
}

// ListPendingAsks returns every PENDING ask, oldest first. The runner polls
// this to pick up work.
func (s *Store) ListPendingAsks(ctx context.Context, limit int) ([]*models.Ask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+askColumns+` FROM asks WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		models.AskStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending asks: %w", err)
	}
	defer rows.Close()

	var asks []*models.Ask
	for rows.Next() {
		ask, err := scanAsk(rows)
		if err != nil {
			return nil, err
		}
		asks = append(asks, ask)
	}
	return asks, rows.Err()
}

// SetAskStatus transitions an ask from one status to another. Returns
// ErrConflict when the ask is not currently in the expected status, so two
// runners cannot both close the same ask.
func (s *Store) SetAskStatus(ctx context.Context, id models.AskID, from, to models.AskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE asks SET status = ? WHERE ask_id = ? AND status = ?`, to, id, from)
	if err != nil {
		return fmt.Errorf("updating ask status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := s.GetAsk(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("ask %s not in status %s: %w", id, from, ErrConflict)
	}
	return nil
}

func scanAsk(row scanner) (*models.Ask, error) {
	var (
		ask         models.Ask
		envelope    string
		constraints sql.NullString
		meta        sql.NullString
	)
	err := row.Scan(
		&ask.AskID, &ask.JobID, &ask.StepID, &ask.AskType, &ask.Prompt, &envelope,
		&ask.ContextHash, &constraints, &ask.RoleID, &meta, &ask.Status, &ask.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ask: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ask: %w", err)
	}

	if err := json.Unmarshal([]byte(envelope), &ask.ContextEnvelope); err != nil {
		return nil, fmt.Errorf("unmarshaling context envelope: %w", err)
	}
	if constraints.Valid && constraints.String != "" {
		ask.Constraints = &models.AskConstraints{}
		if err := json.Unmarshal([]byte(constraints.String), ask.Constraints); err != nil {
			return nil, fmt.Errorf("unmarshaling constraints: %w", err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &ask.Meta); err != nil {
			return nil, fmt.Errorf("unmarshaling ask meta: %w", err)
		}
	}
	return &ask, nil
}
