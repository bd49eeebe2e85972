package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// AppendEvent writes one audit row for a job. Events are append-only and
// never updated.
func (s *Store) AppendEvent(ctx context.Context, jobID models.JobID, eventType string, payload any) (*models.Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling event payload: %w", err)
	}

	ev := &models.Event{
		JobID:   jobID,
		TS:      s.nowMS(),
		Type:    eventType,
		Payload: b,
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (job_id, ts, type, payload) VALUES (?, ?, ?, ?)`,
		ev.JobID, ev.TS, ev.Type, string(b),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvents returns a job's audit trail in insertion order, starting after
// the given event id. afterID 0 returns everything.
func (s *Store) ListEvents(ctx context.Context, jobID models.JobID, afterID int64) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, ts, type, payload FROM events
		 WHERE job_id = ? AND id > ? ORDER BY id ASC`,
		jobID, afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var (
			ev      models.Event
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.TS, &ev.Type, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
