package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// DecisionCacheGet returns the cached decision for a key, or ErrNotFound
// when absent or expired. Expired rows are left for the cleanup sweep.
func (s *Store) DecisionCacheGet(ctx context.Context, key string) (*models.DecisionCacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT decision_key, answer_text, answer_json, policy_trace, created_at, ttl_seconds
		 FROM decision_cache WHERE decision_key = ?`, key)

	var (
		entry      models.DecisionCacheEntry
		answerJSON sql.NullString
	)
	err := row.Scan(&entry.DecisionKey, &entry.AnswerText, &answerJSON,
		&entry.PolicyTrace, &entry.CreatedAt, &entry.TTLSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decision cache entry: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning decision cache entry: %w", err)
	}
	if answerJSON.Valid && answerJSON.String != "" {
		entry.AnswerJSON = json.RawMessage(answerJSON.String)
	}
	if entry.Expired(s.nowMS()) {
		return nil, fmt.Errorf("decision cache entry expired: %w", ErrNotFound)
	}
	return &entry, nil
}

// DecisionCachePut stores or refreshes a cached decision. Entries without
// a creation time are stamped with the store clock so their TTL starts now.
func (s *Store) DecisionCachePut(ctx context.Context, entry *models.DecisionCacheEntry) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = s.nowMS()
	}
	var answerJSON any
	if len(entry.AnswerJSON) > 0 {
		answerJSON = string(entry.AnswerJSON)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_cache (decision_key, answer_text, answer_json, policy_trace, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (decision_key) DO UPDATE SET
		     answer_text = excluded.answer_text,
		     answer_json = excluded.answer_json,
		     policy_trace = excluded.policy_trace,
		     created_at = excluded.created_at,
		     ttl_seconds = excluded.ttl_seconds`,
		entry.DecisionKey, entry.AnswerText, answerJSON, entry.PolicyTrace,
		entry.CreatedAt, entry.TTLSeconds,
	)
	if err != nil {
		return fmt.Errorf("storing decision cache entry: %w", err)
	}
	return nil
}

// DecisionCachePurgeExpired deletes entries past their TTL. Returns the
// number of rows removed.
func (s *Store) DecisionCachePurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM decision_cache WHERE created_at + ttl_seconds * 1000 < ?`, s.nowMS())
	if err != nil {
		return 0, fmt.Errorf("purging decision cache: %w", err)
	}
	return res.RowsAffected()
}
