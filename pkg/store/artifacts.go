package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// PutArtifact records artifact metadata for a job. One row per (job, kind);
// a re-run replaces the previous artifact of the same kind.
func (s *Store) PutArtifact(ctx context.Context, meta *models.ArtifactMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (job_id, kind, uri, digest, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, kind) DO UPDATE SET
		     uri = excluded.uri,
		     digest = excluded.digest,
		     size = excluded.size,
		     created_at = excluded.created_at`,
		meta.JobID, meta.Kind, meta.URI, meta.Digest, meta.Size, meta.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording artifact: %w", err)
	}
	return nil
}

// GetArtifact fetches one artifact's metadata by (job, kind).
func (s *Store) GetArtifact(ctx context.Context, jobID models.JobID, kind models.ArtifactKind) (*models.ArtifactMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, kind, uri, digest, size, created_at FROM artifacts
		 WHERE job_id = ? AND kind = ?`, jobID, kind)

	var meta models.ArtifactMeta
	err := row.Scan(&meta.JobID, &meta.Kind, &meta.URI, &meta.Digest, &meta.Size, &meta.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning artifact: %w", err)
	}
	return &meta, nil
}

// ListArtifacts returns all artifact metadata for a job.
func (s *Store) ListArtifacts(ctx context.Context, jobID models.JobID) ([]*models.ArtifactMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, kind, uri, digest, size, created_at FROM artifacts
		 WHERE job_id = ? ORDER BY kind ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var metas []*models.ArtifactMeta
	for rows.Next() {
		var meta models.ArtifactMeta
		if err := rows.Scan(&meta.JobID, &meta.Kind, &meta.URI, &meta.Digest, &meta.Size, &meta.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		metas = append(metas, &meta)
	}
	return metas, rows.Err()
}
