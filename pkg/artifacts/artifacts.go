// Package artifacts stores job output files on the local filesystem and
// produces the metadata rows the storage kernel keeps for them.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// Store writes artifacts under baseDir/<job_id>/<kind>.
type Store struct {
	baseDir string
	now     func() time.Time
}

// NewStore creates an artifact store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir, now: time.Now}
}

// Write persists one artifact and returns its metadata: file URI, sha256
// digest, and byte size.
func (s *Store) Write(jobID models.JobID, kind models.ArtifactKind, data []byte) (*models.ArtifactMeta, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}

	dir := filepath.Join(s.baseDir, jobID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}

	path := filepath.Join(dir, string(kind))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing artifact %s: %w", kind, err)
	}

	sum := sha256.Sum256(data)
	return &models.ArtifactMeta{
		JobID:     jobID,
		Kind:      kind,
		URI:       "file://" + path,
		Digest:    "sha256:" + hex.EncodeToString(sum[:]),
		Size:      int64(len(data)),
		CreatedAt: s.now().UnixMilli(),
	}, nil
}

// Read returns the stored bytes for one artifact.
func (s *Store) Read(jobID models.JobID, kind models.ArtifactKind) ([]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, jobID.String(), string(kind)))
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s for job %s: %w", kind, jobID, err)
	}
	return data, nil
}
