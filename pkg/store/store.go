// Package store is the storage kernel: every persisted row — jobs, asks,
// answers, audit events, artifact metadata, and the decision cache — is
// read and written through the handles in this package. Callers never touch
// the database directly.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced unchanged to callers.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an optimistic state_version check fails.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrDuplicate is returned on unique-constraint violations, e.g. a
	// second open Ask for the same (job, step).
	ErrDuplicate = errors.New("duplicate row")
)

// Store provides transactional access to the relay schema.
type Store struct {
	db *sql.DB

	// now is injectable for tests.
	now func() time.Time
}

// New creates a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the store's clock. Test use only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) nowMS() int64 { return s.now().UnixMilli() }

// isUniqueViolation reports whether err is a sqlite unique/primary-key
// constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

// nullStr converts an optional string for sql parameters.
func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// nullInt converts an optional millisecond timestamp for sql parameters.
func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
