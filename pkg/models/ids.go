package models

import (
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Branded id types. Job ids, ask ids, lease owners, and commit hashes are
// all opaque strings on the wire; keeping them nominally distinct in-process
// stops them from being mixed up silently.
type (
	// JobID identifies a job. Format: "job_<base36 millis>_<random8>".
	JobID string

	// AskID identifies an Ask. UUIDs in practice.
	AskID string

	// StepID identifies the executor step that raised an Ask.
	StepID string

	// LeaseOwner identifies the worker holding a job lease.
	LeaseOwner string

	// CommitHash is a git commit sha from a JobSpec.
	CommitHash string
)

func (id JobID) String() string     { return string(id) }
func (id AskID) String() string     { return string(id) }
func (id StepID) String() string    { return string(id) }
func (o LeaseOwner) String() string { return string(o) }
func (h CommitHash) String() string { return string(h) }

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewJobID generates a job id from the current time and a random suffix.
// The base36 timestamp prefix keeps ids roughly sortable by creation time.
func NewJobID(now time.Time) JobID {
	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return JobID("job_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + string(suffix))
}

// NewAskID generates a fresh ask id.
func NewAskID() AskID {
	return AskID("ask_" + uuid.NewString())
}
