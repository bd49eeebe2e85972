// Package executor runs the actual job work: preparing the repository,
// invoking the executor backend, and checking the produced diff. The
// backend is pluggable so tests and deployments can swap the real tool for
// a scripted one.
package executor

import (
	"context"
	"errors"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// Typed backend failures. The worker pool maps these onto reason codes.
var (
	// ErrPolicyViolation means the backend refused the task on policy
	// grounds (sandbox escape attempt, scope violation).
	ErrPolicyViolation = errors.New("backend reported a policy violation")

	// ErrBadArtifacts means the backend ran but its output could not be
	// parsed into the artifact contract.
	ErrBadArtifacts = errors.New("backend output does not satisfy the artifact contract")
)

// Result is the artifact contract every backend must satisfy: a unified
// diff, a test plan, free-form notes, and the raw tool output for logs.
type Result struct {
	Diff      string `json:"diff"`
	TestPlan  string `json:"test_plan"`
	Notes     string `json:"notes"`
	RawOutput string `json:"-"`
}

// NoopBackend satisfies the artifact contract without running any tool.
// It is the fallback when no executor command is configured, which keeps
// the queue usable for dry runs and smoke tests.
type NoopBackend struct{}

// Run returns an empty diff and a note explaining nothing was executed.
func (NoopBackend) Run(_ context.Context, job *models.Job, _ string) (*Result, error) {
	return &Result{
		TestPlan:  "none",
		Notes:     "no executor command configured; job ran as a dry run",
		RawOutput: "dry run: " + job.Spec.Task.Title + "\n",
	}, nil
}
