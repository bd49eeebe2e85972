package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// Backend executes one job inside a prepared repository checkout and
// returns the artifact contract.
type Backend interface {
	Run(ctx context.Context, job *models.Job, repoDir string) (*Result, error)
}

// backendOutput is the JSON document a subprocess backend prints on stdout.
type backendOutput struct {
	Diff            string `json:"diff"`
	TestPlan        string `json:"test_plan"`
	Notes           string `json:"notes"`
	PolicyViolation string `json:"policy_violation,omitempty"`
}

// SubprocessBackend shells out to an external executor command. The job
// spec is passed as JSON on stdin, the repository checkout as the working
// directory, and the command must print a single JSON object with the
// fields diff, test_plan, notes, and optionally policy_violation.
type SubprocessBackend struct {
	// Command is the argv of the executor tool.
	Command []string
}

// NewSubprocessBackend creates a backend for the given argv.
func NewSubprocessBackend(command []string) (*SubprocessBackend, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("executor command must not be empty")
	}
	return &SubprocessBackend{Command: command}, nil
}

// Run invokes the executor command for one job. Context cancellation kills
// the subprocess.
func (b *SubprocessBackend) Run(ctx context.Context, job *models.Job, repoDir string) (*Result, error) {
	specJSON, err := json.Marshal(job.Spec)
	if err != nil {
		return nil, fmt.Errorf("marshaling job spec for backend: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.Command[0], b.Command[1:]...)
	cmd.Dir = repoDir
	cmd.Stdin = bytes.NewReader(specJSON)
	cmd.Env = append(cmd.Environ(),
		"RELAY_JOB_ID="+job.ID.String(),
		"RELAY_SANDBOX="+job.Spec.Execution.Sandbox,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("executor command failed: %w (stderr: %s)",
			err, strings.TrimSpace(stderr.String()))
	}

	var out backendOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadArtifacts, err)
	}
	if out.PolicyViolation != "" {
		return nil, fmt.Errorf("%w: %s", ErrPolicyViolation, out.PolicyViolation)
	}
	if out.Diff == "" {
		return nil, fmt.Errorf("%w: backend produced no diff", ErrBadArtifacts)
	}

	return &Result{
		Diff:      out.Diff,
		TestPlan:  out.TestPlan,
		Notes:     out.Notes,
		RawOutput: stdout.String(),
	}, nil
}
