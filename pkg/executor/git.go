package executor

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// RepoPreparer materializes a job's repository at its baseline commit
// inside the worker's scratch directory.
type RepoPreparer interface {
	Prepare(ctx context.Context, spec models.RepoSpec, workDir string) (string, error)
	ApplyCheck(ctx context.Context, repoDir string, diff []byte) error
}

// GitPreparer prepares git repositories with the git CLI.
type GitPreparer struct{}

// Prepare clones the repository and checks out the baseline commit.
// repo.type=local is not supported and fails cleanly.
func (GitPreparer) Prepare(ctx context.Context, spec models.RepoSpec, workDir string) (string, error) {
	if spec.Type != "git" {
		return "", fmt.Errorf("unsupported repo type %q", spec.Type)
	}

	repoDir := filepath.Join(workDir, "repo")
	if out, err := runGit(ctx, workDir, "clone", "--quiet", spec.URL, repoDir); err != nil {
		return "", fmt.Errorf("cloning %s: %w (%s)", spec.URL, err, out)
	}
	if out, err := runGit(ctx, repoDir, "checkout", "--quiet", spec.BaselineCommit.String()); err != nil {
		return "", fmt.Errorf("checking out baseline %s: %w (%s)", spec.BaselineCommit, err, out)
	}
	return repoDir, nil
}

// ApplyCheck verifies the diff applies cleanly to the baseline checkout
// without modifying it.
func (GitPreparer) ApplyCheck(ctx context.Context, repoDir string, diff []byte) error {
	cmd := exec.CommandContext(ctx, "git", "apply", "--check", "-")
	cmd.Dir = repoDir
	cmd.Stdin = strings.NewReader(string(diff))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("diff does not apply to baseline: %w (%s)",
			err, strings.TrimSpace(string(out)))
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
