package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/models"
)

func testJob() *models.Job {
	return &models.Job{
		ID: "job_test",
		Spec: models.JobSpec{
			Repo:      models.RepoSpec{Type: "git", URL: "https://example.com/repo.git"},
			Task:      models.TaskSpec{Title: "test task"},
			Execution: models.ExecutionSpec{Sandbox: "read-only"},
		},
	}
}

func TestSubprocessBackendRun(t *testing.T) {
	t.Run("parses the artifact contract", func(t *testing.T) {
		// printf, not echo: dash's echo would expand the \n escapes.
		b, err := NewSubprocessBackend([]string{"sh", "-c",
			`printf '%s' '{"diff":"--- a\n+++ b\n","test_plan":"run unit tests","notes":"trivial"}'`})
		require.NoError(t, err)

		res, err := b.Run(context.Background(), testJob(), t.TempDir())
		require.NoError(t, err)
		assert.Contains(t, res.Diff, "+++ b")
		assert.Equal(t, "run unit tests", res.TestPlan)
		assert.Equal(t, "trivial", res.Notes)
		assert.NotEmpty(t, res.RawOutput)
	})

	t.Run("policy violation", func(t *testing.T) {
		b, err := NewSubprocessBackend([]string{"sh", "-c",
			`printf '%s' '{"diff":"x","policy_violation":"write outside scope"}'`})
		require.NoError(t, err)

		_, err = b.Run(context.Background(), testJob(), t.TempDir())
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})

	t.Run("unparseable output", func(t *testing.T) {
		b, err := NewSubprocessBackend([]string{"sh", "-c", `echo not-json`})
		require.NoError(t, err)

		_, err = b.Run(context.Background(), testJob(), t.TempDir())
		assert.ErrorIs(t, err, ErrBadArtifacts)
	})

	t.Run("missing diff", func(t *testing.T) {
		b, err := NewSubprocessBackend([]string{"sh", "-c",
			`printf '%s' '{"test_plan":"plan"}'`})
		require.NoError(t, err)

		_, err = b.Run(context.Background(), testJob(), t.TempDir())
		assert.ErrorIs(t, err, ErrBadArtifacts)
	})

	t.Run("command failure carries stderr", func(t *testing.T) {
		b, err := NewSubprocessBackend([]string{"sh", "-c", `echo boom >&2; exit 3`})
		require.NoError(t, err)

		_, err = b.Run(context.Background(), testJob(), t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("context cancellation kills the process", func(t *testing.T) {
		b, err := NewSubprocessBackend([]string{"sleep", "30"})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = b.Run(ctx, testJob(), t.TempDir())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("empty command rejected", func(t *testing.T) {
		_, err := NewSubprocessBackend(nil)
		assert.Error(t, err)
	})
}

func TestGitPreparerRejectsNonGit(t *testing.T) {
	var p GitPreparer
	_, err := p.Prepare(context.Background(), models.RepoSpec{Type: "local", Path: "/srv/repo"}, t.TempDir())
	assert.Error(t, err)
}
