package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/models"
)

func TestRoleRegistry(t *testing.T) {
	t.Run("builtins always resolve", func(t *testing.T) {
		reg, err := NewRoleRegistry("")
		require.NoError(t, err)
		for _, id := range []string{RoleClarifier, RoleFinder, RolePolicyDecider} {
			role, ok := reg.Get(id)
			require.True(t, ok, "missing builtin %s", id)
			assert.Equal(t, id, role.ID)
			assert.NotEmpty(t, role.Version)
			assert.NotEmpty(t, role.SystemPrompt)
		}
	})

	t.Run("missing directory is not an error", func(t *testing.T) {
		reg, err := NewRoleRegistry(filepath.Join(t.TempDir(), "does-not-exist"))
		require.NoError(t, err)
		_, ok := reg.Get(RoleClarifier)
		assert.True(t, ok)
	})

	t.Run("user files override builtins by id", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "finder.yaml"), []byte(`
id: role.finder
version: "7"
purpose: customized finder
system_prompt: answer from the context only
output_schema:
  type: object
limits:
  max_tokens: 1024
  timeout_s: 30
`), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "reviewer.yml"), []byte(`
id: role.reviewer
version: "1"
system_prompt: review diffs
`), 0o600))

		reg, err := NewRoleRegistry(dir)
		require.NoError(t, err)

		finder, ok := reg.Get(RoleFinder)
		require.True(t, ok)
		assert.Equal(t, "7", finder.Version)
		assert.Equal(t, 1024, finder.Limits.MaxTokens)

		reviewer, ok := reg.Get("role.reviewer")
		require.True(t, ok)
		assert.Equal(t, "review diffs", reviewer.SystemPrompt)
	})

	t.Run("role file without id is rejected", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("version: \"1\"\n"), 0o600))
		_, err := NewRoleRegistry(dir)
		assert.Error(t, err)
	})
}

func TestDefaultRoleID(t *testing.T) {
	cases := map[models.AskType]string{
		models.AskTypeClarification:  RoleClarifier,
		models.AskTypeChoice:         RoleClarifier,
		models.AskTypeResourceFetch:  RoleFinder,
		models.AskTypePolicyDecision: RolePolicyDecider,
		models.AskTypeApproval:       RolePolicyDecider,
	}
	for askType, want := range cases {
		assert.Equal(t, want, DefaultRoleID(askType), "ask type %s", askType)
	}
}
