package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/models"
)

func TestWriteAndRead(t *testing.T) {
	s := NewStore(t.TempDir())
	diff := []byte("--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-old\n+new\n")

	meta, err := s.Write("job_1", models.ArtifactPatchDiff, diff)
	require.NoError(t, err)

	sum := sha256.Sum256(diff)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), meta.Digest)
	assert.Equal(t, int64(len(diff)), meta.Size)
	assert.Contains(t, meta.URI, "job_1/patch.diff")

	got, err := s.Read("job_1", models.ArtifactPatchDiff)
	require.NoError(t, err)
	assert.Equal(t, diff, got)
}

func TestWriteReplacesPerKind(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Write("job_1", models.ArtifactOutMD, []byte("v1"))
	require.NoError(t, err)
	meta, err := s.Write("job_1", models.ArtifactOutMD, []byte("v2 longer"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), meta.Size)

	got, err := s.Read("job_1", models.ArtifactOutMD)
	require.NoError(t, err)
	assert.Equal(t, "v2 longer", string(got))
}

func TestUnknownKindRejected(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Write("job_1", "core.dump", nil)
	assert.Error(t, err)
	_, err = s.Read("job_1", "core.dump")
	assert.Error(t, err)
}

func TestReadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Read("job_none", models.ArtifactLogsTxt)
	assert.Error(t, err)
}
