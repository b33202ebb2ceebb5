package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateWithoutSourceRepo(t *testing.T) {
	base := t.TempDir()

	w, err := Create(base, "01ABC", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "pipeline-01ABC"), w.Path)

	info, err := os.Stat(w.RepoPath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(filepath.Join(w.RepoPath, ".commander"))
	require.NoError(t, err)
}

func TestMetadataRoundTrip(t *testing.T) {
	base := t.TempDir()

	w, err := Create(base, "01ABC", "")
	require.NoError(t, err)

	meta := &Metadata{PipelineID: "01ABC", Request: "add a flag"}
	require.NoError(t, w.WriteMetadata(meta))

	got, err := w.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestResultRoundTrip(t *testing.T) {
	base := t.TempDir()

	w, err := Create(base, "01ABC", "")
	require.NoError(t, err)

	type verdict struct {
		State      string   `json:"state"`
		Outcome    string   `json:"outcome"`
		Iterations int      `json:"iterations"`
		Issues     []string `json:"issues"`
	}
	in := verdict{State: "completed", Outcome: "done", Iterations: 2, Issues: []string{"flaky test"}}
	require.NoError(t, w.WriteResult(in))

	reopened, err := Open(base, "01ABC")
	require.NoError(t, err)

	var out verdict
	require.NoError(t, reopened.ReadResult(&out))
	assert.Equal(t, in, out)
}

func TestReadResultMissing(t *testing.T) {
	w, err := Create(t.TempDir(), "01ABC", "")
	require.NoError(t, err)

	var out map[string]any
	require.Error(t, w.ReadResult(&out))
}

func TestOpenMissingWorkspace(t *testing.T) {
	_, err := Open(t.TempDir(), "nope")
	require.Error(t, err)
}

func TestRemove(t *testing.T) {
	base := t.TempDir()

	w, err := Create(base, "01ABC", "")
	require.NoError(t, err)
	require.NoError(t, w.WriteMetadata(&Metadata{PipelineID: "01ABC"}))

	require.NoError(t, Remove(base, "01ABC"))

	_, err = os.Stat(w.Path)
	assert.True(t, os.IsNotExist(err))

	require.Error(t, Remove(base, "01ABC"))
}
