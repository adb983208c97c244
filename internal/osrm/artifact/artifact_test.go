package artifact_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/qiniu/routeops/internal/osrm/artifact"
	"github.com/qiniu/routeops/internal/osrm/artifact/artifacttest"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	for _, alg := range []model.Algorithm{model.AlgorithmCH, model.AlgorithmMLD} {
		t.Run(string(alg), func(t *testing.T) {
			dir := t.TempDir()
			artifacttest.WriteDataset(t, dir, alg)
			assert.NoError(t, artifact.Validate(dir, alg))
		})
	}
}

func TestValidate_MissingAndEmpty(t *testing.T) {
	dir := t.TempDir()
	artifacttest.WriteDataset(t, dir, model.AlgorithmCH)
	require.NoError(t, os.Remove(artifacttest.Path(dir, ".names")))
	require.NoError(t, os.WriteFile(artifacttest.Path(dir, ".hsgr"), nil, 0o644))

	err := artifact.Validate(dir, model.AlgorithmCH)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMissingArtifact))
	assert.Contains(t, err.Error(), "map.osrm.names")
	assert.Contains(t, err.Error(), "map.osrm.hsgr")
}

func TestValidate_BadFingerprint(t *testing.T) {
	dir := t.TempDir()
	artifacttest.WriteDataset(t, dir, model.AlgorithmMLD)
	require.NoError(t, os.WriteFile(artifacttest.Path(dir, ".mldgr"), []byte("not a tar archive at all, just bytes"), 0o644))

	err := artifact.Validate(dir, model.AlgorithmMLD)
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrMissingArtifact))
	assert.Contains(t, err.Error(), "map.osrm.mldgr")
}

func TestPromoteAndDiscard(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "car-b")
	artifacttest.WriteDataset(t, src, model.AlgorithmCH)
	require.NoError(t, os.WriteFile(filepath.Join(src, "map.osm.pbf"), []byte("pbf"), 0o644))

	require.NoError(t, artifact.Promote(src, dst))
	assert.NoError(t, artifact.Present(dst, model.AlgorithmCH))
	_, err := os.Stat(filepath.Join(dst, "map.osm.pbf"))
	assert.True(t, os.IsNotExist(err))

	// promoting again replaces in place
	require.NoError(t, artifact.Promote(src, dst))

	require.NoError(t, artifact.Discard(dst))
	err = artifact.Present(dst, model.AlgorithmCH)
	assert.True(t, errors.Is(err, model.ErrMissingArtifact))
}

func TestPromote_EmptySource(t *testing.T) {
	err := artifact.Promote(t.TempDir(), t.TempDir())
	assert.True(t, errors.Is(err, model.ErrMissingArtifact))
}

func TestLinkOrCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))
	dst := filepath.Join(dir, "b")
	require.NoError(t, artifact.LinkOrCopy(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}
