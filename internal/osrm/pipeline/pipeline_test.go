package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qiniu/routeops/internal/osrm/artifact/artifacttest"
	"github.com/qiniu/routeops/internal/osrm/database"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTools records invocations and writes a dataset when the final stage runs.
type fakeTools struct {
	t         *testing.T
	alg       model.Algorithm
	mu        sync.Mutex
	calls     []Command
	failOn    string
	timeoutOn string
	stderr    string
}

func (f *fakeTools) Run(_ context.Context, cmd Command) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	bin := filepath.Base(cmd.Name)
	switch {
	case bin == f.failOn:
		return &Result{ExitCode: 1, Stderr: f.stderr, Duration: time.Millisecond}, nil
	case bin == f.timeoutOn:
		return &Result{ExitCode: -1, TimedOut: true, Duration: time.Millisecond}, nil
	case bin == "osrm-contract" || bin == "osrm-customize":
		artifacttest.WriteDataset(f.t, cmd.Dir, f.alg)
	}
	return &Result{Duration: time.Millisecond}, nil
}

func (f *fakeTools) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, filepath.Base(c.Name))
	}
	return out
}

type fixture struct {
	runner *Runner
	store  *database.MemBuildRepo
	tools  *fakeTools
	target Target
	work   string
}

func newFixture(t *testing.T, alg model.Algorithm) *fixture {
	t.Helper()
	root := t.TempDir()
	pbf := filepath.Join(root, "region-latest.osm.pbf")
	require.NoError(t, os.WriteFile(pbf, []byte("PBF"), 0o644))

	store := database.NewMemBuildRepo()
	tools := &fakeTools{t: t, alg: alg}
	work := filepath.Join(root, "builds")
	runner := NewRunner(Config{
		WorkDir: work,
		Tools: Tools{
			Extract:   "/usr/local/bin/osrm-extract",
			Contract:  "/usr/local/bin/osrm-contract",
			Partition: "/usr/local/bin/osrm-partition",
			Customize: "/usr/local/bin/osrm-customize",
		},
		StageTimeout:    time.Minute,
		Validate:        true,
		PipelineVersion: "osrm-5.27",
	}, store, database.StaticSource{}, tools)

	return &fixture{
		runner: runner,
		store:  store,
		tools:  tools,
		work:   work,
		target: Target{
			Instance:  "car-a",
			Profile:   "car",
			Script:    "/opt/osrm/profiles/car.lua",
			PBFPath:   pbf,
			Algorithm: alg,
		},
	}
}

func (f *fixture) newRecord(t *testing.T) *model.BuildRecord {
	t.Helper()
	rec := model.NewBuildRecord(f.target.Instance, time.Now())
	require.NoError(t, f.store.Create(context.Background(), rec))
	return rec
}

func TestRun_MLDSuccess(t *testing.T) {
	f := newFixture(t, model.AlgorithmMLD)
	rec := f.newRecord(t)

	out, err := f.runner.Run(context.Background(), rec, f.target)
	require.NoError(t, err)
	assert.Equal(t, []string{"osrm-extract", "osrm-partition", "osrm-customize"}, f.tools.names())

	dir := filepath.Join(f.work, "car-a", rec.BuildID)
	assert.Equal(t, dir, out.OutputDir)
	assert.Equal(t, []string{"-p", "/opt/osrm/profiles/car.lua", filepath.Join(dir, "map.osm.pbf")}, f.tools.calls[0].Args)
	assert.Equal(t, dir, f.tools.calls[0].Dir)
	assert.Equal(t, time.Minute, f.tools.calls[0].Timeout)

	got, err := f.store.Get(context.Background(), rec.BuildID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
	require.NotNil(t, got.OSRMOutputPath)
	assert.Equal(t, filepath.Join(dir, "map.osrm"), *got.OSRMOutputPath)
	assert.NotNil(t, got.DataSnapshotTime)
	assert.NotNil(t, got.TotalSegments)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, "osrm-5.27", got.PipelineVersion)
}

func TestRun_CHSuccess(t *testing.T) {
	f := newFixture(t, model.AlgorithmCH)
	rec := f.newRecord(t)

	_, err := f.runner.Run(context.Background(), rec, f.target)
	require.NoError(t, err)
	assert.Equal(t, []string{"osrm-extract", "osrm-contract"}, f.tools.names())
	assert.Equal(t, []string{"map.osrm"}, f.tools.calls[1].Args)
}

func TestRun_ExtractFailure(t *testing.T) {
	f := newFixture(t, model.AlgorithmMLD)
	f.tools.failOn = "osrm-extract"
	f.tools.stderr = "[error] Input file map.osm.pbf not found!"
	rec := f.newRecord(t)

	_, err := f.runner.Run(context.Background(), rec, f.target)
	require.Error(t, err)
	var se *model.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageExtract, se.Stage)
	assert.Equal(t, 1, se.ExitCode)
	assert.Equal(t, []string{"osrm-extract"}, f.tools.names())

	got, err := f.store.Get(context.Background(), rec.BuildID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.True(t, strings.HasPrefix(*got.ErrorMessage, "extract: "), *got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "not found")
	assert.Nil(t, got.OSRMOutputPath)
}

func TestRun_StageTimeout(t *testing.T) {
	f := newFixture(t, model.AlgorithmMLD)
	f.tools.timeoutOn = "osrm-partition"
	rec := f.newRecord(t)

	_, err := f.runner.Run(context.Background(), rec, f.target)
	require.Error(t, err)

	got, err := f.store.Get(context.Background(), rec.BuildID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "partition: timed out after 1m0s", *got.ErrorMessage)
}

func TestRun_ValidationFailure(t *testing.T) {
	f := newFixture(t, model.AlgorithmCH)
	rec := f.newRecord(t)
	// every tool exits 0 without producing anything
	f.runner.cmd = CommandRunnerFunc(func(context.Context, Command) (*Result, error) {
		return &Result{}, nil
	})

	_, err := f.runner.Run(context.Background(), rec, f.target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMissingArtifact))

	got, err := f.store.Get(context.Background(), rec.BuildID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(*got.ErrorMessage, "validate: "), *got.ErrorMessage)
}

func TestRun_MissingPBF(t *testing.T) {
	f := newFixture(t, model.AlgorithmMLD)
	f.target.PBFPath = filepath.Join(t.TempDir(), "nope.osm.pbf")
	rec := f.newRecord(t)

	_, err := f.runner.Run(context.Background(), rec, f.target)
	require.Error(t, err)
	assert.Empty(t, f.tools.names())

	got, err := f.store.Get(context.Background(), rec.BuildID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(*got.ErrorMessage, "prepare: "))
}

type failingSource struct{}

func (failingSource) Snapshot(context.Context) (*model.SourceSnapshot, error) {
	return nil, errors.New("connection refused")
}

func TestRun_SnapshotFailureFailsFromPending(t *testing.T) {
	f := newFixture(t, model.AlgorithmMLD)
	f.runner.source = failingSource{}
	rec := f.newRecord(t)

	_, err := f.runner.Run(context.Background(), rec, f.target)
	require.Error(t, err)

	got, err := f.store.Get(context.Background(), rec.BuildID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, "snapshot: connection refused", *got.ErrorMessage)
}

func TestRun_BuildsAreIsolated(t *testing.T) {
	f := newFixture(t, model.AlgorithmMLD)
	a := f.newRecord(t)
	b := f.newRecord(t)

	_, err := f.runner.Run(context.Background(), a, f.target)
	require.NoError(t, err)
	_, err = f.runner.Run(context.Background(), b, f.target)
	require.NoError(t, err)

	assert.NotEqual(t, f.runner.WorkDir("car-a", a.BuildID), f.runner.WorkDir("car-a", b.BuildID))
	assert.DirExists(t, f.runner.WorkDir("car-a", a.BuildID))
	assert.DirExists(t, f.runner.WorkDir("car-a", b.BuildID))
}

func TestMaxRunTime(t *testing.T) {
	r := NewRunner(Config{StageTimeout: 90 * time.Minute}, nil, nil, nil)
	assert.Equal(t, 270*time.Minute, r.MaxRunTime())

	// Unset timeouts fall back to two hours per stage.
	r = NewRunner(Config{}, nil, nil, nil)
	assert.Equal(t, 6*time.Hour, r.MaxRunTime())
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("  abc\n", 10))
	assert.Equal(t, "...6789", tail("0123456789", 4))
	got := tail(strings.Repeat("路", 100), 10)
	assert.True(t, strings.HasPrefix(got, "..."))
	assert.True(t, len(got) <= 13)
}
