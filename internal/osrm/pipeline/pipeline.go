// Package pipeline turns an OSM extract into routing data by running the OSRM
// toolchain stage by stage, recording progress on the build record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qiniu/routeops/internal/metrics"
	"github.com/qiniu/routeops/internal/osrm/artifact"
	"github.com/qiniu/routeops/internal/osrm/database"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Stage names as they appear in error messages and metrics.
const (
	StageSnapshot  = "snapshot"
	StagePrepare   = "prepare"
	StageExtract   = "extract"
	StageContract  = "contract"
	StagePartition = "partition"
	StageCustomize = "customize"
	StageValidate  = "validate"
)

// toolStages is the longest tool chain of any algorithm: extract, partition
// and customize.
const toolStages = 3

// stderrTail is how much of a failing tool's stderr goes into the error message.
const stderrTail = 600

var tracer = otel.Tracer("github.com/qiniu/routeops/internal/osrm/pipeline")

// Tools holds the OSRM binaries.
type Tools struct {
	Extract   string
	Contract  string
	Partition string
	Customize string
}

// Config controls where and how builds run.
type Config struct {
	WorkDir         string
	Tools           Tools
	StageTimeout    time.Duration
	Validate        bool
	PipelineVersion string
}

// RecordWriter persists build record transitions.
type RecordWriter interface {
	Save(ctx context.Context, rec *model.BuildRecord, from model.BuildStatus) error
}

// Target is what to build.
type Target struct {
	Instance  string
	Profile   string
	Script    string
	PBFPath   string
	Algorithm model.Algorithm
}

// Outcome of a successful build.
type Outcome struct {
	Record    *model.BuildRecord
	OutputDir string
	Duration  time.Duration
}

// Runner executes the build pipeline.
type Runner struct {
	cfg    Config
	store  RecordWriter
	source database.SourceReader
	cmd    CommandRunner
	now    func() time.Time
}

// NewRunner creates a pipeline runner.
func NewRunner(cfg Config, store RecordWriter, source database.SourceReader, cmd CommandRunner) *Runner {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 2 * time.Hour
	}
	return &Runner{
		cfg:    cfg,
		store:  store,
		source: source,
		cmd:    cmd,
		now:    time.Now,
	}
}

// MaxRunTime is the longest a build can stay in progress before every tool
// stage has either finished or timed out.
func (r *Runner) MaxRunTime() time.Duration {
	return toolStages * r.cfg.StageTimeout
}

// WorkDir returns the isolated directory of one build.
func (r *Runner) WorkDir(instance, buildID string) string {
	return filepath.Join(r.cfg.WorkDir, instance, buildID)
}

// Run drives rec from PENDING to READY, or to FAILED with an error message
// naming the stage. rec must already be persisted.
func (r *Runner) Run(ctx context.Context, rec *model.BuildRecord, target Target) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "osrm.build")
	span.SetAttributes(
		attribute.String("build.id", rec.BuildID),
		attribute.String("osrm.instance", target.Instance),
		attribute.String("osrm.algorithm", string(target.Algorithm)),
	)
	defer span.End()

	start := r.now()
	outcome, err := r.run(ctx, rec, target)
	metrics.ObserveBuild(target.Instance, string(rec.Status), r.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	outcome.Duration = r.now().Sub(start)
	return outcome, nil
}

func (r *Runner) run(ctx context.Context, rec *model.BuildRecord, target Target) (*Outcome, error) {
	snap, err := r.source.Snapshot(ctx)
	if err != nil {
		return nil, r.fail(ctx, rec, StageSnapshot, err)
	}
	taken := snap.TakenAt.UTC()
	total := snap.TotalSegments
	rec.DataSnapshotTime = &taken
	rec.TotalSegments = &total
	rec.PBFFilePath = target.PBFPath
	rec.PipelineVersion = r.cfg.PipelineVersion

	if err := r.advance(ctx, rec, model.StatusBuilding); err != nil {
		return nil, r.fail(ctx, rec, StagePrepare, err)
	}

	dir := r.WorkDir(target.Instance, rec.BuildID)
	pbf, err := r.prepare(dir, target)
	if err != nil {
		return nil, r.fail(ctx, rec, StagePrepare, err)
	}

	for _, st := range r.plan(target, pbf) {
		if err := r.runStage(ctx, st, dir, target); err != nil {
			return nil, r.fail(ctx, rec, st.name, err)
		}
	}

	if r.cfg.Validate {
		if err := r.advance(ctx, rec, model.StatusTesting); err != nil {
			return nil, r.fail(ctx, rec, StageValidate, err)
		}
		if err := r.validate(ctx, dir, target.Algorithm); err != nil {
			return nil, r.fail(ctx, rec, StageValidate, err)
		}
	}

	output := filepath.Join(dir, model.ArtifactBase+".osrm")
	avg := snap.AvgWeight
	rec.OSRMOutputPath = &output
	rec.AvgWeight = &avg
	if err := r.advance(ctx, rec, model.StatusReady); err != nil {
		return nil, r.fail(ctx, rec, StageValidate, err)
	}

	log.Info().
		Str("build_id", rec.BuildID).
		Str("instance", target.Instance).
		Int64("segments", total).
		Str("output", output).
		Msg("osrm build ready")

	return &Outcome{Record: rec, OutputDir: dir}, nil
}

type stage struct {
	name string
	bin  string
	args []string
}

func (r *Runner) plan(target Target, pbf string) []stage {
	base := model.ArtifactBase + ".osrm"
	stages := []stage{
		{name: StageExtract, bin: r.cfg.Tools.Extract, args: []string{"-p", target.Script, pbf}},
	}
	if target.Algorithm == model.AlgorithmCH {
		return append(stages, stage{name: StageContract, bin: r.cfg.Tools.Contract, args: []string{base}})
	}
	return append(stages,
		stage{name: StagePartition, bin: r.cfg.Tools.Partition, args: []string{base}},
		stage{name: StageCustomize, bin: r.cfg.Tools.Customize, args: []string{base}},
	)
}

func (r *Runner) prepare(dir string, target Target) (string, error) {
	if target.PBFPath == "" {
		return "", errors.New("no PBF path configured")
	}
	if _, err := os.Stat(target.PBFPath); err != nil {
		return "", fmt.Errorf("source PBF: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	pbf := filepath.Join(dir, model.ArtifactBase+".osm.pbf")
	if err := artifact.LinkOrCopy(target.PBFPath, pbf); err != nil {
		return "", fmt.Errorf("stage PBF: %w", err)
	}
	return pbf, nil
}

func (r *Runner) runStage(ctx context.Context, st stage, dir string, target Target) error {
	ctx, span := tracer.Start(ctx, "osrm.stage."+st.name)
	defer span.End()

	log.Info().Str("instance", target.Instance).Str("stage", st.name).Strs("args", st.args).Msg("osrm stage started")

	res, err := r.cmd.Run(ctx, Command{Name: st.bin, Args: st.args, Dir: dir, Timeout: r.cfg.StageTimeout})
	var dur time.Duration
	if res != nil {
		dur = res.Duration
	}
	ok := err == nil && res.ExitCode == 0 && !res.TimedOut
	metrics.ObserveStage(st.name, ok, dur)
	if ok {
		log.Info().Str("instance", target.Instance).Str("stage", st.name).Dur("took", dur).Msg("osrm stage finished")
		return nil
	}

	se := &model.StageError{Stage: st.name, Err: err}
	if res != nil {
		se.ExitCode = res.ExitCode
		se.TimedOut = res.TimedOut
		if res.TimedOut {
			se.Timeout = r.cfg.StageTimeout
		}
		se.Stderr = tail(res.Stderr, stderrTail)
		if se.Stderr == "" {
			se.Stderr = tail(res.Stdout, stderrTail)
		}
	}
	span.RecordError(se)
	span.SetStatus(codes.Error, se.Error())
	return se
}

func (r *Runner) validate(ctx context.Context, dir string, alg model.Algorithm) error {
	_, span := tracer.Start(ctx, "osrm.stage."+StageValidate)
	defer span.End()

	start := r.now()
	err := artifact.Validate(dir, alg)
	metrics.ObserveStage(StageValidate, err == nil, r.now().Sub(start))
	return err
}

// advance moves rec to the next status and persists it; on failure rec is left unchanged.
func (r *Runner) advance(ctx context.Context, rec *model.BuildRecord, to model.BuildStatus) error {
	prev := rec.Clone()
	from := rec.Status
	if err := rec.Advance(to, r.now()); err != nil {
		return err
	}
	if err := r.store.Save(ctx, rec, from); err != nil {
		*rec = *prev
		return fmt.Errorf("persist %s: %w", to, err)
	}
	return nil
}

// fail marks rec FAILED with "<stage>: <cause>" and returns that error.
func (r *Runner) fail(ctx context.Context, rec *model.BuildRecord, stage string, cause error) error {
	var se *model.StageError
	if !errors.As(cause, &se) {
		cause = fmt.Errorf("%s: %w", stage, cause)
	}
	msg := cause.Error()

	from := rec.Status
	if err := rec.Fail(msg, r.now()); err != nil {
		log.Error().Err(err).Str("build_id", rec.BuildID).Msg("cannot mark build failed")
		return cause
	}
	if err := r.store.Save(context.WithoutCancel(ctx), rec, from); err != nil {
		log.Error().Err(err).Str("build_id", rec.BuildID).Msg("failed to persist build failure")
	}

	log.Error().
		Str("build_id", rec.BuildID).
		Str("instance", rec.InstanceName).
		Str("stage", stage).
		Str("error", *rec.ErrorMessage).
		Msg("osrm build failed")
	return cause
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	// avoid starting in the middle of a UTF-8 sequence
	for i := 0; i < len(s) && i < 4; i++ {
		if s[i]&0xC0 != 0x80 {
			return "..." + s[i:]
		}
	}
	return "..." + s
}
