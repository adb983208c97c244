package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/qiniu/routeops/internal/osrm/model"
)

// BuildStore 构建记录存储
type BuildStore interface {
	Create(ctx context.Context, rec *model.BuildRecord) error
	Save(ctx context.Context, rec *model.BuildRecord, from model.BuildStatus) error
	Get(ctx context.Context, buildID string) (*model.BuildRecord, error)
	InProgress(ctx context.Context) ([]*model.BuildRecord, error)
	InProgressFor(ctx context.Context, instance string) ([]*model.BuildRecord, error)
	History(ctx context.Context, instance string, limit int) ([]*model.BuildRecord, error)
	Latest(ctx context.Context, instance string, status model.BuildStatus) (*model.BuildRecord, error)
	FailStale(ctx context.Context, before time.Time, message string, at time.Time) (int64, error)
}

const buildColumns = `build_id, instance_name, status, data_snapshot_time, total_segments,
	pbf_file_path, pipeline_version, created_at, started_at, completed_at, deployed_at,
	osrm_output_path, avg_weight, error_message`

// BuildRepo 基于 PostgreSQL 的构建记录仓库
type BuildRepo struct {
	db *sql.DB
}

// NewBuildRepo 创建构建记录仓库
func NewBuildRepo(db *Database) *BuildRepo {
	return &BuildRepo{
		db: db.GetDB(),
	}
}

// Create 插入一条新的构建记录
func (r *BuildRepo) Create(ctx context.Context, rec *model.BuildRecord) error {
	query := `INSERT INTO osrm_builds (` + buildColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.ExecContext(ctx, query,
		rec.BuildID, rec.InstanceName, string(rec.Status), rec.DataSnapshotTime, rec.TotalSegments,
		rec.PBFFilePath, rec.PipelineVersion, rec.CreatedAt, rec.StartedAt, rec.CompletedAt, rec.DeployedAt,
		rec.OSRMOutputPath, rec.AvgWeight, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to insert build %s: %w", rec.BuildID, err)
	}
	return nil
}

// Save 在状态仍为 from 的前提下写回记录的全部可变字段
func (r *BuildRepo) Save(ctx context.Context, rec *model.BuildRecord, from model.BuildStatus) error {
	if err := checkSave(rec, from); err != nil {
		return err
	}

	query := `UPDATE osrm_builds SET
			status = $2, data_snapshot_time = $3, total_segments = $4, pbf_file_path = $5,
			pipeline_version = $6, started_at = $7, completed_at = $8, deployed_at = $9,
			osrm_output_path = $10, avg_weight = $11, error_message = $12
		WHERE build_id = $1 AND status = $13`

	res, err := r.db.ExecContext(ctx, query,
		rec.BuildID, string(rec.Status), rec.DataSnapshotTime, rec.TotalSegments, rec.PBFFilePath,
		rec.PipelineVersion, rec.StartedAt, rec.CompletedAt, rec.DeployedAt,
		rec.OSRMOutputPath, rec.AvgWeight, rec.ErrorMessage, string(from))
	if err != nil {
		return fmt.Errorf("failed to update build %s: %w", rec.BuildID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for build %s: %w", rec.BuildID, err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, rec.BuildID); err != nil {
			return err
		}
		return fmt.Errorf("%w: build %s is no longer %s", model.ErrStaleTransition, rec.BuildID, from)
	}
	return nil
}

// Get 根据 build_id 获取构建记录
func (r *BuildRepo) Get(ctx context.Context, buildID string) (*model.BuildRecord, error) {
	query := `SELECT ` + buildColumns + ` FROM osrm_builds WHERE build_id = $1`

	rec, err := scanBuild(r.db.QueryRowContext(ctx, query, buildID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrBuildNotFound, buildID)
		}
		return nil, fmt.Errorf("failed to query build %s: %w", buildID, err)
	}
	return rec, nil
}

// InProgress 获取所有未结束的构建
func (r *BuildRepo) InProgress(ctx context.Context) ([]*model.BuildRecord, error) {
	query := `SELECT ` + buildColumns + ` FROM osrm_builds
		WHERE status = ANY($1) ORDER BY created_at`

	return r.queryBuilds(ctx, query, pq.Array(statusStrings(model.NonTerminalStatuses)))
}

// InProgressFor 获取指定实例未结束的构建
func (r *BuildRepo) InProgressFor(ctx context.Context, instance string) ([]*model.BuildRecord, error) {
	query := `SELECT ` + buildColumns + ` FROM osrm_builds
		WHERE instance_name = $1 AND status = ANY($2) ORDER BY created_at`

	return r.queryBuilds(ctx, query, instance, pq.Array(statusStrings(model.NonTerminalStatuses)))
}

// History 按创建时间倒序获取构建历史，instance 为空时返回全部实例
func (r *BuildRepo) History(ctx context.Context, instance string, limit int) ([]*model.BuildRecord, error) {
	if instance == "" {
		query := `SELECT ` + buildColumns + ` FROM osrm_builds ORDER BY created_at DESC LIMIT $1`
		return r.queryBuilds(ctx, query, limit)
	}
	query := `SELECT ` + buildColumns + ` FROM osrm_builds
		WHERE instance_name = $1 ORDER BY created_at DESC LIMIT $2`
	return r.queryBuilds(ctx, query, instance, limit)
}

// Latest 获取实例最近一条处于指定状态的构建，不存在时返回 nil
func (r *BuildRepo) Latest(ctx context.Context, instance string, status model.BuildStatus) (*model.BuildRecord, error) {
	query := `SELECT ` + buildColumns + ` FROM osrm_builds
		WHERE instance_name = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`

	rec, err := scanBuild(r.db.QueryRowContext(ctx, query, instance, string(status)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest %s build for %s: %w", status, instance, err)
	}
	return rec, nil
}

// FailStale 将创建时间早于 before 的未结束构建标记为 FAILED
func (r *BuildRepo) FailStale(ctx context.Context, before time.Time, message string, at time.Time) (int64, error) {
	query := `UPDATE osrm_builds SET status = $1, completed_at = $2, error_message = $3
		WHERE status = ANY($4) AND created_at < $5`

	res, err := r.db.ExecContext(ctx, query,
		string(model.StatusFailed), at.UTC(), model.TruncateMessage(message),
		pq.Array(statusStrings(model.NonTerminalStatuses)), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale builds: %w", err)
	}
	return res.RowsAffected()
}

func (r *BuildRepo) queryBuilds(ctx context.Context, query string, args ...any) ([]*model.BuildRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query builds: %w", err)
	}
	defer rows.Close()

	var records []*model.BuildRecord
	for rows.Next() {
		rec, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating builds: %w", err)
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*model.BuildRecord, error) {
	rec := new(model.BuildRecord)
	var status string
	err := row.Scan(&rec.BuildID, &rec.InstanceName, &status, &rec.DataSnapshotTime, &rec.TotalSegments,
		&rec.PBFFilePath, &rec.PipelineVersion, &rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt, &rec.DeployedAt,
		&rec.OSRMOutputPath, &rec.AvgWeight, &rec.ErrorMessage)
	if err != nil {
		return nil, err
	}
	rec.Status = model.BuildStatus(status)
	return rec, nil
}

func checkSave(rec *model.BuildRecord, from model.BuildStatus) error {
	if rec.Status != from && !model.CanTransition(from, rec.Status) {
		return fmt.Errorf("%w: %s -> %s for build %s", model.ErrInvalidTransition, from, rec.Status, rec.BuildID)
	}
	return nil
}

func statusStrings(statuses []model.BuildStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
