package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/qiniu/routeops/internal/osrm/model"
)

// SourceReader 读取路网数据源快照
type SourceReader interface {
	Snapshot(ctx context.Context) (*model.SourceSnapshot, error)
}

// SourceRepo 路网数据源（road segments 表）只读访问
type SourceRepo struct {
	pool  *pgxpool.Pool
	query string
}

// NewSourceRepo 连接路网数据库，table 可带 schema 前缀
func NewSourceRepo(ctx context.Context, dsn, table string) (*SourceRepo, error) {
	ident, err := sanitizeTable(table)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create source pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping source database: %w", err)
	}

	return &SourceRepo{
		pool:  pool,
		query: `SELECT now(), count(*), coalesce(avg(weight), 0)::float8 FROM ` + ident,
	}, nil
}

// Snapshot 统计当前路段数量与平均权重
func (r *SourceRepo) Snapshot(ctx context.Context) (*model.SourceSnapshot, error) {
	snap := new(model.SourceSnapshot)
	if err := r.pool.QueryRow(ctx, r.query).Scan(&snap.TakenAt, &snap.TotalSegments, &snap.AvgWeight); err != nil {
		return nil, fmt.Errorf("failed to snapshot road segments: %w", err)
	}
	snap.TakenAt = snap.TakenAt.UTC()
	return snap, nil
}

// Close 关闭连接池
func (r *SourceRepo) Close() {
	r.pool.Close()
}

func sanitizeTable(table string) (string, error) {
	if table == "" {
		return "", fmt.Errorf("segments table name is required")
	}
	parts := strings.Split(table, ".")
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("invalid segments table name %q", table)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}

// StaticSource 无数据库时使用的数据源，只记录快照时间
type StaticSource struct {
	Now func() time.Time
}

// Snapshot 返回零计数快照
func (s StaticSource) Snapshot(context.Context) (*model.SourceSnapshot, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return &model.SourceSnapshot{TakenAt: now().UTC()}, nil
}
