package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL驱动
	"github.com/qiniu/routeops/internal/config"
)

// Database 数据库连接管理器
type Database struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewDatabase 创建新的数据库连接并确保表结构存在
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db: db,
	}

	if err := database.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return database, nil
}

// GetDB 获取数据库连接（供repo使用）
func (d *Database) GetDB() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// Close 关闭数据库连接
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Ping 测试数据库连接
func (d *Database) Ping(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS osrm_builds (
	build_id           TEXT PRIMARY KEY,
	instance_name      TEXT NOT NULL,
	status             TEXT NOT NULL,
	data_snapshot_time TIMESTAMPTZ,
	total_segments     BIGINT,
	pbf_file_path      TEXT NOT NULL DEFAULT '',
	pipeline_version   TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	deployed_at        TIMESTAMPTZ,
	osrm_output_path   TEXT,
	avg_weight         DOUBLE PRECISION,
	error_message      VARCHAR(1000)
);
CREATE INDEX IF NOT EXISTS idx_osrm_builds_instance_created ON osrm_builds (instance_name, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_osrm_builds_status ON osrm_builds (status);
`

// EnsureSchema 创建 osrm_builds 表及索引
func (d *Database) EnsureSchema(ctx context.Context) error {
	if _, err := d.GetDB().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure osrm_builds schema: %w", err)
	}
	return nil
}
