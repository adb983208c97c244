package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qiniu/routeops/internal/osrm/model"
)

// MemBuildRepo 内存构建记录仓库，用于未配置数据库时及测试
type MemBuildRepo struct {
	mu      sync.RWMutex
	records map[string]*model.BuildRecord
}

// NewMemBuildRepo 创建内存仓库
func NewMemBuildRepo() *MemBuildRepo {
	return &MemBuildRepo{records: make(map[string]*model.BuildRecord)}
}

// Create 插入一条新的构建记录
func (r *MemBuildRepo) Create(_ context.Context, rec *model.BuildRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.BuildID]; ok {
		return fmt.Errorf("failed to insert build %s: duplicate build_id", rec.BuildID)
	}
	r.records[rec.BuildID] = rec.Clone()
	return nil
}

// Save 在状态仍为 from 的前提下写回记录
func (r *MemBuildRepo) Save(_ context.Context, rec *model.BuildRecord, from model.BuildStatus) error {
	if err := checkSave(rec, from); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[rec.BuildID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrBuildNotFound, rec.BuildID)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: build %s is no longer %s", model.ErrStaleTransition, rec.BuildID, from)
	}
	r.records[rec.BuildID] = rec.Clone()
	return nil
}

// Get 根据 build_id 获取构建记录
func (r *MemBuildRepo) Get(_ context.Context, buildID string) (*model.BuildRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[buildID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrBuildNotFound, buildID)
	}
	return rec.Clone(), nil
}

// InProgress 获取所有未结束的构建
func (r *MemBuildRepo) InProgress(_ context.Context) ([]*model.BuildRecord, error) {
	return r.filter(func(rec *model.BuildRecord) bool { return rec.Status.InProgress() }, false, 0), nil
}

// InProgressFor 获取指定实例未结束的构建
func (r *MemBuildRepo) InProgressFor(_ context.Context, instance string) ([]*model.BuildRecord, error) {
	return r.filter(func(rec *model.BuildRecord) bool {
		return rec.InstanceName == instance && rec.Status.InProgress()
	}, false, 0), nil
}

// History 按创建时间倒序获取构建历史
func (r *MemBuildRepo) History(_ context.Context, instance string, limit int) ([]*model.BuildRecord, error) {
	return r.filter(func(rec *model.BuildRecord) bool {
		return instance == "" || rec.InstanceName == instance
	}, true, limit), nil
}

// Latest 获取实例最近一条处于指定状态的构建
func (r *MemBuildRepo) Latest(_ context.Context, instance string, status model.BuildStatus) (*model.BuildRecord, error) {
	out := r.filter(func(rec *model.BuildRecord) bool {
		return rec.InstanceName == instance && rec.Status == status
	}, true, 1)
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

// FailStale 将创建时间早于 before 的未结束构建标记为 FAILED
func (r *MemBuildRepo) FailStale(_ context.Context, before time.Time, message string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	msg := model.TruncateMessage(message)
	for _, rec := range r.records {
		if rec.Status.InProgress() && rec.CreatedAt.Before(before) {
			completed := at.UTC()
			m := msg
			rec.Status = model.StatusFailed
			rec.CompletedAt = &completed
			rec.ErrorMessage = &m
			n++
		}
	}
	return n, nil
}

func (r *MemBuildRepo) filter(keep func(*model.BuildRecord) bool, newestFirst bool, limit int) []*model.BuildRecord {
	r.mu.RLock()
	var out []*model.BuildRecord
	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
