package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/qiniu/routeops/internal/osrm/pipeline"
	"github.com/rs/zerolog/log"
)

// History limits.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// BuildRequest 异步构建请求的受理结果
type BuildRequest struct {
	Instance string `json:"instance"`
	Accepted bool   `json:"accepted"`
	Queued   bool   `json:"queued"`
}

// InstanceBuildStatus 实例当前进行中的构建
type InstanceBuildStatus struct {
	Instance string             `json:"instance"`
	Build    *model.BuildRecord `json:"build"`
	Pending  int                `json:"pending"`
}

// BuildResult 一次同步构建的结果
type BuildResult struct {
	Instance string             `json:"instance"`
	Build    *model.BuildRecord `json:"build,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// ===== 构建业务方法 =====

// RequestBuild 受理构建请求并立即返回，构建结果只能通过状态接口查询
func (s *Service) RequestBuild(ctx context.Context, instance string) (*BuildRequest, error) {
	inst, err := s.registry.Instance(instance)
	if err != nil {
		return nil, err
	}

	queued, err := s.exec.Go(inst.Name, func(ctx context.Context) error {
		_, _, err := s.runBuild(ctx, inst)
		return err
	}, func(err error) {
		if err != nil {
			log.Error().Err(err).Str("instance", inst.Name).Msg("osrm build failed")
		}
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("instance", inst.Name).Bool("queued", queued).Msg("osrm build accepted")
	return &BuildRequest{Instance: inst.Name, Accepted: true, Queued: queued}, nil
}

// Build 排队执行构建并等待完成，失败时同时返回 FAILED 记录和错误
func (s *Service) Build(ctx context.Context, instance string) (*model.BuildRecord, error) {
	inst, err := s.registry.Instance(instance)
	if err != nil {
		return nil, err
	}

	var rec *model.BuildRecord
	err = s.exec.Submit(ctx, inst.Name, func(ctx context.Context) error {
		var err error
		rec, _, err = s.runBuild(ctx, inst)
		return err
	})
	return rec, err
}

// BuildAll 并发构建所有实例
func (s *Service) BuildAll(ctx context.Context) []BuildResult {
	insts := s.registry.Instances()
	results := make([]BuildResult, len(insts))

	var wg sync.WaitGroup
	for i, inst := range insts {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			rec, err := s.Build(ctx, name)
			results[i] = BuildResult{Instance: name, Build: rec}
			if err != nil {
				results[i].Error = err.Error()
			}
		}(i, inst.Name)
	}
	wg.Wait()
	return results
}

// runBuild 在执行器槽位内创建 PENDING 记录并运行流水线
func (s *Service) runBuild(ctx context.Context, inst model.Instance) (*model.BuildRecord, *pipeline.Outcome, error) {
	prof, err := s.registry.Profile(inst.Profile)
	if err != nil {
		return nil, nil, err
	}

	rec := model.NewBuildRecord(inst.Name, s.now())
	s.failOrphans(ctx, inst.Name, rec.BuildID)
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("build_id", rec.BuildID).
		Str("instance", inst.Name).
		Str("profile", prof.Name).
		Msg("osrm build started")

	outcome, err := s.builder.Run(ctx, rec, pipeline.Target{
		Instance:  inst.Name,
		Profile:   prof.Name,
		Script:    prof.Script,
		PBFPath:   prof.PBFPath,
		Algorithm: prof.Algorithm,
	})
	return rec, outcome, err
}

// failOrphans 当前进程持有实例槽位，此时残留的未完成记录一定是孤儿
func (s *Service) failOrphans(ctx context.Context, instance, buildID string) {
	orphans, err := s.store.InProgressFor(ctx, instance)
	if err != nil {
		log.Error().Err(err).Str("instance", instance).Msg("failed to look up orphaned builds")
		return
	}
	for _, r := range orphans {
		from := r.Status
		if err := r.Fail("orphaned build: superseded by "+buildID, s.now()); err != nil {
			continue
		}
		if err := s.store.Save(ctx, r, from); err != nil {
			log.Error().Err(err).Str("build_id", r.BuildID).Msg("failed to mark orphaned build failed")
			continue
		}
		log.Warn().Str("build_id", r.BuildID).Str("instance", instance).Msg("marked orphaned build failed")
	}
}

// BuildStatus 获取每个实例当前进行中的构建
func (s *Service) BuildStatus(ctx context.Context) ([]InstanceBuildStatus, error) {
	recs, err := s.store.InProgress(ctx)
	if err != nil {
		return nil, err
	}
	current := make(map[string]*model.BuildRecord)
	for _, r := range recs {
		if prev, ok := current[r.InstanceName]; !ok || r.CreatedAt.After(prev.CreatedAt) {
			current[r.InstanceName] = r
		}
	}

	insts := s.registry.Instances()
	out := make([]InstanceBuildStatus, 0, len(insts))
	for _, inst := range insts {
		out = append(out, InstanceBuildStatus{
			Instance: inst.Name,
			Build:    current[inst.Name],
			Pending:  s.exec.Pending(inst.Name),
		})
	}
	return out, nil
}

// BuildStatusFor 获取单个实例当前进行中的构建
func (s *Service) BuildStatusFor(ctx context.Context, instance string) (*InstanceBuildStatus, error) {
	if _, err := s.registry.Instance(instance); err != nil {
		return nil, err
	}
	recs, err := s.store.InProgressFor(ctx, instance)
	if err != nil {
		return nil, err
	}
	st := &InstanceBuildStatus{Instance: instance, Pending: s.exec.Pending(instance)}
	for _, r := range recs {
		if st.Build == nil || r.CreatedAt.After(st.Build.CreatedAt) {
			st.Build = r
		}
	}
	return st, nil
}

// BuildHistory 获取构建历史，按创建时间倒序
func (s *Service) BuildHistory(ctx context.Context, instance string, limit int) ([]*model.BuildRecord, error) {
	if instance != "" {
		if _, err := s.registry.Instance(instance); err != nil {
			return nil, err
		}
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	recs, err := s.store.History(ctx, instance, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load build history: %w", err)
	}
	return recs, nil
}

// GetBuild 根据 build_id 获取构建记录
func (s *Service) GetBuild(ctx context.Context, buildID string) (*model.BuildRecord, error) {
	return s.store.Get(ctx, buildID)
}
