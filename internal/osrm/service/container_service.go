package service

import (
	"context"
	"fmt"

	"github.com/qiniu/routeops/internal/osrm/artifact"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// maxStatusProbes 并发探测实例状态的上限
const maxStatusProbes = 8

// ===== 实例生命周期业务方法 =====

// Start 启动实例
func (s *Service) Start(ctx context.Context, instance string) error {
	return s.containers.Start(ctx, instance)
}

// Stop 停止实例，实例未运行时直接成功
func (s *Service) Stop(ctx context.Context, instance string) error {
	return s.containers.Stop(ctx, instance)
}

// Restart 重启实例，启动失败时实例保持停止状态并返回错误
func (s *Service) Restart(ctx context.Context, instance string) error {
	return s.containers.Restart(ctx, instance)
}

// HealthCheck 对实例发起路由探测
func (s *Service) HealthCheck(ctx context.Context, instance string) error {
	return s.containers.HealthCheck(ctx, instance)
}

// ContainerStatus 并发获取所有实例的端口占用、健康状态与角色
func (s *Service) ContainerStatus(ctx context.Context) ([]*model.ContainerStatus, error) {
	insts := s.registry.Instances()
	out := make([]*model.ContainerStatus, len(insts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxStatusProbes)
	for i, inst := range insts {
		i, inst := i, inst
		g.Go(func() error {
			st, err := s.ContainerStatusFor(gctx, inst.Name)
			if err != nil {
				return err
			}
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ContainerStatusFor 获取单个实例的状态
func (s *Service) ContainerStatusFor(ctx context.Context, instance string) (*model.ContainerStatus, error) {
	st, err := s.containers.Status(ctx, instance)
	if err != nil {
		return nil, err
	}
	role, err := s.cutover.RoleOf(ctx, instance)
	if err != nil {
		log.Warn().Err(err).Str("instance", instance).Msg("failed to resolve instance role")
	}
	st.Role = role
	return st, nil
}

// ===== 重建 =====

// Rebuild 在实例的构建槽位内依次执行停止、清理旧数据、构建、发布和启动，
// 排队和执行期间实例所属 profile 不允许主备切换
func (s *Service) Rebuild(ctx context.Context, instance string) (*model.BuildRecord, error) {
	inst, err := s.registry.Instance(instance)
	if err != nil {
		return nil, err
	}
	release, err := s.cutover.Claim(inst.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	var rec *model.BuildRecord
	err = s.exec.Submit(ctx, inst.Name, func(ctx context.Context) error {
		var err error
		rec, err = s.rebuild(ctx, inst)
		return err
	})
	return rec, err
}

// RequestRebuild 受理重建请求并立即返回
func (s *Service) RequestRebuild(ctx context.Context, instance string) (*BuildRequest, error) {
	inst, err := s.registry.Instance(instance)
	if err != nil {
		return nil, err
	}

	release, err := s.cutover.Claim(inst.Name)
	if err != nil {
		return nil, err
	}

	queued, err := s.exec.Go(inst.Name, func(ctx context.Context) error {
		_, err := s.rebuild(ctx, inst)
		return err
	}, func(err error) {
		release()
		if err != nil {
			log.Error().Err(err).Str("instance", inst.Name).Msg("osrm rebuild failed")
		}
	})
	if err != nil {
		release()
		return nil, err
	}
	return &BuildRequest{Instance: inst.Name, Accepted: true, Queued: queued}, nil
}

func (s *Service) rebuild(ctx context.Context, inst model.Instance) (*model.BuildRecord, error) {
	if err := s.containers.Stop(ctx, inst.Name); err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", inst.Name, err)
	}
	if err := artifact.Discard(inst.DataPath); err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", inst.Name, err)
	}

	rec, outcome, err := s.runBuild(ctx, inst)
	if err != nil {
		return rec, fmt.Errorf("rebuild %s: %w", inst.Name, err)
	}
	if err := artifact.Promote(outcome.OutputDir, inst.DataPath); err != nil {
		return rec, fmt.Errorf("rebuild %s: %w", inst.Name, err)
	}
	if err := s.containers.Start(ctx, inst.Name); err != nil {
		return rec, fmt.Errorf("rebuild %s: %w", inst.Name, err)
	}
	if err := s.MarkDeployed(ctx, rec); err != nil {
		return rec, fmt.Errorf("rebuild %s: %w", inst.Name, err)
	}

	log.Info().Str("instance", inst.Name).Str("build_id", rec.BuildID).Msg("osrm rebuild deployed")
	return rec, nil
}
