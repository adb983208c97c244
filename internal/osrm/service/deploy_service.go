package service

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/qiniu/routeops/internal/osrm/artifact"
	"github.com/qiniu/routeops/internal/osrm/deploy"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/rs/zerolog/log"
)

// ===== 主备切换业务方法 =====

// RollingRestart 对 profile 执行主备切换
func (s *Service) RollingRestart(ctx context.Context, profile string) (*deploy.Result, error) {
	return s.cutover.RollingRestart(ctx, profile)
}

// RequestRollingRestart 受理主备切换请求并在后台执行，结果通过 CutoverStatus 查询
func (s *Service) RequestRollingRestart(profile string) error {
	err := s.cutover.StartRollingRestart(profile, func(_ *deploy.Result, err error) {
		if err != nil {
			log.Error().Err(err).Str("profile", profile).Msg("rolling restart failed")
		}
	})
	if err != nil {
		return err
	}
	log.Info().Str("profile", profile).Msg("rolling restart accepted")
	return nil
}

// CutoverStatus 获取 profile 最近一次主备切换的状态
func (s *Service) CutoverStatus(profile string) (deploy.CutoverStatus, error) {
	return s.cutover.Status(profile)
}

// Active 获取 profile 当前的主实例
func (s *Service) Active(ctx context.Context, profile string) (model.Instance, error) {
	return s.cutover.Active(ctx, profile)
}

// PromoteLatest 将实例最新的 READY 构建发布到其数据目录，没有比已部署版本更新的构建时返回 nil
func (s *Service) PromoteLatest(ctx context.Context, inst model.Instance) (*model.BuildRecord, error) {
	ready, err := s.store.Latest(ctx, inst.Name, model.StatusReady)
	if err != nil {
		return nil, err
	}
	if ready == nil {
		return nil, nil
	}
	deployed, err := s.store.Latest(ctx, inst.Name, model.StatusDeployed)
	if err != nil {
		return nil, err
	}
	if deployed != nil && !ready.CreatedAt.After(deployed.CreatedAt) {
		return nil, nil
	}
	if ready.OSRMOutputPath == nil {
		return nil, fmt.Errorf("%w: build %s has no output path", model.ErrMissingArtifact, ready.BuildID)
	}

	if err := artifact.Promote(filepath.Dir(*ready.OSRMOutputPath), inst.DataPath); err != nil {
		return nil, fmt.Errorf("failed to promote build %s: %w", ready.BuildID, err)
	}
	return ready, nil
}

// MarkDeployed 将构建置为 DEPLOYED，同一实例之前的 DEPLOYED 构建置为 DEPRECATED
func (s *Service) MarkDeployed(ctx context.Context, rec *model.BuildRecord) error {
	prev, err := s.store.Latest(ctx, rec.InstanceName, model.StatusDeployed)
	if err != nil {
		return err
	}
	if prev != nil && prev.BuildID != rec.BuildID {
		if err := prev.Advance(model.StatusDeprecated, s.now()); err != nil {
			return err
		}
		if err := s.store.Save(ctx, prev, model.StatusDeployed); err != nil {
			return fmt.Errorf("failed to deprecate build %s: %w", prev.BuildID, err)
		}
		log.Info().Str("build_id", prev.BuildID).Str("instance", prev.InstanceName).Msg("build deprecated")
	}

	from := rec.Status
	if err := rec.Advance(model.StatusDeployed, s.now()); err != nil {
		return err
	}
	if err := s.store.Save(ctx, rec, from); err != nil {
		return fmt.Errorf("failed to mark build %s deployed: %w", rec.BuildID, err)
	}
	log.Info().Str("build_id", rec.BuildID).Str("instance", rec.InstanceName).Msg("build deployed")
	return nil
}
