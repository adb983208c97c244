// Package service coordinates builds, instance lifecycle and cutovers.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/qiniu/routeops/internal/osrm/database"
	"github.com/qiniu/routeops/internal/osrm/deploy"
	"github.com/qiniu/routeops/internal/osrm/executor"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/qiniu/routeops/internal/osrm/pipeline"
	"github.com/rs/zerolog/log"
)

// StaleBuildMessage 进程重启后遗留的未完成构建的失败原因
const StaleBuildMessage = "stale build: orchestrator restarted before completion"

// Builder 执行一次构建流水线
type Builder interface {
	Run(ctx context.Context, rec *model.BuildRecord, target pipeline.Target) (*pipeline.Outcome, error)
}

// Containers 定义实例生命周期管理接口
type Containers interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	HealthCheck(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (*model.ContainerStatus, error)
}

// Options 服务依赖
type Options struct {
	Registry   *model.Registry
	Store      database.BuildStore
	Executor   *executor.Executor
	Builder    Builder
	Containers Containers
	Roles      deploy.RoleStore
	Cutover    deploy.Config
	StaleAfter time.Duration
}

type Service struct {
	registry   *model.Registry
	store      database.BuildStore
	exec       *executor.Executor
	builder    Builder
	containers Containers
	cutover    *deploy.Controller
	staleAfter time.Duration
	now        func() time.Time
}

// NewService 创建编排服务
func NewService(opts Options) *Service {
	if opts.Executor == nil {
		opts.Executor = executor.New(0)
	}
	if opts.Roles == nil {
		opts.Roles = deploy.NewMemoryRoleStore()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 12 * time.Hour
	}
	s := &Service{
		registry:   opts.Registry,
		store:      opts.Store,
		exec:       opts.Executor,
		builder:    opts.Builder,
		containers: opts.Containers,
		staleAfter: opts.StaleAfter,
		now:        time.Now,
	}
	s.cutover = deploy.NewController(opts.Registry, opts.Containers, s, opts.Roles, opts.Cutover)

	log.Info().Int("instances", len(opts.Registry.Instances())).Msg("osrm orchestrator initialized")
	return s
}

// Registry 返回实例注册表
func (s *Service) Registry() *model.Registry {
	return s.registry
}

// Recover 将超过陈旧窗口仍未结束的构建记录置为 FAILED，必须在接受新请求之前调用
func (s *Service) Recover(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.store.FailStale(ctx, now.Add(-s.staleAfter), StaleBuildMessage, now)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale builds: %w", err)
	}
	if n > 0 {
		log.Warn().Int64("count", n).Dur("stale_after", s.staleAfter).Msg("marked stale builds as failed")
	}
	return n, nil
}

// Close 关闭服务
func (s *Service) Close() error {
	return nil
}
