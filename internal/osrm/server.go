package osrm

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/routeops/internal/config"
	"github.com/qiniu/routeops/internal/osrm/api"
	"github.com/qiniu/routeops/internal/osrm/container"
	"github.com/qiniu/routeops/internal/osrm/database"
	"github.com/qiniu/routeops/internal/osrm/deploy"
	"github.com/qiniu/routeops/internal/osrm/executor"
	"github.com/qiniu/routeops/internal/osrm/pipeline"
	"github.com/qiniu/routeops/internal/osrm/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// OSRMServer OSRM 构建部署编排服务器
type OSRMServer struct {
	config  *config.Config
	db      *database.Database
	source  *database.SourceRepo
	rdb     *redis.Client
	service *service.Service
	api     *api.Api
}

// NewOSRMServer 创建编排服务器，构建请求受理前需调用 Recover
func NewOSRMServer(ctx context.Context, cfg *config.Config) (*OSRMServer, error) {
	registry, err := cfg.OSRM.Registry()
	if err != nil {
		return nil, fmt.Errorf("invalid osrm configuration: %w", err)
	}

	s := &OSRMServer{config: cfg}
	store := s.openStore(ctx)
	source := s.openSource(ctx)
	roles := s.openRoles(ctx)

	b := cfg.OSRM.Build
	t := cfg.OSRM.Tools
	runner := pipeline.NewRunner(pipeline.Config{
		WorkDir: b.WorkDir,
		Tools: pipeline.Tools{
			Extract:   t.Extract,
			Contract:  t.Contract,
			Partition: t.Partition,
			Customize: t.Customize,
		},
		StageTimeout:    config.Duration(b.StageTimeout, 2*time.Hour),
		Validate:        !b.SkipValidate,
		PipelineVersion: b.PipelineVersion,
	}, store, source, pipeline.ExecRunner{OutputLimit: b.OutputLimit})

	ct := cfg.OSRM.Container
	host := probeHost(ct.BindIP)
	manager := container.NewManager(registry, newLauncher(&cfg.OSRM),
		container.SystemProbe{Host: host},
		container.HTTPHealthChecker{Host: host, Timeout: config.Duration(ct.HealthTimeout, 3*time.Second)},
		container.Config{
			StartTimeout: config.Duration(ct.StartTimeout, 60*time.Second),
			StopTimeout:  config.Duration(ct.StopTimeout, 30*time.Second),
		})

	s.service = service.NewService(service.Options{
		Registry:   registry,
		Store:      store,
		Executor:   executor.New(b.MaxQueueDepth),
		Builder:    runner,
		Containers: manager,
		Roles:      roles,
		Cutover: deploy.Config{
			HealthWait:     config.Duration(cfg.OSRM.Deploy.HealthWait, 60*time.Second),
			HealthInterval: config.Duration(cfg.OSRM.Deploy.HealthInterval, 2*time.Second),
		},
		StaleAfter: staleWindow(config.Duration(b.StaleAfter, 12*time.Hour), runner.MaxRunTime()),
	})

	log.Info().
		Str("runtime", ct.Runtime).
		Str("work_dir", b.WorkDir).
		Int("instances", len(registry.Instances())).
		Msg("OSRM orchestrator server initialized successfully")
	return s, nil
}

// Recover 将上次运行遗留的陈旧构建置为 FAILED，只在本进程将要提交构建时调用
func (s *OSRMServer) Recover(ctx context.Context) {
	if _, err := s.service.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("crash recovery failed")
	}
}

// staleWindow 陈旧窗口至少比一次完整构建长一小时
func staleWindow(configured, maxRun time.Duration) time.Duration {
	floor := maxRun + time.Hour
	if configured >= floor {
		return configured
	}
	log.Warn().
		Dur("stale_after", configured).
		Dur("max_build", maxRun).
		Msg("build.staleAfter is shorter than a full build, raising it")
	return floor
}

// openStore 打开构建记录存储，数据库不可用时退化为内存存储
func (s *OSRMServer) openStore(ctx context.Context) database.BuildStore {
	if s.config.Database.Driver == "memory" {
		log.Warn().Msg("using in-memory build store; build history is lost on restart")
		return database.NewMemBuildRepo()
	}
	db, err := database.NewDatabase(ctx, &s.config.Database)
	if err != nil {
		log.Error().Err(err).Msg("build database init failed; falling back to in-memory build store")
		return database.NewMemBuildRepo()
	}
	s.db = db
	return database.NewBuildRepo(db)
}

// openSource 打开路网数据源，用于构建前的快照
func (s *OSRMServer) openSource(ctx context.Context) database.SourceReader {
	dbCfg := s.config.Database
	if dbCfg.Driver == "memory" && dbCfg.SourceDSN == "" {
		return database.StaticSource{}
	}
	src, err := database.NewSourceRepo(ctx, dbCfg.SourceURL(), s.config.OSRM.Build.SegmentsTable)
	if err != nil {
		log.Error().Err(err).Msg("source database init failed; builds will record empty snapshots")
		return database.StaticSource{}
	}
	s.source = src
	return src
}

// openRoles 打开主备角色存储
func (s *OSRMServer) openRoles(ctx context.Context) deploy.RoleStore {
	rc := s.config.Redis
	if rc.Addr == "" {
		return deploy.NewMemoryRoleStore()
	}
	rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Error().Err(err).Str("addr", rc.Addr).Msg("redis unreachable; instance roles are kept in memory")
		_ = rdb.Close()
		return deploy.NewMemoryRoleStore()
	}
	s.rdb = rdb
	return deploy.NewRedisRoleStore(rdb)
}

func newLauncher(cfg *config.OSRMConfig) container.Launcher {
	ct := cfg.Container
	if ct.Runtime == "docker" {
		return container.DockerLauncher{
			Binary:       cfg.Tools.Docker,
			Image:        cfg.Tools.Image,
			BindIP:       ct.BindIP,
			MaxTableSize: ct.MaxTableSize,
		}
	}
	return container.ProcessLauncher{
		Binary:       cfg.Tools.Routed,
		BindIP:       ct.BindIP,
		MaxTableSize: ct.MaxTableSize,
	}
}

// probeHost 通配地址无法直接探测，改用回环地址
func probeHost(bindIP string) string {
	switch bindIP {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return bindIP
}

// Service 返回编排服务（供 CLI 使用）
func (s *OSRMServer) Service() *service.Service {
	return s.service
}

// UseApi 设置 API 路由
func (s *OSRMServer) UseApi(router *gin.Engine) error {
	var err error
	s.api, err = api.NewApi(s.service, router)
	if err != nil {
		return fmt.Errorf("failed to initialize API: %w", err)
	}
	return nil
}

// Close 关闭数据库和 Redis 连接
func (s *OSRMServer) Close() error {
	if err := s.service.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close orchestrator service")
	}
	if s.source != nil {
		s.source.Close()
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
