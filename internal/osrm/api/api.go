package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/routeops/internal/metrics"
	"github.com/qiniu/routeops/internal/osrm/deploy"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/qiniu/routeops/internal/osrm/service"
)

// Orchestrator 定义 API 依赖的编排服务接口
type Orchestrator interface {
	RequestBuild(ctx context.Context, instance string) (*service.BuildRequest, error)
	BuildStatus(ctx context.Context) ([]service.InstanceBuildStatus, error)
	BuildStatusFor(ctx context.Context, instance string) (*service.InstanceBuildStatus, error)
	BuildHistory(ctx context.Context, instance string, limit int) ([]*model.BuildRecord, error)
	GetBuild(ctx context.Context, buildID string) (*model.BuildRecord, error)

	ContainerStatus(ctx context.Context) ([]*model.ContainerStatus, error)
	ContainerStatusFor(ctx context.Context, instance string) (*model.ContainerStatus, error)
	HealthCheck(ctx context.Context, instance string) error
	Start(ctx context.Context, instance string) error
	Stop(ctx context.Context, instance string) error
	Restart(ctx context.Context, instance string) error
	RequestRebuild(ctx context.Context, instance string) (*service.BuildRequest, error)

	RequestRollingRestart(profile string) error
	CutoverStatus(profile string) (deploy.CutoverStatus, error)
	Active(ctx context.Context, profile string) (model.Instance, error)
}

type Api struct {
	service Orchestrator
	router  *gin.Engine
}

func NewApi(svc Orchestrator, router *gin.Engine) (*Api, error) {
	api := &Api{
		service: svc,
		router:  router,
	}

	api.setupRouters(router)
	return api, nil
}

func (api *Api) setupRouters(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// 构建相关路由
	api.setupBuildRouters(router)

	// 实例生命周期相关路由
	api.setupContainerRouters(router)

	// 主备切换相关路由
	api.setupDeployRouters(router)
}
