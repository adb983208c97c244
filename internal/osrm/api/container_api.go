package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/routeops/internal/osrm/model"
)

func (api *Api) setupContainerRouters(router *gin.Engine) {
	router.GET("/containers/status", api.GetContainerStatus)
	router.GET("/containers/:instance/status", api.GetInstanceContainerStatus)
	router.GET("/containers/:instance/health", api.CheckHealth)
	router.POST("/containers/:instance/start", api.lifecycle("start", api.service.Start))
	router.POST("/containers/:instance/stop", api.lifecycle("stop", api.service.Stop))
	router.POST("/containers/:instance/restart", api.lifecycle("restart", api.service.Restart))
	router.POST("/containers/:instance/rebuild", api.RequestRebuild)
}

// GetContainerStatus 获取所有实例的角色、健康状态和端口（GET /containers/status）
func (api *Api) GetContainerStatus(c *gin.Context) {
	items, err := api.service.ContainerStatus(c.Request.Context())
	if err != nil {
		writeError(c, err, model.ErrorDetail{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetInstanceContainerStatus 获取单个实例状态（GET /containers/:instance/status）
func (api *Api) GetInstanceContainerStatus(c *gin.Context) {
	instance := c.Param("instance")
	st, err := api.service.ContainerStatusFor(c.Request.Context(), instance)
	if err != nil {
		writeError(c, err, model.ErrorDetail{Instance: instance})
		return
	}
	c.JSON(http.StatusOK, st)
}

// CheckHealth 对实例发起路由探测（GET /containers/:instance/health）
func (api *Api) CheckHealth(c *gin.Context) {
	instance := c.Param("instance")
	err := api.service.HealthCheck(c.Request.Context(), instance)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"instance": instance, "healthy": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"instance": instance, "healthy": false, "error": err.Error()})
}

// lifecycle 包装同步执行的启动、停止、重启操作
func (api *Api) lifecycle(action string, op func(ctx context.Context, instance string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		instance := c.Param("instance")
		if err := op(c.Request.Context(), instance); err != nil {
			writeError(c, err, model.ErrorDetail{Instance: instance})
			return
		}
		c.JSON(http.StatusOK, gin.H{"instance": instance, "action": action, "ok": true})
	}
}

// RequestRebuild 受理重建请求（POST /containers/:instance/rebuild）
func (api *Api) RequestRebuild(c *gin.Context) {
	instance := c.Param("instance")
	req, err := api.service.RequestRebuild(c.Request.Context(), instance)
	if err != nil {
		writeError(c, err, model.ErrorDetail{Instance: instance})
		return
	}
	c.JSON(http.StatusAccepted, req)
}
