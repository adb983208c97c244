package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/routeops/internal/osrm/model"
)

func (api *Api) setupBuildRouters(router *gin.Engine) {
	router.GET("/builds/status", api.GetBuildStatus)
	router.GET("/builds/status/:instance", api.GetInstanceBuildStatus)
	router.GET("/builds/history", api.GetBuildHistory)
	router.GET("/builds/records/:buildID", api.GetBuild)
	router.POST("/builds/:instance", api.RequestBuild)
}

// ===== 构建相关处理器 =====

// GetBuildStatus 获取所有实例当前进行中的构建（GET /builds/status）
func (api *Api) GetBuildStatus(c *gin.Context) {
	items, err := api.service.BuildStatus(c.Request.Context())
	if err != nil {
		writeError(c, err, model.ErrorDetail{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetInstanceBuildStatus 获取单个实例当前进行中的构建（GET /builds/status/:instance）
func (api *Api) GetInstanceBuildStatus(c *gin.Context) {
	instance := c.Param("instance")
	st, err := api.service.BuildStatusFor(c.Request.Context(), instance)
	if err != nil {
		writeError(c, err, model.ErrorDetail{Instance: instance})
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetBuildHistory 获取构建历史（GET /builds/history?instance=&limit=）
func (api *Api) GetBuildHistory(c *gin.Context) {
	instance := c.Query("instance")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	items, err := api.service.BuildHistory(c.Request.Context(), instance, limit)
	if err != nil {
		writeError(c, err, model.ErrorDetail{Instance: instance})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetBuild 根据 build_id 获取构建记录（GET /builds/records/:buildID）
func (api *Api) GetBuild(c *gin.Context) {
	rec, err := api.service.GetBuild(c.Request.Context(), c.Param("buildID"))
	if err != nil {
		writeError(c, err, model.ErrorDetail{})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RequestBuild 受理构建请求（POST /builds/:instance）
func (api *Api) RequestBuild(c *gin.Context) {
	instance := c.Param("instance")
	req, err := api.service.RequestBuild(c.Request.Context(), instance)
	if err != nil {
		writeError(c, err, model.ErrorDetail{Instance: instance})
		return
	}
	c.JSON(http.StatusAccepted, req)
}
