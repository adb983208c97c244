package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/routeops/internal/osrm/model"
)

// RollingRestartRequest 主备切换请求体
type RollingRestartRequest struct {
	Profile string `json:"profile"`
}

func (api *Api) setupDeployRouters(router *gin.Engine) {
	router.POST("/osrm/rolling-restart", api.RollingRestart)
	router.GET("/osrm/profiles/:profile", api.GetCutoverStatus)
	router.GET("/osrm/profiles/:profile/active", api.GetActive)
}

// RollingRestart 受理主备切换（POST /osrm/rolling-restart）
func (api *Api) RollingRestart(c *gin.Context) {
	profile := c.Query("profile")
	if profile == "" && c.Request.ContentLength != 0 {
		var req RollingRestartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		profile = req.Profile
	}
	if profile == "" {
		badRequest(c, "profile is required")
		return
	}

	if err := api.service.RequestRollingRestart(profile); err != nil {
		writeError(c, err, model.ErrorDetail{Profile: profile})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"profile": profile, "accepted": true})
}

// GetCutoverStatus 获取 profile 最近一次切换状态（GET /osrm/profiles/:profile）
func (api *Api) GetCutoverStatus(c *gin.Context) {
	profile := c.Param("profile")
	st, err := api.service.CutoverStatus(profile)
	if err != nil {
		writeError(c, err, model.ErrorDetail{Profile: profile})
		return
	}
	active, err := api.service.Active(c.Request.Context(), profile)
	if err != nil {
		writeError(c, err, model.ErrorDetail{Profile: profile})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile, "active": active.Name, "cutover": st})
}

// GetActive 获取 profile 当前主实例（GET /osrm/profiles/:profile/active）
func (api *Api) GetActive(c *gin.Context) {
	profile := c.Param("profile")
	active, err := api.service.Active(c.Request.Context(), profile)
	if err != nil {
		writeError(c, err, model.ErrorDetail{Profile: profile})
		return
	}
	c.JSON(http.StatusOK, active)
}
