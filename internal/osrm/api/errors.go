package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/rs/zerolog/log"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{model.ErrUnknownInstance, http.StatusNotFound, "INSTANCE_NOT_FOUND"},
	{model.ErrUnknownProfile, http.StatusNotFound, "PROFILE_NOT_FOUND"},
	{model.ErrBuildNotFound, http.StatusNotFound, "BUILD_NOT_FOUND"},
	{model.ErrMissingArtifact, http.StatusConflict, "MISSING_ARTIFACT"},
	{model.ErrPortInUse, http.StatusConflict, "PORT_IN_USE"},
	{model.ErrCutoverInProgress, http.StatusConflict, "CUTOVER_IN_PROGRESS"},
	{model.ErrInstanceBusy, http.StatusConflict, "INSTANCE_BUSY"},
	{model.ErrQueueFull, http.StatusTooManyRequests, "QUEUE_FULL"},
	{model.ErrStopTimeout, http.StatusInternalServerError, "STOP_TIMEOUT"},
	{model.ErrRestartFailed, http.StatusInternalServerError, "RESTART_FAILED"},
	{model.ErrCutoverFailed, http.StatusInternalServerError, "CUTOVER_FAILED"},
}

// writeError 将业务错误映射为 HTTP 状态码和错误响应
func writeError(c *gin.Context, err error, detail model.ErrorDetail) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			status, code = m.status, m.code
			break
		}
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}

	detail.Code = code
	detail.Message = err.Error()
	c.JSON(status, model.ErrorResponse{Error: detail})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, model.ErrorResponse{
		Error: model.ErrorDetail{Code: "INVALID_PARAMETER", Message: message},
	})
}
