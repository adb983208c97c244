package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/routeops/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AccessLog records every request with zerolog and the request metrics.
// Routes without a match are reported under their raw path only in the log.
func AccessLog(c *gin.Context) {
	start := time.Now()
	c.Next()

	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	status := c.Writer.Status()
	took := time.Since(start)
	metrics.ObserveHTTP(c.Request.Method, path, status, took)

	var ev *zerolog.Event
	switch {
	case status >= 500:
		ev = log.Error()
	case status >= 400:
		ev = log.Warn()
	default:
		ev = log.Debug()
	}
	ev.Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", status).
		Dur("took", took).
		Str("client", c.ClientIP()).
		Msg("http request")
}

// Recovery turns a handler panic into a 500 and logs it.
func Recovery(c *gin.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("http handler panic")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL_ERROR", "message": "internal server error"}})
		}
	}()
	c.Next()
}
