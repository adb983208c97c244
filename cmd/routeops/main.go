package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/routeops/internal/config"
	"github.com/qiniu/routeops/internal/middleware"
	"github.com/qiniu/routeops/internal/osrm"
	"github.com/qiniu/routeops/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// load config first
	log.Info().Msg("Starting routeops api server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// configure log level from config
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	shutdown, err := telemetry.InitTracer(cfg.Telemetry, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("tracer shutdown failed")
		}
	}()

	osrmSrv, err := osrm.NewOSRMServer(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create osrm orchestrator")
	}
	defer func() {
		if err := osrmSrv.Close(); err != nil {
			log.Error().Err(err).Msg("close osrm orchestrator failed")
		}
	}()
	osrmSrv.Recover(context.Background())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.AccessLog)
	router.Use(middleware.Recovery)
	if err := osrmSrv.UseApi(router); err != nil {
		log.Fatal().Err(err).Msg("bind osrm api failed.")
	}
	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Error().Err(err).Msg("start routeops api server failed.")
		return
	}
	log.Info().Msg("routeops api server exit...")
}
