package server

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/skyeupload/config"
	apphttp "github.com/jkaberg/skyeupload/http"
)

// StartServers serves the HTTP API and blocks until ctx is done or the
// listener fails.
func StartServers(ctx context.Context, httpConf *config.HTTPGlobal, d *apphttp.Deps) error {
	log.Info().Msg("starting servers")
	gin.SetMode(gin.ReleaseMode)
	return apphttp.New(httpConf, apphttp.NewRouter(d)).Run(ctx)
}
