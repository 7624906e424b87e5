// Package api serves the worker's operational endpoints: liveness,
// readiness and Prometheus metrics.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/facetag/internal/api/handlers"
)

type RouterConfig struct {
	// Checks run on every /readyz request.
	Checks []handlers.Check
	// Status reports worker state on /status.
	Status func() any
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())

	systemH := handlers.NewSystemHandler(cfg.Checks, cfg.Status)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/status", systemH.Status)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
