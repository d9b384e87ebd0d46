package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proxylens/proxylens/internal/middleware"
)

type RouterConfig struct {
	MetricsEnabled bool
	MetricsPath    string
}

// NewOpsRouter serves health and metrics only.
func NewOpsRouter(health *HealthHandler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.ErrorHandler())

	r.GET("/health", health.Check)
	if cfg.MetricsEnabled {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.Handler()))
	}
	return r
}
