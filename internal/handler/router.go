package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// NewRouter 注册运维路由
func NewRouter(health *HealthHandler, admin *AdminHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	r.GET("/health", health.Ready)
	r.GET("/health/live", health.Live)
	r.GET("/health/ready", health.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g := r.Group("/admin")
	g.POST("/chains/reload", admin.ReloadChains)
	g.POST("/projects/:id/notifications/reset", admin.ResetNotifications)
	g.POST("/accounts/:address/reset", admin.ResetAccount)
	g.GET("/jobs", admin.ListJobs)
	g.GET("/log/level", admin.GetLogLevel)
	g.PUT("/log/level", admin.SetLogLevel)

	return r
}

// accessLog 管理接口访问日志，探针与指标请求不记录
func accessLog() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "/health" || path == "/health/live" || path == "/health/ready" || path == "/metrics" {
			return
		}
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
