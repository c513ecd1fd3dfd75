// Package server wires HTTP handlers into the gin router.
package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRoutes builds the gin engine serving health checks, metrics and the
// WebSocket endpoint for h.
func SetupRoutes(h *Hub) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestLogger(h.logger))

	r.GET("/", HealthHandler)
	r.GET("/health", HealthHandler)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	r.GET("/ws", gin.WrapF(h.ServeWS))
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
