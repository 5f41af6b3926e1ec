// api/router.go
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// requestLogger — одна строка slog на запрос
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

func NewRouter(s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	if s.opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/meta", s.MetaListHandler())
		apiGroup.GET("/meta/:module/:entity", s.MetaEntityHandler())
		apiGroup.GET("/meta/:module/:entity/subresources", s.MetaSubresourcesHandler())
		apiGroup.POST("/admin/reload", s.AdminReloadHandler())

		// статические "служебные" маршруты — СНАЧАЛА
		apiGroup.GET("/:module/:entity/count", s.CountHandler())
		apiGroup.GET("/:module/:entity/_count", s.CountHandler())

		apiGroup.POST("/:module/:entity", s.CreateHandler())
		apiGroup.GET("/:module/:entity", s.ListHandler())
		apiGroup.GET("/:module/:entity/:id", s.GetOneHandler())
		apiGroup.DELETE("/:module/:entity/:id", s.DeleteHandler())
		apiGroup.GET("/:module/:entity/:id/:association", s.SubresourceHandler())
	}
	return r
}

func RunServer(addr string, s *Server) error {
	return NewRouter(s).Run(addr)
}
