package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nfrund/fanout/internal/middleware"
)

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	s.E.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	api := s.E.Group("/api")
	api.GET("/stats", s.handleStats)
	api.GET("/topics", s.handleListTopics)
	api.GET("/topics/:topic", s.handleGetTopic)
	api.GET("/topics/:topic/pools", s.handleTopicPools)
	api.POST("/topics/:topic/publish", s.handlePublish, middleware.RateLimiter(s.opts.PublishRate))
	api.GET("/topics/:topic/stream", s.handleStream)
	api.DELETE("/topics/:topic/subscriptions", s.handleDropSubscriptions)
}
