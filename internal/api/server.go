// Package api exposes the screener over a JSON HTTP API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"KRScreener/internal/common"
)

const shutdownTimeout = 5 * time.Second

// Server is the HTTP API server.
type Server struct {
	router *gin.Engine
	srv    *http.Server
	logger *common.Logger
}

// NewServer creates a server listening on addr with every route registered.
func NewServer(addr string, handlers *Handlers, logger *common.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{
		router: router,
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
	s.SetupRoutes(handlers)
	return s
}

// SetupRoutes registers the routes.
func (s *Server) SetupRoutes(h *Handlers) {
	s.router.GET("/health", h.HealthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/asof", h.GetAsOf)
		v1.GET("/fields", h.GetFields)
		v1.GET("/presets", h.GetPresets)
		v1.GET("/screen", h.GetScreen)
		v1.POST("/screen", h.PostScreen)
		v1.GET("/snapshots", h.GetSnapshots)
		v1.POST("/snapshots/:date/recompute", h.Recompute)
		v1.GET("/jobs", h.GetJobs)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("api server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func requestLogger(logger *common.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
