// Package server exposes the orchestrator over HTTP. Handlers are
// grouped by domain (sandbox, background agents, sessions) and mounted
// under /api/v1.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pairdev/pairdev/internal/common/config"
	"github.com/pairdev/pairdev/internal/common/httpmw"
	"github.com/pairdev/pairdev/internal/common/logger"
)

// Server wraps the gin engine and the underlying http.Server.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	cfg    config.ServerConfig
	log    *logger.Logger
}

// New creates the HTTP server with standard middleware and the health
// endpoint. Domain routes are attached via the Register* functions.
func New(cfg config.ServerConfig, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(httpmw.Recovery(log))
	engine.Use(httpmw.RequestLogger(log, "orchestrator"))
	engine.Use(httpmw.OtelTracing("orchestrator"))
	engine.Use(httpmw.CORS())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	return &Server{
		engine: engine,
		cfg:    cfg,
		log:    log,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
	}
}

// Engine exposes the router for route registration and tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.http.Handler = s.engine
	s.log.Info("HTTP server listening on " + s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
