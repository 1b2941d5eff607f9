// Package server exposes the orchestration layer over HTTP.
package server

import (
	"context"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/monitoring"
	"github.com/appforge/sandboxd/internal/ports"
	"github.com/appforge/sandboxd/internal/server/middleware"
	"github.com/appforge/sandboxd/internal/vmservice"
)

// Server is the HTTP front of the orchestration layer.
type Server struct {
	cfg    config.ServerConfig
	engine *gin.Engine
	http   *http.Server
	log    *logging.Logger
}

// New assembles the engine, middleware and routes.
func New(cfg *config.Config, svc *vmservice.Service, portSvc *ports.Service, metrics *monitoring.Metrics, log *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS())
	if metrics != nil {
		engine.Use(monitoring.Middleware(metrics))
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	h := &handlers{svc: svc, ports: portSvc, log: log.Named("http")}
	h.register(engine)

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	return &Server{
		cfg:    cfg.Server,
		engine: engine,
		http: &http.Server{
			Addr:    addr,
			Handler: engine,
		},
		log: log.Named("server"),
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
