// Package server is the HTTP transport: a gin router over the service
// façade with API-key auth, JSON error mapping, SSE streaming, and the
// health and metrics endpoints.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knowledgebeast/knowledgebeast/internal/project"
	"github.com/knowledgebeast/knowledgebeast/internal/service"
)

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8000".
	Addr string

	// AdminKey is the bootstrap credential for project management.
	// Empty disables authentication entirely (development only).
	AdminKey string

	// ReadTimeout and WriteTimeout bound slow clients. WriteTimeout
	// must exceed the query deadline or streams get cut off.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP front end.
type Server struct {
	svc    *service.Service
	cfg    Config
	logger *slog.Logger
	http   *http.Server
}

// New builds the server and its router.
func New(svc *service.Service, cfg Config, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{svc: svc, cfg: cfg, logger: logger}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the route table. Exposed for httptest.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.svc.Metrics().Registry(), promhttp.HandlerOpts{})))

	v2 := r.Group("/api/v2")

	projects := v2.Group("/projects")
	projects.POST("", s.requireAdmin(), s.createProject)
	projects.GET("", s.requireAdmin(), s.listProjects)

	one := projects.Group("/:id")
	one.GET("", s.requireScope(project.ScopeRead), s.getProject)
	one.PUT("", s.requireScope(project.ScopeAdmin), s.updateProject)
	one.DELETE("", s.requireAdmin(), s.deleteProject)

	one.POST("/ingest", s.requireScope(project.ScopeWrite), s.ingestDocuments)
	one.GET("/documents", s.requireScope(project.ScopeRead), s.listDocuments)
	one.DELETE("/documents/:doc_id", s.requireScope(project.ScopeWrite), s.deleteDocument)

	one.POST("/query", s.requireScope(project.ScopeRead), s.query)
	one.POST("/query/stream", s.requireScope(project.ScopeRead), s.queryStream)

	one.POST("/api-keys", s.requireScope(project.ScopeAdmin), s.createAPIKey)
	one.GET("/api-keys", s.requireScope(project.ScopeAdmin), s.listAPIKeys)
	one.DELETE("/api-keys/:key_id", s.requireScope(project.ScopeAdmin), s.revokeAPIKey)

	one.GET("/stats", s.requireScope(project.ScopeRead), s.projectStats)

	return r
}

// Run serves until the context is canceled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("http server draining")
	return s.http.Shutdown(shutdownCtx)
}
