package server

import (
	"crypto/subtle"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowledgebeast/knowledgebeast/internal/errors"
	"github.com/knowledgebeast/knowledgebeast/internal/project"
)

// apiKeyHeader carries the caller's credential.
const apiKeyHeader = "X-API-Key"

// ctxKeyAPIKey stores the authenticated key record on the request.
const ctxKeyAPIKey = "knowledgebeast_api_key"

// isAdminKey compares the presented key against the configured admin
// key in constant time.
func (s *Server) isAdminKey(raw string) bool {
	return s.cfg.AdminKey != "" &&
		subtle.ConstantTimeCompare([]byte(raw), []byte(s.cfg.AdminKey)) == 1
}

// requireAdmin guards project management routes. The admin key is the
// bootstrap credential; project keys never grant cross-project admin.
// With no admin key configured, auth is disabled for development.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminKey == "" {
			c.Next()
			return
		}
		if !s.isAdminKey(c.GetHeader(apiKeyHeader)) {
			respondError(c, errors.New(errors.KindUnauthenticated, "admin api key required"))
			return
		}
		c.Next()
	}
}

// requireScope guards project-scoped routes: the key must authenticate,
// belong to the path project, and carry the scope. The admin key passes
// every check.
func (s *Server) requireScope(scope project.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminKey == "" {
			c.Next()
			return
		}
		raw := c.GetHeader(apiKeyHeader)
		if s.isAdminKey(raw) {
			c.Request = c.Request.WithContext(project.WithCallerKey(c.Request.Context(), "admin"))
			c.Next()
			return
		}

		key, err := s.svc.Manager().Store().AuthenticateKey(c.Request.Context(), raw)
		if err != nil {
			respondError(c, err)
			return
		}
		if key.ProjectID != c.Param("id") {
			respondError(c, errors.New(errors.KindForbidden, "api key is scoped to another project"))
			return
		}
		if !key.HasScope(scope) {
			respondError(c, errors.New(errors.KindForbidden, "api key lacks required scope").
				WithDetail("required", string(scope)))
			return
		}
		c.Set(ctxKeyAPIKey, key)
		// The key id rides the request context so admission control can
		// rate-limit per caller, not just per project.
		c.Request = c.Request.WithContext(project.WithCallerKey(c.Request.Context(), key.KeyID))
		c.Next()
	}
}

// requestLogger logs one line per request in the service's structured
// format.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http_request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
