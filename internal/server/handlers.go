package server

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowledgebeast/knowledgebeast/internal/errors"
	"github.com/knowledgebeast/knowledgebeast/internal/ingest"
	"github.com/knowledgebeast/knowledgebeast/internal/project"
	"github.com/knowledgebeast/knowledgebeast/internal/search"
	vecstore "github.com/knowledgebeast/knowledgebeast/internal/store"
)

type createProjectRequest struct {
	Name             string            `json:"name" binding:"required"`
	Description      string            `json:"description"`
	EmbeddingModelID string            `json:"embedding_model_id"`
	Metadata         map[string]string `json:"metadata"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidArgument("invalid request body: "+err.Error()))
		return
	}
	p, err := s.svc.CreateProject(c.Request.Context(), req.Name, req.Description, req.EmbeddingModelID, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.svc.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) getProject(c *gin.Context) {
	p, err := s.svc.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type updateProjectRequest struct {
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) updateProject(c *gin.Context) {
	var req updateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidArgument("invalid request body: "+err.Error()))
		return
	}
	p, err := s.svc.UpdateProject(c.Request.Context(), c.Param("id"), req.Description, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) deleteProject(c *gin.Context) {
	if err := s.svc.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ingestDocument is one document in an ingest request. Content is
// inline text; Path reads a file from the server's filesystem. A
// doc_id pins the document identity so a later ingest replaces it.
type ingestDocument struct {
	DocID       string            `json:"doc_id"`
	Name        string            `json:"name"`
	ContentType string            `json:"content_type"`
	Content     string            `json:"content"`
	Path        string            `json:"path"`
	Metadata    map[string]string `json:"metadata"`
}

type ingestRequest struct {
	ingestDocument
	Documents []ingestDocument `json:"documents"`
}

func (d *ingestDocument) toInput() (ingest.DocumentInput, error) {
	in := ingest.DocumentInput{
		DocID:       d.DocID,
		Name:        d.Name,
		ContentType: d.ContentType,
		Metadata:    d.Metadata,
	}
	switch {
	case d.Content != "":
		in.Content = []byte(d.Content)
	case d.Path != "":
		raw, err := os.ReadFile(d.Path)
		if err != nil {
			return in, errors.InvalidArgument("cannot read document path").WithDetail("path", d.Path)
		}
		in.Content = raw
		if in.Name == "" {
			in.Name = d.Path
		}
	default:
		return in, errors.InvalidArgument("document requires content or path")
	}
	return in, nil
}

func (s *Server) ingestDocuments(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidArgument("invalid request body: "+err.Error()))
		return
	}

	docs := req.Documents
	if len(docs) == 0 {
		docs = []ingestDocument{req.ingestDocument}
	}
	inputs := make([]ingest.DocumentInput, 0, len(docs))
	for _, d := range docs {
		in, err := d.toInput()
		if err != nil {
			respondError(c, err)
			return
		}
		inputs = append(inputs, in)
	}

	outcomes, err := s.svc.Ingest(c.Request.Context(), c.Param("id"), inputs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": outcomes})
}

func (s *Server) listDocuments(c *gin.Context) {
	docs, err := s.svc.ListDocuments(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (s *Server) deleteDocument(c *gin.Context) {
	if err := s.svc.DeleteDocument(c.Request.Context(), c.Param("id"), c.Param("doc_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type queryFilter struct {
	DocIDs []string `json:"doc_ids"`
}

type queryRequest struct {
	Query string `json:"query"`

	// TopK distinguishes absent (default) from an explicit zero, which
	// is honored as a request for no results.
	TopK *int `json:"top_k"`

	Mode      string       `json:"mode"`
	Rerank    bool         `json:"rerank"`
	MMRLambda float64      `json:"mmr_lambda"`
	Filter    *queryFilter `json:"filter"`
}

func (r *queryRequest) options() search.Options {
	opts := search.Options{
		TopK:      search.DefaultTopK,
		Mode:      search.Mode(r.Mode),
		Rerank:    r.Rerank,
		MMRLambda: r.MMRLambda,
	}
	if r.TopK != nil {
		opts.TopK = *r.TopK
	}
	if r.Filter != nil && len(r.Filter.DocIDs) > 0 {
		allowed := make(map[string]bool, len(r.Filter.DocIDs))
		for _, id := range r.Filter.DocIDs {
			allowed[id] = true
		}
		opts.Filter = vecstore.Filter(func(chunkID string) bool {
			docID, _, ok := strings.Cut(chunkID, ":")
			return ok && allowed[docID]
		})
	}
	return opts
}

func (s *Server) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidArgument("invalid request body: "+err.Error()))
		return
	}
	resp, err := s.svc.Query(c.Request.Context(), c.Param("id"), req.Query, req.options())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type createKeyRequest struct {
	Scopes    []string   `json:"scopes" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) createAPIKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidArgument("invalid request body: "+err.Error()))
		return
	}
	scopes := make([]project.Scope, 0, len(req.Scopes))
	for _, sc := range req.Scopes {
		switch scope := project.Scope(sc); scope {
		case project.ScopeRead, project.ScopeWrite, project.ScopeAdmin:
			scopes = append(scopes, scope)
		default:
			respondError(c, errors.InvalidArgument("unknown scope").WithDetail("scope", sc))
			return
		}
	}

	raw, key, err := s.svc.Manager().Store().CreateAPIKey(c.Request.Context(), c.Param("id"), scopes, req.ExpiresAt)
	if err != nil {
		respondError(c, err)
		return
	}
	// The raw key is shown exactly once.
	c.JSON(http.StatusCreated, gin.H{"key": raw, "key_id": key.KeyID, "scopes": key.Scopes})
}

func (s *Server) listAPIKeys(c *gin.Context) {
	keys, err := s.svc.Manager().Store().ListAPIKeys(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (s *Server) revokeAPIKey(c *gin.Context) {
	if err := s.svc.Manager().Store().RevokeAPIKey(c.Request.Context(), c.Param("key_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) projectStats(c *gin.Context) {
	stats, err := s.svc.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) health(c *gin.Context) {
	report := s.svc.Health(c.Request.Context())
	status := http.StatusOK
	if report.Status == "down" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
