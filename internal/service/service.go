// Package service is the application façade: it composes the project
// manager, ingest pipeline, and search engine behind one API, applies
// admission control and deadlines, consults the semantic result cache,
// and records telemetry.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/knowledgebeast/knowledgebeast/internal/embed"
	"github.com/knowledgebeast/knowledgebeast/internal/errors"
	"github.com/knowledgebeast/knowledgebeast/internal/ingest"
	"github.com/knowledgebeast/knowledgebeast/internal/project"
	"github.com/knowledgebeast/knowledgebeast/internal/search"
	vecstore "github.com/knowledgebeast/knowledgebeast/internal/store"
	"github.com/knowledgebeast/knowledgebeast/internal/telemetry"
)

// DefaultQueryTimeout bounds one query end to end.
const DefaultQueryTimeout = 30 * time.Second

// Config tunes the façade.
type Config struct {
	// QueryTimeout is the per-query deadline (default: DefaultQueryTimeout).
	QueryTimeout time.Duration
}

// Probe checks one component's health.
type Probe func(ctx context.Context) error

// Service is the composed application.
type Service struct {
	manager  *project.Manager
	pipeline *ingest.Pipeline
	engine   *search.Engine
	embedder embed.Embedder
	vectors  *vecstore.Adapter
	metrics  *telemetry.Metrics
	patterns *telemetry.Tracker
	probes   map[string]Probe
	cfg      Config
	logger   *slog.Logger
}

// New composes the service. metrics and patterns may be nil; probes are
// extra health checks keyed by component name.
func New(manager *project.Manager, pipeline *ingest.Pipeline, engine *search.Engine,
	embedder embed.Embedder, vectors *vecstore.Adapter,
	metrics *telemetry.Metrics, patterns *telemetry.Tracker,
	probes map[string]Probe, cfg Config, logger *slog.Logger) *Service {

	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	if patterns == nil {
		patterns = telemetry.NewTracker(telemetry.DefaultPatternConfig())
	}
	return &Service{
		manager:  manager,
		pipeline: pipeline,
		engine:   engine,
		embedder: embedder,
		vectors:  vectors,
		metrics:  metrics,
		patterns: patterns,
		probes:   probes,
		cfg:      cfg,
		logger:   logger,
	}
}

// Metrics exposes the collector set for the /metrics handler.
func (s *Service) Metrics() *telemetry.Metrics {
	return s.metrics
}

// Manager exposes the project manager for key management handlers.
func (s *Service) Manager() *project.Manager {
	return s.manager
}

// CreateProject creates a project and its vector collection.
func (s *Service) CreateProject(ctx context.Context, name, description, embeddingModelID string, metadata map[string]string) (*project.Project, error) {
	if embeddingModelID == "" {
		embeddingModelID = s.embedder.ModelID()
	}
	p, err := s.manager.CreateProject(ctx, name, description, embeddingModelID, metadata)
	if err != nil {
		return nil, err
	}
	s.updateProjectGauge(ctx)
	return p, nil
}

// GetProject fetches a project.
func (s *Service) GetProject(ctx context.Context, projectID string) (*project.Project, error) {
	return s.manager.GetProject(ctx, projectID)
}

// ListProjects lists all projects.
func (s *Service) ListProjects(ctx context.Context) ([]*project.Project, error) {
	return s.manager.ListProjects(ctx)
}

// UpdateProject rewrites a project's description and metadata.
func (s *Service) UpdateProject(ctx context.Context, projectID, description string, metadata map[string]string) (*project.Project, error) {
	return s.manager.Store().UpdateProject(ctx, projectID, description, metadata)
}

// DeleteProject tears a project down. Idempotent.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	if err := s.manager.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	s.patterns.Drop(projectID)
	s.updateProjectGauge(ctx)
	return nil
}

func (s *Service) updateProjectGauge(ctx context.Context) {
	if projects, err := s.manager.ListProjects(ctx); err == nil {
		s.metrics.SetProjectCount(len(projects))
	}
}

// Ingest runs a document batch through the pipeline.
func (s *Service) Ingest(ctx context.Context, projectID string, docs []ingest.DocumentInput) ([]ingest.DocumentOutcome, error) {
	start := time.Now()
	outcomes, err := s.pipeline.IngestBatch(ctx, projectID, docs)
	if err != nil {
		return nil, err
	}

	succeeded, failed := 0, 0
	for i := range outcomes {
		if outcomes[i].Err() != nil {
			failed++
		} else {
			succeeded++
		}
	}
	s.metrics.RecordIngest(projectID, succeeded, failed, time.Since(start))
	return outcomes, nil
}

// DeleteDocument removes one document from every store.
func (s *Service) DeleteDocument(ctx context.Context, projectID, docID string) error {
	return s.pipeline.DeleteDocument(ctx, projectID, docID)
}

// ListDocuments lists a project's documents.
func (s *Service) ListDocuments(ctx context.Context, projectID string) ([]*project.Document, error) {
	if _, err := s.manager.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.manager.Store().ListDocuments(ctx, projectID)
}

// QueryResponse is a complete query answer.
type QueryResponse struct {
	Results  []search.Result `json:"results"`
	Degraded bool            `json:"degraded"`
	Reranked bool            `json:"reranked"`
	CacheHit bool            `json:"cache_hit"`
	TookMS   int64           `json:"took_ms"`
}

// Query answers one search request: admission control, deadline,
// semantic cache consult, retrieval, cache fill, telemetry.
func (s *Service) Query(ctx context.Context, projectID, query string, opts search.Options) (*QueryResponse, error) {
	mode := opts.Mode
	if mode == "" {
		mode = search.ModeHybrid
	}
	switch mode {
	case search.ModeVector, search.ModeKeyword, search.ModeHybrid:
	default:
		return nil, errors.InvalidArgument("unknown search mode").WithDetail("mode", string(opts.Mode))
	}
	opts.Mode = mode
	if opts.TopK < 0 {
		return nil, errors.InvalidArgument("top_k must not be negative")
	}

	release, err := s.manager.Admit(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.query(ctx, projectID, query, opts)
	took := time.Since(start)

	outcome := telemetry.OutcomeOK
	switch {
	case err != nil:
		outcome = telemetry.OutcomeError
	case resp != nil && resp.Degraded:
		outcome = telemetry.OutcomeDegraded
	}
	s.metrics.RecordQuery(projectID, string(mode), outcome, took)
	s.metrics.SetBreakerState(int(s.vectors.BreakerState()))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(errors.KindTimeout, "query deadline exceeded", err)
		}
		return nil, err
	}

	resp.TookMS = took.Milliseconds()
	s.patterns.For(projectID).Record(query, string(mode), len(resp.Results), took)
	return resp, nil
}

func (s *Service) query(ctx context.Context, projectID, query string, opts search.Options) (*QueryResponse, error) {
	h, err := s.manager.Handle(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// The semantic cache is consulted on the query embedding. An
	// unavailable embedder skips the cache; the engine decides whether
	// that degrades or fails the query. Diversity selection changes the
	// result set shape, so MMR queries bypass the cache. While the
	// vector breaker is tripped the cache is bypassed entirely: a
	// pre-outage entry would hide the degradation from the caller.
	var queryVec []float32
	cacheable := opts.Mode != search.ModeKeyword && opts.TopK > 0 && opts.MMRLambda == 0 &&
		opts.Filter == nil && !opts.Rerank && strings.TrimSpace(query) != "" &&
		s.vectors.BreakerState() == errors.StateClosed
	if cacheable {
		if vec, embedErr := s.embedder.Embed(ctx, query); embedErr == nil {
			queryVec = vec
			if cached, _, ok := h.Semantic.Lookup(vec, string(opts.Mode), opts.TopK); ok {
				s.metrics.RecordCacheEvent(projectID, telemetry.CacheSemantic, true)
				results := cached
				if len(results) > opts.TopK {
					results = results[:opts.TopK]
				}
				return &QueryResponse{Results: results, CacheHit: true}, nil
			}
			s.metrics.RecordCacheEvent(projectID, telemetry.CacheSemantic, false)
		}
	}

	results, info, err := s.engine.Search(ctx, projectID, query, opts)
	if err != nil {
		return nil, err
	}

	// Degraded answers are never cached; they would outlive the outage.
	if cacheable && queryVec != nil && !info.Degraded {
		h.Semantic.Insert(queryVec, string(opts.Mode), opts.TopK, results)
	}

	return &QueryResponse{
		Results:  results,
		Degraded: info.Degraded,
		Reranked: info.Reranked,
	}, nil
}

// ComponentHealth is one component's probe result.
type ComponentHealth struct {
	Status string `json:"status"` // up, degraded, down
	Detail string `json:"detail,omitempty"`
}

// HealthReport is the aggregate health answer.
type HealthReport struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}

// Health probes every component. The aggregate is "down" only when the
// metadata store is unreachable; a broken vector backend or embedder
// degrades the service but keyword search still works.
func (s *Service) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     "up",
		Components: make(map[string]ComponentHealth),
	}

	if err := s.manager.Store().Ping(ctx); err != nil {
		report.Components["metadata_db"] = ComponentHealth{Status: "down", Detail: err.Error()}
		report.Status = "down"
	} else {
		report.Components["metadata_db"] = ComponentHealth{Status: "up"}
	}

	switch state := s.vectors.BreakerState(); state {
	case errors.StateOpen:
		report.Components["vector_backend"] = ComponentHealth{Status: "down", Detail: "circuit breaker open"}
		if report.Status == "up" {
			report.Status = "degraded"
		}
	case errors.StateHalfOpen:
		report.Components["vector_backend"] = ComponentHealth{Status: "degraded", Detail: "circuit breaker half-open"}
		if report.Status == "up" {
			report.Status = "degraded"
		}
	default:
		report.Components["vector_backend"] = ComponentHealth{Status: "up"}
	}
	s.metrics.SetBreakerState(int(s.vectors.BreakerState()))

	if s.embedder.Available(ctx) {
		report.Components["embedder"] = ComponentHealth{Status: "up"}
	} else {
		report.Components["embedder"] = ComponentHealth{Status: "down", Detail: "embedding model unavailable"}
		if report.Status == "up" {
			report.Status = "degraded"
		}
	}

	for name, probe := range s.probes {
		if err := probe(ctx); err != nil {
			report.Components[name] = ComponentHealth{Status: "down", Detail: err.Error()}
			if report.Status == "up" {
				report.Status = "degraded"
			}
		} else {
			report.Components[name] = ComponentHealth{Status: "up"}
		}
	}
	return report
}

// StatsReport is a project's usage and query pattern view.
type StatsReport struct {
	*project.ProjectStats
	Patterns *telemetry.PatternSnapshot `json:"patterns"`
}

// Stats aggregates a project's usage counters and query patterns.
func (s *Service) Stats(ctx context.Context, projectID string) (*StatsReport, error) {
	stats, err := s.manager.Stats(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &StatsReport{
		ProjectStats: stats,
		Patterns:     s.patterns.For(projectID).Snapshot(20),
	}, nil
}

// Close releases runtime state.
func (s *Service) Close() error {
	return s.manager.Close()
}
