package project

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/knowledgebeast/knowledgebeast/internal/cache"
	"github.com/knowledgebeast/knowledgebeast/internal/chunk"
	"github.com/knowledgebeast/knowledgebeast/internal/errors"
	"github.com/knowledgebeast/knowledgebeast/internal/index"
	"github.com/knowledgebeast/knowledgebeast/internal/search"
	vecstore "github.com/knowledgebeast/knowledgebeast/internal/store"
)

// ManagerConfig configures per-project runtime state.
type ManagerConfig struct {
	// Quotas apply uniformly to every project.
	Quotas Quotas

	// IndexConfig shapes each project's keyword index.
	IndexConfig index.Config

	// SemanticCache shapes each project's query result cache.
	SemanticCache cache.SemanticConfig
}

// Handle is a project's lazily created runtime state. Every project
// gets its own keyword index and caches; nothing is shared across
// tenants.
type Handle struct {
	projectID string

	Keyword  *index.KeywordIndex
	Semantic *cache.SemanticCache[[]search.Result]

	inflight *semaphore.Weighted

	// Rate limits are tracked per caller key within the project, so
	// one client's burst cannot drain another client's budget. The
	// in-flight cap above is shared project-wide.
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (h *Handle) limiter(callerKey string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[callerKey]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[callerKey] = l
	}
	return l
}

// Manager owns project lifecycle: records in the metadata store,
// collections in the vector backend, and the per-project runtime
// handles. It implements search.KeywordSearcher and search.ChunkGetter
// for the query engine.
type Manager struct {
	meta    *Store
	vectors *vecstore.Adapter
	cfg     ManagerConfig
	logger  *slog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle

	docSeq atomic.Uint64
}

// NewManager wires the metadata store and vector adapter together.
func NewManager(meta *Store, vectors *vecstore.Adapter, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		meta:    meta,
		vectors: vectors,
		cfg:     cfg,
		logger:  logger,
		handles: make(map[string]*Handle),
	}
}

// Store exposes the metadata store for key and document operations.
func (m *Manager) Store() *Store {
	return m.meta
}

// CreateProject creates the record and its vector collection. A
// collection failure rolls the record back so creation is atomic from
// the caller's view.
func (m *Manager) CreateProject(ctx context.Context, name, description, embeddingModelID string, metadata map[string]string) (*Project, error) {
	p, err := m.meta.CreateProject(ctx, name, description, embeddingModelID, metadata)
	if err != nil {
		return nil, err
	}

	if err := m.vectors.CreateCollection(ctx, p.ID); err != nil {
		_ = m.meta.DeleteProjectRecord(ctx, p.ID)
		return nil, errors.Wrap(errors.KindBackendUnavailable, "create vector collection", err)
	}

	m.logger.Info("project created", "project_id", p.ID, "name", p.Name)
	return p, nil
}

// GetProject fetches a project record.
func (m *Manager) GetProject(ctx context.Context, projectID string) (*Project, error) {
	return m.meta.GetProject(ctx, projectID)
}

// ListProjects lists all project records, deleting ones included.
func (m *Manager) ListProjects(ctx context.Context) ([]*Project, error) {
	return m.meta.ListProjects(ctx)
}

// DeleteProject tears a project down: vector collection, keyword index,
// caches, chunk and document rows, API keys, then the record itself.
// Deletes are idempotent; a second delete of an absent project
// succeeds. When any step fails the record stays in the deleting state
// and a retry resumes from the failed step.
func (m *Manager) DeleteProject(ctx context.Context, projectID string) error {
	_, err := m.meta.GetProject(ctx, projectID)
	if errors.KindOf(err) == errors.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.meta.SetProjectState(ctx, projectID, StateDeleting); err != nil {
		return err
	}

	// Purge the runtime handle first so no in-flight query sees a
	// half-deleted project.
	m.dropHandle(projectID)

	var failed []string
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			failed = append(failed, name)
			m.logger.Warn("project delete step failed",
				"project_id", projectID, "step", name, "error", err)
		}
	}

	step("vector_collection", func() error { return m.vectors.DeleteCollection(ctx, projectID) })
	step("chunks", func() error { return m.meta.DeleteChunksForProject(ctx, projectID) })
	step("documents", func() error { return m.meta.DeleteDocumentsForProject(ctx, projectID) })
	step("api_keys", func() error { return m.meta.DeleteAPIKeysForProject(ctx, projectID) })

	if len(failed) > 0 {
		err := errors.Newf(errors.KindPartialDelete, "project delete incomplete: %v", failed)
		return err.WithDetail("project_id", projectID)
	}

	if err := m.meta.DeleteProjectRecord(ctx, projectID); err != nil {
		return err
	}
	m.logger.Info("project deleted", "project_id", projectID)
	return nil
}

// ResumeDeletes retries teardown for projects stuck mid-delete, at
// startup.
func (m *Manager) ResumeDeletes(ctx context.Context) error {
	projects, err := m.meta.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if p.State != StateDeleting {
			continue
		}
		m.logger.Info("resuming project delete", "project_id", p.ID)
		if err := m.DeleteProject(ctx, p.ID); err != nil {
			m.logger.Warn("resumed delete still incomplete", "project_id", p.ID, "error", err)
		}
	}
	return nil
}

// Handle returns the project's runtime handle, creating it on first
// use. Projects mid-delete are not served.
func (m *Manager) Handle(ctx context.Context, projectID string) (*Handle, error) {
	m.mu.RLock()
	h, ok := m.handles[projectID]
	m.mu.RUnlock()
	if ok {
		return h, nil
	}

	p, err := m.meta.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.State == StateDeleting {
		return nil, errors.Conflict("project is being deleted").WithDetail("project_id", projectID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[projectID]; ok {
		return h, nil
	}

	h, err = m.newHandle(ctx, projectID)
	if err != nil {
		return nil, err
	}
	m.handles[projectID] = h
	return h, nil
}

func (m *Manager) newHandle(ctx context.Context, projectID string) (*Handle, error) {
	idx, err := index.NewKeywordIndex(m.cfg.IndexConfig)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "create keyword index", err)
	}
	semantic, err := cache.NewSemanticCache[[]search.Result](m.cfg.SemanticCache)
	if err != nil {
		_ = idx.Close()
		return nil, errors.Wrap(errors.KindInternal, "create semantic cache", err)
	}

	// The keyword index lives only in memory; repopulate it from the
	// persisted chunks so a restart serves the same corpus on both
	// retrieval streams.
	if err := m.rebuildKeywordIndex(ctx, projectID, idx); err != nil {
		_ = idx.Close()
		return nil, err
	}

	limit := rate.Inf
	if m.cfg.Quotas.QueriesPerSecond > 0 {
		limit = rate.Limit(m.cfg.Quotas.QueriesPerSecond)
	}
	burst := m.cfg.Quotas.QueryBurst
	if burst <= 0 {
		burst = 1
	}
	inflight := int64(m.cfg.Quotas.MaxInflight)
	if inflight <= 0 {
		inflight = int64(1) << 30
	}

	return &Handle{
		projectID: projectID,
		Keyword:   idx,
		Semantic:  semantic,
		inflight:  semaphore.NewWeighted(inflight),
		limit:     limit,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}, nil
}

func (m *Manager) rebuildKeywordIndex(ctx context.Context, projectID string, idx *index.KeywordIndex) error {
	recs, err := m.meta.ListChunksForProject(ctx, projectID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	chunks := make([]*chunk.Chunk, len(recs))
	for i, r := range recs {
		chunks[i] = &chunk.Chunk{
			ID:         r.ChunkID,
			DocID:      r.DocID,
			Ordinal:    r.Ordinal,
			Text:       r.Text,
			TokenCount: r.TokenCount,
			Metadata:   r.Metadata,
		}
	}
	if err := idx.Index(ctx, chunks); err != nil {
		return errors.Wrap(errors.KindInternal, "rebuild keyword index", err)
	}
	m.logger.Info("keyword index rebuilt", "project_id", projectID, "chunks", len(chunks))
	return nil
}

func (m *Manager) dropHandle(projectID string) {
	m.mu.Lock()
	h, ok := m.handles[projectID]
	delete(m.handles, projectID)
	m.mu.Unlock()
	if ok {
		_ = h.Keyword.Close()
	}
}

// KeywordSearch searches a project's keyword index.
func (m *Manager) KeywordSearch(ctx context.Context, projectID, query string, k int) ([]index.Result, error) {
	h, err := m.Handle(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return h.Keyword.Search(ctx, query, k)
}

// GetChunks loads chunk records for the query engine.
func (m *Manager) GetChunks(ctx context.Context, projectID string, chunkIDs []string) ([]search.ChunkRecord, error) {
	recs, err := m.meta.GetChunksByIDs(ctx, projectID, chunkIDs)
	if err != nil {
		return nil, err
	}
	out := make([]search.ChunkRecord, len(recs))
	for i, r := range recs {
		out[i] = search.ChunkRecord{
			ChunkID:  r.ChunkID,
			DocID:    r.DocID,
			Text:     r.Text,
			Vector:   r.Vector,
			Metadata: r.Metadata,
		}
	}
	return out, nil
}

// IndexChunks adds chunks to a project's keyword index.
func (m *Manager) IndexChunks(ctx context.Context, projectID string, chunks []*chunk.Chunk) error {
	h, err := m.Handle(ctx, projectID)
	if err != nil {
		return err
	}
	return h.Keyword.Index(ctx, chunks)
}

// NextDocID mints a document ID unique within this process, even for
// sub-millisecond bursts.
func (m *Manager) NextDocID() string {
	return fmt.Sprintf("doc-%d-%d", time.Now().UnixMilli(), m.docSeq.Add(1))
}

// CheckIngestQuota rejects an ingest batch that would exceed document
// or byte quotas. Checked per batch before any work is done.
func (m *Manager) CheckIngestQuota(ctx context.Context, projectID string, addDocs int, addBytes int64) error {
	q := m.cfg.Quotas
	if q.MaxDocuments == 0 && q.MaxBytes == 0 {
		return nil
	}
	docs, bytes, err := m.meta.Usage(ctx, projectID)
	if err != nil {
		return err
	}
	if q.MaxDocuments > 0 && docs+addDocs > q.MaxDocuments {
		return errors.QuotaExceeded("document quota exceeded").
			WithDetail("project_id", projectID).
			WithDetail("limit", fmt.Sprintf("%d", q.MaxDocuments))
	}
	if q.MaxBytes > 0 && bytes+addBytes > q.MaxBytes {
		return errors.QuotaExceeded("storage quota exceeded").
			WithDetail("project_id", projectID).
			WithDetail("limit", fmt.Sprintf("%d", q.MaxBytes))
	}
	return nil
}

// Admit applies the project's query limits: the rate limit for the
// caller key carried on ctx, then the project-wide concurrency cap. On
// success the caller must invoke the release function when the query
// finishes.
func (m *Manager) Admit(ctx context.Context, projectID string) (release func(), err error) {
	h, err := m.Handle(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !h.limiter(CallerKey(ctx)).Allow() {
		return nil, errors.QuotaExceeded("query rate limit exceeded").WithDetail("project_id", projectID)
	}
	if !h.inflight.TryAcquire(1) {
		return nil, errors.QuotaExceeded("too many concurrent queries").WithDetail("project_id", projectID)
	}
	return func() { h.inflight.Release(1) }, nil
}

// InvalidateCaches clears a project's semantic cache after its corpus
// changes.
func (m *Manager) InvalidateCaches(projectID string) {
	m.mu.RLock()
	h, ok := m.handles[projectID]
	m.mu.RUnlock()
	if ok {
		h.Semantic.Clear()
	}
}

// ProjectStats aggregates a project's resource usage.
type ProjectStats struct {
	ProjectID     string      `json:"project_id"`
	Documents     int         `json:"documents"`
	TotalBytes    int64       `json:"total_bytes"`
	Chunks        int         `json:"chunks"`
	Vectors       int         `json:"vectors"`
	SemanticCache cache.Stats `json:"semantic_cache"`
}

// Stats reports a project's usage counters.
func (m *Manager) Stats(ctx context.Context, projectID string) (*ProjectStats, error) {
	if _, err := m.meta.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	docs, bytes, err := m.meta.Usage(ctx, projectID)
	if err != nil {
		return nil, err
	}
	chunks, err := m.meta.CountChunks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stats := &ProjectStats{
		ProjectID:  projectID,
		Documents:  docs,
		TotalBytes: bytes,
		Chunks:     chunks,
	}
	if vectors, err := m.vectors.Size(ctx, projectID); err == nil {
		stats.Vectors = vectors
	}
	m.mu.RLock()
	if h, ok := m.handles[projectID]; ok {
		stats.SemanticCache = h.Semantic.Stats()
	}
	m.mu.RUnlock()
	return stats, nil
}

// Close releases every runtime handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.handles {
		_ = h.Keyword.Close()
		delete(m.handles, id)
	}
	return nil
}
