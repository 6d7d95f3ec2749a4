package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgebeast/knowledgebeast/internal/cache"
	"github.com/knowledgebeast/knowledgebeast/internal/chunk"
	"github.com/knowledgebeast/knowledgebeast/internal/embed"
	"github.com/knowledgebeast/knowledgebeast/internal/errors"
	"github.com/knowledgebeast/knowledgebeast/internal/index"
	"github.com/knowledgebeast/knowledgebeast/internal/ingest"
	"github.com/knowledgebeast/knowledgebeast/internal/project"
	"github.com/knowledgebeast/knowledgebeast/internal/search"
	vecstore "github.com/knowledgebeast/knowledgebeast/internal/store"
)

func newTestService(t *testing.T, quotas project.Quotas) *Service {
	t.Helper()

	db, err := project.OpenDB(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	embedder := embed.NewStaticEmbedder()
	backend, err := vecstore.NewHNSWBackend("", vecstore.DefaultHNSWConfig())
	require.NoError(t, err)
	adapter := vecstore.NewAdapter(backend, embedder.Dimensions(), vecstore.AdapterConfig{
		Retry: errors.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	}, nil)

	manager := project.NewManager(project.NewStore(db), adapter, project.ManagerConfig{
		Quotas:        quotas,
		IndexConfig:   index.DefaultConfig(),
		SemanticCache: cache.SemanticConfig{Capacity: 32, Threshold: 0.95},
	}, nil)

	chunker := chunk.NewRecursiveChunker(chunk.RecursiveOptions{ChunkSizeTokens: 32, OverlapTokens: 4})
	pipeline := ingest.NewPipeline(manager, embedder, chunker, adapter, ingest.Config{Workers: 2}, nil)
	engine := search.NewEngine(embedder, adapter, manager, manager, nil, search.Config{}, nil)

	svc := New(manager, pipeline, engine, embedder, adapter, nil, nil, nil, Config{}, nil)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func seedProject(t *testing.T, svc *Service) string {
	t.Helper()
	ctx := context.Background()
	p, err := svc.CreateProject(ctx, "docs", "", "", nil)
	require.NoError(t, err)

	outcomes, err := svc.Ingest(ctx, p.ID, []ingest.DocumentInput{
		{Name: "replication.txt", Content: []byte("Postgres streaming replication ships WAL segments to standby servers for durability.")},
		{Name: "caching.txt", Content: []byte("Redis caching keeps hot keys in memory to reduce database load.")},
	})
	require.NoError(t, err)
	for _, o := range outcomes {
		require.NoError(t, o.Err())
	}
	return p.ID
}

func TestService_QueryEndToEnd(t *testing.T) {
	svc := newTestService(t, project.Quotas{})
	projectID := seedProject(t, svc)

	resp, err := svc.Query(context.Background(), projectID, "postgres replication", search.Options{TopK: 5})

	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	assert.False(t, resp.CacheHit)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].Text, "replication")
}

func TestService_SemanticCacheServesRepeatQuery(t *testing.T) {
	svc := newTestService(t, project.Quotas{})
	projectID := seedProject(t, svc)
	ctx := context.Background()

	// Given: a first query fills the cache
	first, err := svc.Query(ctx, projectID, "postgres replication", search.Options{TopK: 5})
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	// When: the identical query repeats
	second, err := svc.Query(ctx, projectID, "postgres replication", search.Options{TopK: 5})

	// Then: it is served from the cache with identical results
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Results, second.Results)
}

// outageBackend wraps a live backend whose queries can be switched to
// failing, to drive the circuit breaker in tests.
type outageBackend struct {
	vecstore.Backend

	mu   sync.Mutex
	down bool
}

func (b *outageBackend) setDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *outageBackend) Query(ctx context.Context, projectID string, vector []float32, k int, filter vecstore.Filter) ([]vecstore.VectorHit, error) {
	b.mu.Lock()
	down := b.down
	b.mu.Unlock()
	if down {
		return nil, errors.BackendUnavailable("vector backend down", nil)
	}
	return b.Backend.Query(ctx, projectID, vector, k, filter)
}

func TestService_CacheBypassedWhileBreakerOpen(t *testing.T) {
	db, err := project.OpenDB(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	embedder := embed.NewStaticEmbedder()
	inner, err := vecstore.NewHNSWBackend("", vecstore.DefaultHNSWConfig())
	require.NoError(t, err)
	backend := &outageBackend{Backend: inner}
	adapter := vecstore.NewAdapter(backend, embedder.Dimensions(), vecstore.AdapterConfig{
		Retry:   errors.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
		Breaker: []errors.CircuitBreakerOption{errors.WithFailureThreshold(1), errors.WithCooldown(time.Minute)},
	}, nil)

	manager := project.NewManager(project.NewStore(db), adapter, project.ManagerConfig{
		IndexConfig:   index.DefaultConfig(),
		SemanticCache: cache.SemanticConfig{Capacity: 32, Threshold: 0.95},
	}, nil)
	chunker := chunk.NewRecursiveChunker(chunk.RecursiveOptions{ChunkSizeTokens: 32, OverlapTokens: 4})
	pipeline := ingest.NewPipeline(manager, embedder, chunker, adapter, ingest.Config{Workers: 2}, nil)
	engine := search.NewEngine(embedder, adapter, manager, manager, nil, search.Config{}, nil)
	svc := New(manager, pipeline, engine, embedder, adapter, nil, nil, nil, Config{}, nil)
	t.Cleanup(func() { _ = svc.Close() })
	projectID := seedProject(t, svc)
	ctx := context.Background()

	// Given: a healthy query has filled the semantic cache
	first, err := svc.Query(ctx, projectID, "postgres replication", search.Options{TopK: 5})
	require.NoError(t, err)
	require.False(t, first.Degraded)
	second, err := svc.Query(ctx, projectID, "postgres replication", search.Options{TopK: 5})
	require.NoError(t, err)
	require.True(t, second.CacheHit)

	// When: the vector backend goes down and the breaker trips
	backend.setDown(true)
	_, err = svc.Query(ctx, projectID, "anything at all", search.Options{TopK: 5, Mode: search.ModeVector})
	require.Equal(t, errors.KindBackendUnavailable, errors.KindOf(err))
	require.NotEqual(t, errors.StateClosed, adapter.BreakerState())

	// Then: the cached answer is not served; the query recomputes and
	// reports the degradation
	resp, err := svc.Query(ctx, projectID, "postgres replication", search.Options{TopK: 5})
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.True(t, resp.Degraded)
}

func TestService_CacheInvalidatedByIngest(t *testing.T) {
	svc := newTestService(t, project.Quotas{})
	projectID := seedProject(t, svc)
	ctx := context.Background()

	_, err := svc.Query(ctx, projectID, "postgres replication", search.Options{TopK: 5})
	require.NoError(t, err)

	// When: the corpus changes
	outcomes, err := svc.Ingest(ctx, projectID, []ingest.DocumentInput{
		{Name: "more.txt", Content: []byte("Logical replication in postgres replicates row changes selectively.")},
	})
	require.NoError(t, err)
	require.NoError(t, outcomes[0].Err())

	// Then: the repeat query recomputes
	resp, err := svc.Query(ctx, projectID, "postgres replication", search.Options{TopK: 5})
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
}

func TestService_KeywordModeBypassesSemanticCache(t *testing.T) {
	svc := newTestService(t, project.Quotas{})
	projectID := seedProject(t, svc)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := svc.Query(ctx, projectID, "replication", search.Options{TopK: 5, Mode: search.ModeKeyword})
		require.NoError(t, err)
		assert.False(t, resp.CacheHit)
	}
}

func TestService_UnknownModeRejected(t *testing.T) {
	svc := newTestService(t, project.Quotas{})
	projectID := seedProject(t, svc)

	_, err := svc.Query(context.Background(), projectID, "query", search.Options{Mode: "fuzzy"})

	assert.Equal(t, errors.KindInvalidArgument, errors.KindOf(err))
}

func TestService_RateLimitSurfacesQuotaExceeded(t *testing.T) {
	svc := newTestService(t, project.Quotas{QueriesPerSecond: 1, QueryBurst: 1})
	projectID := seedProject(t, svc)
	ctx := context.Background()

	_, err := svc.Query(ctx, projectID, "replication", search.Options{TopK: 5})
	require.NoError(t, err)

	_, err = svc.Query(ctx, projectID, "replication", search.Options{TopK: 5})
	assert.Equal(t, errors.KindQuotaExceeded, errors.KindOf(err))
}

func TestService_QueryUnknownProjectNotFound(t *testing.T) {
	svc := newTestService(t, project.Quotas{})

	_, err := svc.Query(context.Background(), "missing", "query", search.Options{TopK: 5})

	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestService_HealthAllUp(t *testing.T) {
	svc := newTestService(t, project.Quotas{})

	report := svc.Health(context.Background())

	assert.Equal(t, "up", report.Status)
	assert.Equal(t, "up", report.Components["metadata_db"].Status)
	assert.Equal(t, "up", report.Components["vector_backend"].Status)
	assert.Equal(t, "up", report.Components["embedder"].Status)
}

func TestService_HealthReportsProbeFailure(t *testing.T) {
	svc := newTestService(t, project.Quotas{})
	svc.probes = map[string]Probe{
		"disk": func(ctx context.Context) error { return errors.Internal("disk nearly full", nil) },
	}

	report := svc.Health(context.Background())

	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "down", report.Components["disk"].Status)
}

func TestService_StatsIncludePatterns(t *testing.T) {
	svc := newTestService(t, project.Quotas{})
	projectID := seedProject(t, svc)
	ctx := context.Background()

	_, err := svc.Query(ctx, projectID, "postgres replication", search.Options{TopK: 5})
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Greater(t, stats.Chunks, 0)
	assert.Equal(t, int64(1), stats.Patterns.TotalQueries)
}

func TestService_DeleteProjectIsIdempotent(t *testing.T) {
	svc := newTestService(t, project.Quotas{})
	projectID := seedProject(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.DeleteProject(ctx, projectID))
	assert.NoError(t, svc.DeleteProject(ctx, projectID))

	_, err := svc.GetProject(ctx, projectID)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestService_MetricsGatherAfterTraffic(t *testing.T) {
	svc := newTestService(t, project.Quotas{})
	projectID := seedProject(t, svc)

	_, err := svc.Query(context.Background(), projectID, "replication", search.Options{TopK: 5})
	require.NoError(t, err)

	families, err := svc.Metrics().Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["knowledgebeast_queries_total"])
	assert.True(t, names["knowledgebeast_query_duration_seconds"])
}
