package project

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgebeast/knowledgebeast/internal/cache"
	"github.com/knowledgebeast/knowledgebeast/internal/chunk"
	"github.com/knowledgebeast/knowledgebeast/internal/errors"
	"github.com/knowledgebeast/knowledgebeast/internal/index"
	vecstore "github.com/knowledgebeast/knowledgebeast/internal/store"
)

const testDimensions = 4

func newTestManager(t *testing.T, quotas Quotas) *Manager {
	t.Helper()

	db, err := OpenDB(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backend, err := vecstore.NewHNSWBackend("", vecstore.DefaultHNSWConfig())
	require.NoError(t, err)
	adapter := vecstore.NewAdapter(backend, testDimensions, vecstore.AdapterConfig{
		Retry: errors.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	}, nil)

	m := NewManager(NewStore(db), adapter, ManagerConfig{
		Quotas:        quotas,
		IndexConfig:   index.DefaultConfig(),
		SemanticCache: cache.SemanticConfig{Capacity: 16, Threshold: 0.95},
	}, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_CreateAndDeleteProject(t *testing.T) {
	m := newTestManager(t, Quotas{})
	ctx := context.Background()

	// Given: a created project
	p, err := m.CreateProject(ctx, "docs", "", "static-fnv-256", nil)
	require.NoError(t, err)

	// Then: it is visible and serves a handle
	_, err = m.Handle(ctx, p.ID)
	require.NoError(t, err)

	// When: deleting it
	require.NoError(t, m.DeleteProject(ctx, p.ID))

	// Then: the record is gone and a repeated delete still succeeds
	_, err = m.GetProject(ctx, p.ID)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	assert.NoError(t, m.DeleteProject(ctx, p.ID))
}

func TestManager_HandleUnknownProjectNotFound(t *testing.T) {
	m := newTestManager(t, Quotas{})

	_, err := m.Handle(context.Background(), "missing")

	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestManager_KeywordIndexIsolation(t *testing.T) {
	m := newTestManager(t, Quotas{})
	ctx := context.Background()

	alpha, err := m.CreateProject(ctx, "alpha", "", "static-fnv-256", nil)
	require.NoError(t, err)
	beta, err := m.CreateProject(ctx, "beta", "", "static-fnv-256", nil)
	require.NoError(t, err)

	// Given: content indexed only in alpha
	require.NoError(t, m.IndexChunks(ctx, alpha.ID, []*chunk.Chunk{
		{ID: "doc-1:0000", DocID: "doc-1", Text: "postgres replication tuning"},
	}))

	// Then: beta's index never sees it
	hits, err := m.KeywordSearch(ctx, alpha.ID, "replication", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = m.KeywordSearch(ctx, beta.ID, "replication", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestManager_KeywordIndexRebuiltFromStore(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backend, err := vecstore.NewHNSWBackend("", vecstore.DefaultHNSWConfig())
	require.NoError(t, err)
	adapter := vecstore.NewAdapter(backend, testDimensions, vecstore.AdapterConfig{
		Retry: errors.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	}, nil)
	cfg := ManagerConfig{
		IndexConfig:   index.DefaultConfig(),
		SemanticCache: cache.SemanticConfig{Capacity: 16, Threshold: 0.95},
	}
	ctx := context.Background()

	// Given: a project with indexed and persisted chunks
	m1 := NewManager(NewStore(db), adapter, cfg, nil)
	p, err := m1.CreateProject(ctx, "docs", "", "static-fnv-256", nil)
	require.NoError(t, err)
	require.NoError(t, m1.IndexChunks(ctx, p.ID, []*chunk.Chunk{
		{ID: "doc-1:0000", DocID: "doc-1", Ordinal: 0, Text: "postgres replication tuning"},
		{ID: "doc-1:0001", DocID: "doc-1", Ordinal: 1, Text: "failover promotes a standby"},
	}))
	require.NoError(t, m1.Store().SaveChunks(ctx, p.ID, []ChunkRecord{
		{ChunkID: "doc-1:0000", DocID: "doc-1", Ordinal: 0, Text: "postgres replication tuning"},
		{ChunkID: "doc-1:0001", DocID: "doc-1", Ordinal: 1, Text: "failover promotes a standby"},
	}))
	require.NoError(t, m1.Close())

	// When: a fresh manager serves the same metadata store, as after a
	// process restart
	m2 := NewManager(NewStore(db), adapter, cfg, nil)
	t.Cleanup(func() { _ = m2.Close() })

	// Then: keyword search finds the persisted corpus again
	hits, err := m2.KeywordSearch(ctx, p.ID, "replication", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-1:0000", hits[0].ChunkID)

	hits, err = m2.KeywordSearch(ctx, p.ID, "failover", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-1:0001", hits[0].ChunkID)
}

func TestManager_GetChunksShapesRecords(t *testing.T) {
	m := newTestManager(t, Quotas{})
	ctx := context.Background()
	p, err := m.CreateProject(ctx, "docs", "", "static-fnv-256", nil)
	require.NoError(t, err)

	require.NoError(t, m.Store().SaveChunks(ctx, p.ID, []ChunkRecord{
		{ChunkID: "doc-1:0000", DocID: "doc-1", Text: "hello", Vector: []float32{1, 0, 0, 0}, Metadata: map[string]string{"k": "v"}},
	}))

	recs, err := m.GetChunks(ctx, p.ID, []string{"doc-1:0000"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "doc-1", recs[0].DocID)
	assert.Equal(t, "hello", recs[0].Text)
	assert.Equal(t, []float32{1, 0, 0, 0}, recs[0].Vector)
	assert.Equal(t, "v", recs[0].Metadata["k"])
}

func TestManager_NextDocIDUniqueInBurst(t *testing.T) {
	m := newTestManager(t, Quotas{})

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := m.NextDocID()
		require.False(t, seen[id], "duplicate doc id %s", id)
		seen[id] = true
	}
}

func TestManager_IngestQuotas(t *testing.T) {
	m := newTestManager(t, Quotas{MaxDocuments: 2, MaxBytes: 1000})
	ctx := context.Background()
	p, err := m.CreateProject(ctx, "docs", "", "static-fnv-256", nil)
	require.NoError(t, err)

	require.NoError(t, m.Store().InsertDocument(ctx, &Document{
		DocID: "doc-1", ProjectID: p.ID, SizeBytes: 600, CreatedAt: time.Now().UTC(),
	}))

	// Within quota
	assert.NoError(t, m.CheckIngestQuota(ctx, p.ID, 1, 300))

	// Document count would exceed
	err = m.CheckIngestQuota(ctx, p.ID, 2, 100)
	assert.Equal(t, errors.KindQuotaExceeded, errors.KindOf(err))

	// Byte total would exceed
	err = m.CheckIngestQuota(ctx, p.ID, 1, 500)
	assert.Equal(t, errors.KindQuotaExceeded, errors.KindOf(err))
}

func TestManager_AdmitEnforcesConcurrency(t *testing.T) {
	m := newTestManager(t, Quotas{MaxInflight: 2, QueriesPerSecond: 1000, QueryBurst: 1000})
	ctx := context.Background()
	p, err := m.CreateProject(ctx, "docs", "", "static-fnv-256", nil)
	require.NoError(t, err)

	// Given: both slots taken
	release1, err := m.Admit(ctx, p.ID)
	require.NoError(t, err)
	release2, err := m.Admit(ctx, p.ID)
	require.NoError(t, err)

	// Then: a third query is rejected until a slot frees
	_, err = m.Admit(ctx, p.ID)
	assert.Equal(t, errors.KindQuotaExceeded, errors.KindOf(err))

	release1()
	release3, err := m.Admit(ctx, p.ID)
	require.NoError(t, err)
	release2()
	release3()
}

func TestManager_AdmitEnforcesRate(t *testing.T) {
	m := newTestManager(t, Quotas{QueriesPerSecond: 1, QueryBurst: 2})
	ctx := context.Background()
	p, err := m.CreateProject(ctx, "docs", "", "static-fnv-256", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		release, err := m.Admit(ctx, p.ID)
		require.NoError(t, err)
		release()
	}

	_, err = m.Admit(ctx, p.ID)
	assert.Equal(t, errors.KindQuotaExceeded, errors.KindOf(err))
}

func TestManager_RateLimitIsPerCallerKey(t *testing.T) {
	m := newTestManager(t, Quotas{QueriesPerSecond: 1, QueryBurst: 1})
	p, err := m.CreateProject(context.Background(), "docs", "", "static-fnv-256", nil)
	require.NoError(t, err)

	ctxA := WithCallerKey(context.Background(), "key-a")
	ctxB := WithCallerKey(context.Background(), "key-b")

	// Given: one caller has drained its bucket
	release, err := m.Admit(ctxA, p.ID)
	require.NoError(t, err)
	release()
	_, err = m.Admit(ctxA, p.ID)
	require.Equal(t, errors.KindQuotaExceeded, errors.KindOf(err))

	// Then: a different caller key still gets through
	release, err = m.Admit(ctxB, p.ID)
	require.NoError(t, err)
	release()
}

func TestManager_DeleteRejectsHandleMidTeardown(t *testing.T) {
	m := newTestManager(t, Quotas{})
	ctx := context.Background()
	p, err := m.CreateProject(ctx, "docs", "", "static-fnv-256", nil)
	require.NoError(t, err)

	require.NoError(t, m.Store().SetProjectState(ctx, p.ID, StateDeleting))

	_, err = m.Handle(ctx, p.ID)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
}

func TestManager_ResumeDeletes(t *testing.T) {
	m := newTestManager(t, Quotas{})
	ctx := context.Background()
	p, err := m.CreateProject(ctx, "docs", "", "static-fnv-256", nil)
	require.NoError(t, err)

	// Given: a project stranded mid-delete
	require.NoError(t, m.Store().SetProjectState(ctx, p.ID, StateDeleting))

	// When: startup recovery runs
	require.NoError(t, m.ResumeDeletes(ctx))

	// Then: the teardown completed
	_, err = m.GetProject(ctx, p.ID)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestManager_StatsAggregates(t *testing.T) {
	m := newTestManager(t, Quotas{})
	ctx := context.Background()
	p, err := m.CreateProject(ctx, "docs", "", "static-fnv-256", nil)
	require.NoError(t, err)

	require.NoError(t, m.Store().InsertDocument(ctx, &Document{
		DocID: "doc-1", ProjectID: p.ID, SizeBytes: 128, ChunkCount: 1, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, m.Store().SaveChunks(ctx, p.ID, []ChunkRecord{
		{ChunkID: "doc-1:0000", DocID: "doc-1", Text: "hello"},
	}))

	stats, err := m.Stats(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, int64(128), stats.TotalBytes)
	assert.Equal(t, 1, stats.Chunks)
}

func TestManager_InvalidateCachesClearsSemantic(t *testing.T) {
	m := newTestManager(t, Quotas{})
	ctx := context.Background()
	p, err := m.CreateProject(ctx, "docs", "", "static-fnv-256", nil)
	require.NoError(t, err)

	h, err := m.Handle(ctx, p.ID)
	require.NoError(t, err)

	embedding := []float32{1, 0, 0, 0}
	h.Semantic.Insert(embedding, "hybrid", 10, nil)
	_, _, hit := h.Semantic.Lookup(embedding, "hybrid", 10)
	require.True(t, hit)

	m.InvalidateCaches(p.ID)

	_, _, hit = h.Semantic.Lookup(embedding, "hybrid", 10)
	assert.False(t, hit)
}
