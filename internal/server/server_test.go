package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
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
	"github.com/knowledgebeast/knowledgebeast/internal/service"
	vecstore "github.com/knowledgebeast/knowledgebeast/internal/store"
)

func newTestServer(t *testing.T, adminKey string) (*Server, *gin.Engine) {
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
		IndexConfig:   index.DefaultConfig(),
		SemanticCache: cache.SemanticConfig{Capacity: 32, Threshold: 0.95},
	}, nil)

	chunker := chunk.NewRecursiveChunker(chunk.RecursiveOptions{ChunkSizeTokens: 32, OverlapTokens: 4})
	pipeline := ingest.NewPipeline(manager, embedder, chunker, adapter, ingest.Config{Workers: 2}, nil)
	engine := search.NewEngine(embedder, adapter, manager, manager, nil, search.Config{}, nil)
	svc := service.New(manager, pipeline, engine, embedder, adapter, nil, nil, nil, service.Config{}, nil)
	t.Cleanup(func() { _ = svc.Close() })

	srv := New(svc, Config{Addr: ":0", AdminKey: adminKey}, nil)
	return srv, srv.Router()
}

func doJSON(t *testing.T, router *gin.Engine, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func createProjectHTTP(t *testing.T, router *gin.Engine, apiKey, name string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v2/projects", apiKey, gin.H{"name": name})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decode[map[string]any](t, w)
	return p["id"].(string)
}

func ingestHTTP(t *testing.T, router *gin.Engine, apiKey, projectID, name, content string) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v2/projects/"+projectID+"/ingest", apiKey,
		gin.H{"name": name, "content": content})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestServer_ProjectCRUD(t *testing.T) {
	_, router := newTestServer(t, "")

	// Create
	id := createProjectHTTP(t, router, "", "docs")

	// Duplicate name conflicts
	w := doJSON(t, router, http.MethodPost, "/api/v2/projects", "", gin.H{"name": "docs"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// List
	w = doJSON(t, router, http.MethodGet, "/api/v2/projects", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[map[string][]map[string]any](t, w)
	assert.Len(t, list["projects"], 1)

	// Get
	w = doJSON(t, router, http.MethodGet, "/api/v2/projects/"+id, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Update
	w = doJSON(t, router, http.MethodPut, "/api/v2/projects/"+id, "",
		gin.H{"description": "updated", "metadata": gin.H{"team": "search"}})
	require.Equal(t, http.StatusOK, w.Code)
	updated := decode[map[string]any](t, w)
	assert.Equal(t, "updated", updated["description"])

	// Delete, twice (idempotent)
	w = doJSON(t, router, http.MethodDelete, "/api/v2/projects/"+id, "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(t, router, http.MethodDelete, "/api/v2/projects/"+id, "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Gone
	w = doJSON(t, router, http.MethodGet, "/api/v2/projects/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_IngestAndQuery(t *testing.T) {
	_, router := newTestServer(t, "")
	id := createProjectHTTP(t, router, "", "docs")
	ingestHTTP(t, router, "", id, "replication.txt",
		"Postgres streaming replication ships WAL segments to standby servers.")

	w := doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/query", "",
		gin.H{"query": "postgres replication", "top_k": 5})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[map[string]any](t, w)
	results := resp["results"].([]any)
	require.NotEmpty(t, results)
	first := results[0].(map[string]any)
	assert.Contains(t, first["text"], "replication")
	assert.Equal(t, false, resp["degraded"])
}

func TestServer_QueryValidation(t *testing.T) {
	_, router := newTestServer(t, "")
	id := createProjectHTTP(t, router, "", "docs")

	// Unknown mode
	w := doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/query", "",
		gin.H{"query": "x", "mode": "fuzzy"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown project
	w = doJSON(t, router, http.MethodPost, "/api/v2/projects/missing/query", "",
		gin.H{"query": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Error envelope carries the kind
	resp := decode[map[string]map[string]any](t, w)
	assert.Equal(t, "NOT_FOUND", resp["error"]["kind"])
}

func TestServer_IngestRequiresContentOrPath(t *testing.T) {
	_, router := newTestServer(t, "")
	id := createProjectHTTP(t, router, "", "docs")

	w := doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/ingest", "",
		gin.H{"name": "empty.txt"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_DocumentLifecycle(t *testing.T) {
	_, router := newTestServer(t, "")
	id := createProjectHTTP(t, router, "", "docs")
	ingestHTTP(t, router, "", id, "a.txt", "first document about indexing")

	w := doJSON(t, router, http.MethodGet, "/api/v2/projects/"+id+"/documents", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	docs := decode[map[string][]map[string]any](t, w)["documents"]
	require.Len(t, docs, 1)
	docID := docs[0]["doc_id"].(string)

	w = doJSON(t, router, http.MethodDelete, "/api/v2/projects/"+id+"/documents/"+docID, "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/v2/projects/"+id+"/documents/"+docID, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_QueryStreamEmitsSSE(t *testing.T) {
	_, router := newTestServer(t, "")
	id := createProjectHTTP(t, router, "", "docs")
	ingestHTTP(t, router, "", id, "a.txt", "caching keeps hot keys in memory")

	w := doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/query/stream", "",
		gin.H{"query": "caching", "top_k": 3})

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, body, "event:candidate")
	assert.Contains(t, body, "event:result")
	assert.Contains(t, body, "event:done")
	// Candidates are emitted while the query is still running, so they
	// precede every result event.
	assert.Less(t, strings.Index(body, "event:candidate"), strings.Index(body, "event:result"))
}

func TestServer_QueryTopKZeroAndDefault(t *testing.T) {
	_, router := newTestServer(t, "")
	id := createProjectHTTP(t, router, "", "docs")
	ingestHTTP(t, router, "", id, "a.txt", "sharding splits data across nodes")

	// An explicit top_k of zero returns an empty result set
	w := doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/query", "",
		gin.H{"query": "sharding", "top_k": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[map[string]any](t, w)
	assert.Empty(t, resp["results"])

	// Omitting top_k falls back to the server default
	w = doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/query", "",
		gin.H{"query": "sharding"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode[map[string]any](t, w)
	assert.NotEmpty(t, resp["results"])

	// Negative top_k is rejected
	w = doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/query", "",
		gin.H{"query": "sharding", "top_k": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_IngestWithDocIDReplaces(t *testing.T) {
	_, router := newTestServer(t, "")
	id := createProjectHTTP(t, router, "", "docs")

	w := doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/ingest", "",
		gin.H{"doc_id": "handbook", "name": "handbook-v1.txt", "content": "compaction merges sstables in the background"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/ingest", "",
		gin.H{"doc_id": "handbook", "name": "handbook-v2.txt", "content": "checkpointing flushes dirty pages to disk"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// One document survives, under the new name
	w = doJSON(t, router, http.MethodGet, "/api/v2/projects/"+id+"/documents", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	docs := decode[map[string][]map[string]any](t, w)["documents"]
	require.Len(t, docs, 1)
	assert.Equal(t, "handbook", docs[0]["doc_id"])
	assert.Equal(t, "handbook-v2.txt", docs[0]["name"])

	// The replaced content is no longer retrievable
	w = doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/query", "",
		gin.H{"query": "compaction sstables", "mode": "keyword", "top_k": 5})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Empty(t, resp["results"])
}

func TestServer_QueryStreamErrorEvent(t *testing.T) {
	_, router := newTestServer(t, "")

	w := doJSON(t, router, http.MethodPost, "/api/v2/projects/missing/query/stream", "",
		gin.H{"query": "anything"})

	// The stream opened with 200; the failure arrives as an event.
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event:error")
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestServer_AuthRequiredWhenAdminKeySet(t *testing.T) {
	const admin = "kb-admin-secret"
	_, router := newTestServer(t, admin)

	// No key
	w := doJSON(t, router, http.MethodPost, "/api/v2/projects", "", gin.H{"name": "docs"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong key
	w = doJSON(t, router, http.MethodPost, "/api/v2/projects", "nope", gin.H{"name": "docs"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Admin key
	id := createProjectHTTP(t, router, admin, "docs")
	assert.NotEmpty(t, id)
}

func TestServer_ProjectKeyScopesEnforced(t *testing.T) {
	const admin = "kb-admin-secret"
	_, router := newTestServer(t, admin)
	id := createProjectHTTP(t, router, admin, "docs")
	other := createProjectHTTP(t, router, admin, "other")

	// Mint a read-only key via the admin credential
	w := doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/api-keys", admin,
		gin.H{"scopes": []string{"read"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	readKey := decode[map[string]any](t, w)["key"].(string)

	// Read scope can query
	w = doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/query", readKey,
		gin.H{"query": "anything"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// But cannot ingest
	w = doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/ingest", readKey,
		gin.H{"name": "a.txt", "content": "text"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// And never crosses projects
	w = doJSON(t, router, http.MethodPost, "/api/v2/projects/"+other+"/query", readKey,
		gin.H{"query": "anything"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_RevokedKeyRejected(t *testing.T) {
	const admin = "kb-admin-secret"
	_, router := newTestServer(t, admin)
	id := createProjectHTTP(t, router, admin, "docs")

	w := doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/api-keys", admin,
		gin.H{"scopes": []string{"read"}})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[map[string]any](t, w)
	rawKey := created["key"].(string)
	keyID := created["key_id"].(string)

	w = doJSON(t, router, http.MethodDelete, "/api/v2/projects/"+id+"/api-keys/"+keyID, admin, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/query", rawKey,
		gin.H{"query": "anything"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_UnknownScopeRejected(t *testing.T) {
	_, router := newTestServer(t, "")
	id := createProjectHTTP(t, router, "", "docs")

	w := doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/api-keys", "",
		gin.H{"scopes": []string{"superuser"}})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	_, router := newTestServer(t, "")

	w := doJSON(t, router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[map[string]any](t, w)
	assert.Equal(t, "up", report["status"])

	w = doJSON(t, router, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_QueryFilterByDocID(t *testing.T) {
	_, router := newTestServer(t, "")
	id := createProjectHTTP(t, router, "", "docs")
	ingestHTTP(t, router, "", id, "a.txt", "elasticsearch indexing pipeline details")
	ingestHTTP(t, router, "", id, "b.txt", "elasticsearch query tuning details")

	w := doJSON(t, router, http.MethodGet, "/api/v2/projects/"+id+"/documents", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	docs := decode[map[string][]map[string]any](t, w)["documents"]
	require.Len(t, docs, 2)
	keep := docs[0]["doc_id"].(string)

	w = doJSON(t, router, http.MethodPost, "/api/v2/projects/"+id+"/query", "",
		gin.H{"query": "elasticsearch", "top_k": 10, "filter": gin.H{"doc_ids": []string{keep}}})

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	for _, raw := range resp["results"].([]any) {
		r := raw.(map[string]any)
		assert.True(t, strings.HasPrefix(r["chunk_id"].(string), keep+":"))
	}
}
