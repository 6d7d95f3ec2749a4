// Package search implements the hybrid query engine: parallel vector
// and BM25 retrieval, min-max score normalization, weighted fusion,
// optional cross-encoder re-ranking, and MMR diversity selection.
package search

import (
	"context"

	"github.com/knowledgebeast/knowledgebeast/internal/index"
	"github.com/knowledgebeast/knowledgebeast/internal/store"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeVector  Mode = "vector"
	ModeKeyword Mode = "keyword"
	ModeHybrid  Mode = "hybrid"
)

// DefaultAlpha is the hybrid fusion weight on the vector stream.
const DefaultAlpha = 0.7

// DefaultTopK is the result count when a request leaves top_k unset.
const DefaultTopK = 10

// DefaultOverFetch multiplies top_k to size the candidate pool.
const DefaultOverFetch = 3

// DefaultRerankDepth is the number of candidates passed to the
// cross-encoder.
const DefaultRerankDepth = 50

// Options are per-query knobs.
type Options struct {
	// TopK is the number of results to return. Zero is honored as an
	// explicit request for no results; callers wanting the default pass
	// DefaultTopK. Negative values are rejected.
	TopK int

	Mode Mode

	// Rerank enables cross-encoder re-ranking of the top candidates.
	// Re-rank failures are non-fatal: the fused ordering is kept and
	// the response reports reranked=false.
	Rerank bool

	// MMRLambda in (0,1] enables maximal-marginal-relevance diversity
	// selection; zero disables it. λ weighs relevance against novelty.
	MMRLambda float64

	// Filter restricts candidates by chunk ID; nil accepts everything.
	Filter store.Filter

	// OnCandidates, when set, is called once with the head of the fused
	// ranking before re-ranking and MMR run, on the query goroutine.
	// Streaming callers use it to emit early partials.
	OnCandidates func([]Candidate)
}

// Candidate is one entry of the fused ranking, surfaced before
// re-ranking and diversity selection settle the final order.
type Candidate struct {
	ChunkID string
	DocID   string
	Score   float64
}

// Result is a ranked passage.
type Result struct {
	ChunkID      string            `json:"chunk_id"`
	DocID        string            `json:"doc_id"`
	Score        float64           `json:"score"`
	VectorScore  float64           `json:"vector_score,omitempty"`
	KeywordScore float64           `json:"keyword_score,omitempty"`
	Text         string            `json:"text"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Info reports how the query was served.
type Info struct {
	Degraded bool // vector stream unavailable, keyword-only fallback
	Reranked bool // cross-encoder scores applied
}

// ChunkRecord is the stored form of a chunk the engine enriches
// results from: text for display and re-ranking, the vector for MMR.
type ChunkRecord struct {
	ChunkID  string
	DocID    string
	Text     string
	Vector   []float32
	Metadata map[string]string
}

// VectorQuerier is the vector retrieval dependency (the store adapter).
type VectorQuerier interface {
	Query(ctx context.Context, projectID string, vector []float32, k int, filter store.Filter) ([]store.VectorHit, error)
}

// KeywordSearcher resolves a project's keyword index and searches it.
type KeywordSearcher interface {
	KeywordSearch(ctx context.Context, projectID, query string, k int) ([]index.Result, error)
}

// ChunkGetter loads chunk records by ID.
type ChunkGetter interface {
	GetChunks(ctx context.Context, projectID string, chunkIDs []string) ([]ChunkRecord, error)
}

// Embedder is the query embedding dependency.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
