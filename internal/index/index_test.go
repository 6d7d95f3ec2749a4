package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgebeast/knowledgebeast/internal/chunk"
)

func newTestIndex(t *testing.T) *KeywordIndex {
	t.Helper()
	idx, err := NewKeywordIndex(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func makeChunk(docID string, ordinal int, text string) *chunk.Chunk {
	return &chunk.Chunk{
		ID:      chunk.ChunkID(docID, ordinal),
		DocID:   docID,
		Ordinal: ordinal,
		Text:    text,
	}
}

func TestKeywordIndex_SearchFindsRelevantChunks(t *testing.T) {
	// Given: chunks on different topics
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, []*chunk.Chunk{
		makeChunk("doc-1", 0, "Circuit breakers protect services from cascading failures."),
		makeChunk("doc-1", 1, "Token buckets smooth bursts of incoming requests."),
		makeChunk("doc-2", 0, "The breaker opens after repeated failures within a window."),
	}))

	// When: searching for the breaker topic
	results, err := idx.Search(ctx, "circuit breaker failures", 10)

	// Then: breaker chunks rank above the rate limiting chunk
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, []string{"doc-1:0000", "doc-2:0000"}, results[0].ChunkID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestKeywordIndex_EmptyQueryReturnsEmpty(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, []*chunk.Chunk{makeChunk("doc-1", 0, "some content")}))

	results, err := idx.Search(ctx, "   ", 10)

	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestKeywordIndex_TieBreakByChunkIDAscending(t *testing.T) {
	// Given: identical chunks, so BM25 scores tie exactly
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, []*chunk.Chunk{
		makeChunk("doc-b", 0, "identical passage text"),
		makeChunk("doc-a", 0, "identical passage text"),
		makeChunk("doc-c", 0, "identical passage text"),
	}))

	// When: searching twice
	first, err := idx.Search(ctx, "identical passage", 10)
	require.NoError(t, err)
	second, err := idx.Search(ctx, "identical passage", 10)
	require.NoError(t, err)

	// Then: ties are ordered by chunk ID ascending, deterministically
	require.Len(t, first, 3)
	assert.Equal(t, "doc-a:0000", first[0].ChunkID)
	assert.Equal(t, "doc-b:0000", first[1].ChunkID)
	assert.Equal(t, "doc-c:0000", first[2].ChunkID)
	assert.Equal(t, first, second)
}

func TestKeywordIndex_DeleteByDocRemovesOnlyThatDocument(t *testing.T) {
	// Given: chunks from two documents
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, []*chunk.Chunk{
		makeChunk("doc-1", 0, "retained content about caching"),
		makeChunk("doc-2", 0, "removed content about caching"),
		makeChunk("doc-2", 1, "more removed content about caching"),
	}))

	// When: deleting one document
	removed, err := idx.DeleteByDoc(ctx, "doc-2")

	// Then: only its chunks are gone
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := idx.Search(ctx, "caching", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-1:0000", results[0].ChunkID)
	assert.Equal(t, "doc-1", results[0].DocID)
}

func TestKeywordIndex_DeleteAbsentDocumentIsNoOp(t *testing.T) {
	idx := newTestIndex(t)

	removed, err := idx.DeleteByDoc(context.Background(), "doc-missing")

	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestKeywordIndex_LimitCapsResults(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	var chunks []*chunk.Chunk
	for i := 0; i < 20; i++ {
		chunks = append(chunks, makeChunk("doc-1", i, fmt.Sprintf("shared topic passage number %d", i)))
	}
	require.NoError(t, idx.Index(ctx, chunks))

	results, err := idx.Search(ctx, "shared topic", 5)

	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestKeywordIndex_ClosedIndexRejectsOperations(t *testing.T) {
	idx, err := NewKeywordIndex(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, err = idx.Search(context.Background(), "query", 5)
	assert.Error(t, err)
	err = idx.Index(context.Background(), []*chunk.Chunk{makeChunk("d", 0, "x")})
	assert.Error(t, err)

	// Close is idempotent.
	assert.NoError(t, idx.Close())
}

func TestTokenize_SplitsCompoundIdentifiers(t *testing.T) {
	tokens := Tokenize("parseHTTPRequest snake_case_name", 2)

	assert.Contains(t, tokens, "parse")
	assert.Contains(t, tokens, "http")
	assert.Contains(t, tokens, "request")
	assert.Contains(t, tokens, "snake")
	assert.Contains(t, tokens, "case")
	assert.Contains(t, tokens, "name")
}

func TestTokenize_DropsShortTokens(t *testing.T) {
	tokens := Tokenize("a go run", 2)

	assert.NotContains(t, tokens, "a")
	assert.Contains(t, tokens, "go")
	assert.Contains(t, tokens, "run")
}
