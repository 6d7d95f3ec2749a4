package chunk

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecursiveChunker_EmptyInputYieldsNoChunks(t *testing.T) {
	c := NewRecursiveChunker(RecursiveOptions{})

	chunks, err := c.Chunk(context.Background(), "doc-1", "   \n\n  ", nil)

	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestRecursiveChunker_ShortTextYieldsOneChunk(t *testing.T) {
	// Given: text well under the budget
	c := NewRecursiveChunker(RecursiveOptions{ChunkSizeTokens: 100})

	// When: chunking
	chunks, err := c.Chunk(context.Background(), "doc-1", "A short passage about nothing in particular.", map[string]string{"source": "test"})

	// Then: exactly one chunk carrying text and metadata
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "A short passage about nothing in particular.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, "doc-1:0000", chunks[0].ID)
	assert.Equal(t, "test", chunks[0].Metadata["source"])
	assert.Equal(t, 8, chunks[0].TokenCount)
}

func TestRecursiveChunker_SplitsAtParagraphsWithinBudget(t *testing.T) {
	// Given: three paragraphs that together exceed the budget
	para := strings.Repeat("word ", 20)
	text := para + "\n\n" + para + "\n\n" + para
	c := NewRecursiveChunker(RecursiveOptions{ChunkSizeTokens: 25, OverlapTokens: 0})

	// When: chunking
	chunks, err := c.Chunk(context.Background(), "doc-1", text, nil)

	// Then: multiple chunks, each within the budget
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(chunks), 2)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 25, "chunk %d over budget", ch.Ordinal)
	}
}

func TestRecursiveChunker_OrdinalsAreSequential(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta. ", 50)
	c := NewRecursiveChunker(RecursiveOptions{ChunkSizeTokens: 20, OverlapTokens: 4})

	chunks, err := c.Chunk(context.Background(), "doc-9", text, nil)

	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.Equal(t, ChunkID("doc-9", i), ch.ID)
		assert.Equal(t, "doc-9", ch.DocID)
	}
}

func TestRecursiveChunker_OverlapCarriesTailForward(t *testing.T) {
	// Given: sentences that fill several chunks with a 5-token overlap
	var sentences []string
	for i := 0; i < 40; i++ {
		sentences = append(sentences, "sentence number "+strings.Repeat("x", i%3+1)+" here now.")
	}
	text := strings.Join(sentences, " ")
	c := NewRecursiveChunker(RecursiveOptions{ChunkSizeTokens: 30, OverlapTokens: 5})

	// When: chunking
	chunks, err := c.Chunk(context.Background(), "doc-1", text, nil)

	// Then: each chunk after the first starts with the tail of its predecessor
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		tail := lastTokens(chunks[i-1].Text, 5)
		assert.True(t, strings.HasPrefix(chunks[i].Text, tail),
			"chunk %d does not start with previous tail %q", i, tail)
	}
}

func TestRecursiveChunker_UnbreakableRunFallsBackToCharacters(t *testing.T) {
	// Given: a single token far beyond the character budget
	text := strings.Repeat("a", 10000)
	c := NewRecursiveChunker(RecursiveOptions{ChunkSizeTokens: 16})

	chunks, err := c.Chunk(context.Background(), "doc-1", text, nil)

	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	var rebuilt strings.Builder
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Text), 16*maxCharsPerToken)
		rebuilt.WriteString(ch.Text)
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestRecursiveChunker_ContentIsPreserved(t *testing.T) {
	// Every input word appears in some chunk.
	text := strings.Repeat("unique", 1) + " " + strings.Join([]string{
		"one two three four five.", "six seven eight nine ten.",
		"eleven twelve thirteen fourteen fifteen.",
	}, " ")
	c := NewRecursiveChunker(RecursiveOptions{ChunkSizeTokens: 16, OverlapTokens: 2})

	chunks, err := c.Chunk(context.Background(), "doc-1", text, nil)
	require.NoError(t, err)

	var all strings.Builder
	for _, ch := range chunks {
		all.WriteString(ch.Text)
		all.WriteString(" ")
	}
	for _, word := range strings.Fields(text) {
		assert.Contains(t, all.String(), strings.Trim(word, "."), "missing %q", word)
	}
}

func TestRecursiveChunker_CanceledContext(t *testing.T) {
	c := NewRecursiveChunker(RecursiveOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Chunk(ctx, "doc-1", "some text", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
