package chunk

import (
	"context"
	"fmt"
	"strings"

	"github.com/knowledgebeast/knowledgebeast/internal/cache"
	"github.com/knowledgebeast/knowledgebeast/internal/embed"
)

// SemanticOptions configures the semantic chunker.
type SemanticOptions struct {
	// Threshold is the cosine similarity to the running chunk mean
	// below which a new chunk starts (default: 0.5).
	Threshold float64

	// SoftMinTokens keeps topically-drifting sentences in the current
	// chunk until it has at least this many tokens (default: 64).
	SoftMinTokens int

	// HardMaxTokens forces a chunk boundary regardless of similarity
	// (default: DefaultChunkSizeTokens).
	HardMaxTokens int
}

// SemanticChunker groups consecutive sentences by embedding similarity:
// a sentence whose embedding drifts away from the running mean of the
// current chunk starts a new one. Boundaries land on topic shifts
// rather than fixed offsets.
type SemanticChunker struct {
	embedder embed.Embedder
	options  SemanticOptions
}

// Verify interface implementation at compile time.
var _ Chunker = (*SemanticChunker)(nil)

// NewSemanticChunker creates a semantic chunker over the given embedder.
func NewSemanticChunker(embedder embed.Embedder, opts SemanticOptions) *SemanticChunker {
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		opts.Threshold = 0.5
	}
	if opts.SoftMinTokens <= 0 {
		opts.SoftMinTokens = 64
	}
	if opts.HardMaxTokens <= 0 {
		opts.HardMaxTokens = DefaultChunkSizeTokens
	}
	if opts.HardMaxTokens < opts.SoftMinTokens {
		opts.HardMaxTokens = opts.SoftMinTokens
	}
	return &SemanticChunker{embedder: embedder, options: opts}
}

// Chunk splits text at semantic boundaries. Non-empty input always
// yields at least one chunk.
func (c *SemanticChunker) Chunk(ctx context.Context, docID, text string, metadata map[string]string) ([]*Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}

	vectors, err := c.embedder.EmbedBatch(ctx, sentences)
	if err != nil {
		return nil, fmt.Errorf("embed sentences: %w", err)
	}
	if len(vectors) != len(sentences) {
		return nil, fmt.Errorf("sentence embedding count mismatch: %d sentences, %d vectors", len(sentences), len(vectors))
	}

	var chunks []*Chunk
	var current []string
	var sum []float32
	tokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, newChunk(docID, len(chunks), strings.Join(current, " "), metadata))
		current = current[:0]
		sum = nil
		tokens = 0
	}

	for i, sentence := range sentences {
		st := CountTokens(sentence)

		if len(current) > 0 {
			if tokens+st > c.options.HardMaxTokens {
				flush()
			} else if tokens >= c.options.SoftMinTokens &&
				cache.CosineSimilarity(vectors[i], runningMean(sum, len(current))) < c.options.Threshold {
				flush()
			}
		}

		current = append(current, sentence)
		sum = addVector(sum, vectors[i])
		tokens += st
	}
	flush()

	return chunks, nil
}

// runningMean divides the accumulated vector sum by the sentence count.
func runningMean(sum []float32, n int) []float32 {
	mean := make([]float32, len(sum))
	for i, v := range sum {
		mean[i] = v / float32(n)
	}
	return mean
}

// addVector accumulates v into sum, allocating on first use.
func addVector(sum, v []float32) []float32 {
	if sum == nil {
		sum = make([]float32, len(v))
	}
	for i := range v {
		sum[i] += v[i]
	}
	return sum
}
