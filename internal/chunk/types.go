// Package chunk splits document text into ordered passages sized for
// embedding and retrieval. Two strategies are provided: recursive
// separator-based splitting and semantic boundary detection driven by
// sentence embeddings.
package chunk

import (
	"context"
	"fmt"
	"strings"
)

// Size defaults, in tokens. Token counts are approximated by
// whitespace-separated words, which tracks subword tokenizers closely
// enough for budgeting.
const (
	DefaultChunkSizeTokens = 512
	DefaultOverlapTokens   = 64
	MinChunkSizeTokens     = 16
)

// Strategy selects the splitting algorithm.
type Strategy string

const (
	StrategyRecursive Strategy = "recursive"
	StrategySemantic  Strategy = "semantic"
)

// Chunk is a retrievable passage of a document.
type Chunk struct {
	ID         string            // ChunkID(doc_id, ordinal)
	DocID      string            // Owning document
	Ordinal    int               // 0-based position within the document
	Text       string            // Passage text
	TokenCount int               // Approximate token count
	Metadata   map[string]string // Inherited from the document
}

// Chunker splits text into an ordered sequence of chunks. The
// concatenation of chunk texts, minus overlaps, reproduces the input.
// Non-empty input always yields at least one chunk.
type Chunker interface {
	Chunk(ctx context.Context, docID, text string, metadata map[string]string) ([]*Chunk, error)
}

// ChunkID derives the stable chunk identifier from the document ID and
// ordinal. Zero-padding keeps lexicographic order aligned with ordinal
// order, which the ranking tie-break relies on.
func ChunkID(docID string, ordinal int) string {
	return fmt.Sprintf("%s:%04d", docID, ordinal)
}

// CountTokens approximates the token count of text.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// newChunk builds a chunk with a copied metadata map.
func newChunk(docID string, ordinal int, text string, metadata map[string]string) *Chunk {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Chunk{
		ID:         ChunkID(docID, ordinal),
		DocID:      docID,
		Ordinal:    ordinal,
		Text:       text,
		TokenCount: CountTokens(text),
		Metadata:   md,
	}
}
