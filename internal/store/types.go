// Package store provides the vector backend: per-project collections of
// chunk vectors with nearest-neighbor query, plus the reliability
// adapter (retry + circuit breaker) the rest of the system goes
// through.
package store

import (
	"context"
	"fmt"
)

// VectorChunk is a chunk vector to upsert into a collection.
type VectorChunk struct {
	ChunkID string
	DocID   string
	Vector  []float32
}

// VectorHit is a single nearest-neighbor result.
type VectorHit struct {
	ChunkID string
	Score   float64 // Similarity in [0,1], higher is closer
}

// Filter restricts query results to chunks the predicate accepts.
// A nil filter accepts everything.
type Filter func(chunkID string) bool

// Backend is the opaque vector collection store. Implementations are
// safe for concurrent use. Collection names are project IDs; operations
// on an absent collection return ErrCollectionNotFound.
type Backend interface {
	// CreateCollection creates a collection for fixed-dimension vectors.
	// Creating an existing collection is a no-op when dimensions match.
	CreateCollection(ctx context.Context, projectID string, dimensions int) error

	// DeleteCollection removes a collection and all its vectors.
	// Deleting an absent collection is a no-op.
	DeleteCollection(ctx context.Context, projectID string) error

	// Upsert inserts or replaces chunk vectors.
	Upsert(ctx context.Context, projectID string, chunks []VectorChunk) error

	// Query returns the k nearest chunks to the vector, best first.
	Query(ctx context.Context, projectID string, vector []float32, k int, filter Filter) ([]VectorHit, error)

	// DeleteByDoc removes every chunk of a document, returning the
	// number removed.
	DeleteByDoc(ctx context.Context, projectID, docID string) (int, error)

	// Size returns the number of vectors in a collection.
	Size(ctx context.Context, projectID string) (int, error)

	// Close releases backend resources.
	Close() error
}

// ErrCollectionNotFound reports an operation against an absent collection.
type ErrCollectionNotFound struct {
	ProjectID string
}

func (e ErrCollectionNotFound) Error() string {
	return fmt.Sprintf("collection not found for project %s", e.ProjectID)
}

// ErrDimensionMismatch reports a vector whose length does not match the
// collection.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// HNSWConfig holds HNSW graph parameters.
type HNSWConfig struct {
	// M is the max connections per layer (default: 16).
	M int

	// EfSearch is the query-time search width (default: 64).
	EfSearch int
}

// DefaultHNSWConfig returns sensible graph defaults.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EfSearch: 64}
}
