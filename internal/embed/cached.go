package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/knowledgebeast/knowledgebeast/internal/cache"
)

// DefaultCacheSize is the default embedding cache capacity.
const DefaultCacheSize = 10000

// CachedEmbedder wraps an Embedder with a bounded process-wide cache.
// Entries are keyed by model identifier and content hash, so the same
// text embedded for different models never collides. Concurrent requests
// for the same uncached text are collapsed into a single model call.
type CachedEmbedder struct {
	embedder Embedder
	cache    *cache.LRU[string, []float32]
	group    singleflight.Group
}

// Verify interface implementation at compile time.
var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps an embedder with an LRU cache of the given
// capacity. Capacity <= 0 uses DefaultCacheSize.
func NewCachedEmbedder(embedder Embedder, capacity int) (*CachedEmbedder, error) {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	c, err := cache.NewLRU[string, []float32](capacity)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{embedder: embedder, cache: c}, nil
}

// cacheKey derives the cache key from the model identifier and the
// SHA-256 of the whitespace-normalized text.
func (c *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(normalizeText(text)))
	return c.embedder.ModelID() + ":" + hex.EncodeToString(sum[:])
}

// normalizeText collapses runs of whitespace and trims, so texts that
// differ only in formatting share a cache entry.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Embed returns the embedding for text, consulting the cache first.
// On a miss, at most one underlying model call runs per key; concurrent
// callers wait for it and share the result. A failed call propagates its
// error to every waiter and leaves the key uncached, so a later call
// retries the model.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: another caller may have populated the key while
		// this one waited on the group.
		if vec, ok := c.cache.Get(key); ok {
			return vec, nil
		}
		vec, err := c.embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Put(key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

// EmbedBatch embeds multiple texts, serving cached entries and sending
// only the misses to the underlying embedder in one batch call.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := c.cache.Get(c.cacheKey(text)); ok {
			results[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := c.embedder.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		c.cache.Put(c.cacheKey(missTexts[j]), vecs[j])
		results[i] = vecs[j]
	}
	return results, nil
}

// Dimensions returns the underlying embedder's dimension.
func (c *CachedEmbedder) Dimensions() int {
	return c.embedder.Dimensions()
}

// ModelID returns the underlying embedder's model identifier.
func (c *CachedEmbedder) ModelID() string {
	return c.embedder.ModelID()
}

// Available reports the underlying embedder's readiness.
func (c *CachedEmbedder) Available(ctx context.Context) bool {
	return c.embedder.Available(ctx)
}

// Stats returns cache hit/miss/eviction counters.
func (c *CachedEmbedder) Stats() cache.Stats {
	return c.cache.Stats()
}

// Clear drops all cached embeddings.
func (c *CachedEmbedder) Clear() {
	c.cache.Clear()
}

// Close closes the underlying embedder.
func (c *CachedEmbedder) Close() error {
	return c.embedder.Close()
}
