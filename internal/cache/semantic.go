package cache

import (
	"math"
	"strconv"
	"sync"
	"time"
)

// DefaultSemanticThreshold is the minimum cosine similarity between a query
// embedding and a cached embedding for a cache hit.
const DefaultSemanticThreshold = 0.95

// SemanticConfig configures a semantic query cache.
type SemanticConfig struct {
	// Capacity bounds the number of cached queries (LRU eviction).
	Capacity int

	// Threshold is the minimum cosine similarity for a hit (0-1).
	Threshold float64

	// TTL is the entry lifetime. Zero disables expiry.
	TTL time.Duration
}

// semanticEntry is one cached query with its final result set.
type semanticEntry[V any] struct {
	embedding []float32
	mode      string
	topK      int
	value     V
	storedAt  time.Time
}

// SemanticCache caches final query results keyed by query embedding.
// A lookup hits when the nearest cached embedding is at least Threshold
// similar, the entry is TTL-fresh, its mode matches, and it was computed
// for at least the requested top-k. The cache is per-project; isolation
// is the owner's responsibility.
type SemanticCache[V any] struct {
	cfg SemanticConfig

	mu     sync.Mutex
	lru    *LRU[string, *semanticEntry[V]]
	nextID uint64
	hits   uint64
	misses uint64
	clock  func() time.Time
}

// NewSemanticCache creates a semantic cache with the given configuration.
func NewSemanticCache[V any](cfg SemanticConfig) (*SemanticCache[V], error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultSemanticThreshold
	}
	inner, err := NewLRU[string, *semanticEntry[V]](cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return &SemanticCache[V]{
		cfg:   cfg,
		lru:   inner,
		clock: time.Now,
	}, nil
}

// Lookup finds the nearest cached query by cosine similarity.
// On a hit the entry is promoted and its cached top-k count is returned so
// the caller can truncate the result set.
func (c *SemanticCache[V]) Lookup(embedding []float32, mode string, topK int) (V, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	now := c.clock()

	bestSim := -1.0
	var bestKey string
	var best *semanticEntry[V]

	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if c.cfg.TTL > 0 && now.Sub(entry.storedAt) > c.cfg.TTL {
			c.lru.Delete(key)
			continue
		}
		sim := CosineSimilarity(embedding, entry.embedding)
		if sim > bestSim {
			bestSim = sim
			bestKey = key
			best = entry
		}
	}

	if best == nil || bestSim < c.cfg.Threshold || best.mode != mode || best.topK < topK {
		c.misses++
		return zero, 0, false
	}

	c.hits++
	c.lru.Get(bestKey) // promote
	return best.value, best.topK, true
}

// Insert stores the final (post-ranking) result set for a query embedding.
func (c *SemanticCache[V]) Insert(embedding []float32, mode string, topK int, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vec := make([]float32, len(embedding))
	copy(vec, embedding)

	c.nextID++
	key := "q" + strconv.FormatUint(c.nextID, 10)
	c.lru.Put(key, &semanticEntry[V]{
		embedding: vec,
		mode:      mode,
		topK:      topK,
		value:     value,
		storedAt:  c.clock(),
	})
}

// Clear drops all cached queries.
func (c *SemanticCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Clear()
}

// Stats returns hit/miss counters for lookups plus size and capacity.
func (c *SemanticCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	inner := c.lru.Stats()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: inner.Evictions,
		Size:      inner.Size,
		Capacity:  inner.Capacity,
	}
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
