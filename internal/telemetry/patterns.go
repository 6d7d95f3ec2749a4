package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// LatencyBucket is a coarse latency class for the stats API.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffer contents oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}
	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Clear empties the buffer.
func (b *CircularBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}

// ExtractTerms extracts searchable terms from a query: lowercased,
// minimum length 3.
func ExtractTerms(query string) []string {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	var terms []string
	for _, w := range strings.Fields(query) {
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// TermCount is a term and its frequency.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// PatternSnapshot is an immutable view of one project's query patterns.
type PatternSnapshot struct {
	ModeCounts          map[string]int64        `json:"mode_counts"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TotalQueries        int64                   `json:"total_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage is the share of queries returning nothing.
func (s *PatternSnapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// PatternConfig bounds the pattern tracker.
type PatternConfig struct {
	TopTermsCapacity    int // max distinct terms tracked (default: 100)
	ZeroResultsCapacity int // max zero-result queries retained (default: 100)
}

// DefaultPatternConfig returns the default bounds.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		TopTermsCapacity:    100,
		ZeroResultsCapacity: 100,
	}
}

// Patterns tracks query patterns for one project: mode mix, frequent
// terms, zero-result queries, and a coarse latency distribution.
type Patterns struct {
	cfg PatternConfig

	mu          sync.Mutex
	modeCounts  map[string]int64
	termCounts  map[string]int64
	zeroResults *CircularBuffer[string]
	latency     map[LatencyBucket]int64
	total       int64
	zeroCount   int64
	since       time.Time
}

// NewPatterns creates a pattern tracker.
func NewPatterns(cfg PatternConfig) *Patterns {
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = 100
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = 100
	}
	return &Patterns{
		cfg:         cfg,
		modeCounts:  make(map[string]int64),
		termCounts:  make(map[string]int64),
		zeroResults: NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		latency:     make(map[LatencyBucket]int64),
		since:       time.Now().UTC(),
	}
}

// Record registers one completed query.
func (p *Patterns) Record(query, mode string, resultCount int, latency time.Duration) {
	terms := ExtractTerms(query)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.total++
	p.modeCounts[mode]++
	p.latency[LatencyToBucket(latency)]++

	for _, term := range terms {
		// Only grow the term table while under capacity; established
		// terms keep counting.
		if _, known := p.termCounts[term]; known || len(p.termCounts) < p.cfg.TopTermsCapacity {
			p.termCounts[term]++
		}
	}

	if resultCount == 0 {
		p.zeroCount++
		p.zeroResults.Add(query)
	}
}

// Snapshot returns the current pattern view. TopTerms is sorted by
// count descending, term ascending on ties, capped at limit.
func (p *Patterns) Snapshot(limit int) *PatternSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	modeCounts := make(map[string]int64, len(p.modeCounts))
	for k, v := range p.modeCounts {
		modeCounts[k] = v
	}
	latency := make(map[LatencyBucket]int64, len(p.latency))
	for k, v := range p.latency {
		latency[k] = v
	}

	terms := make([]TermCount, 0, len(p.termCounts))
	for term, count := range p.termCounts {
		terms = append(terms, TermCount{Term: term, Count: count})
	}
	sortTermCounts(terms)
	if limit > 0 && len(terms) > limit {
		terms = terms[:limit]
	}

	return &PatternSnapshot{
		ModeCounts:          modeCounts,
		TopTerms:            terms,
		ZeroResultQueries:   p.zeroResults.Items(),
		LatencyDistribution: latency,
		TotalQueries:        p.total,
		ZeroResultCount:     p.zeroCount,
		Since:               p.since,
	}
}

func sortTermCounts(terms []TermCount) {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
}

// Tracker holds per-project pattern trackers.
type Tracker struct {
	cfg PatternConfig

	mu       sync.RWMutex
	projects map[string]*Patterns
}

// NewTracker creates the per-project pattern registry.
func NewTracker(cfg PatternConfig) *Tracker {
	return &Tracker{
		cfg:      cfg,
		projects: make(map[string]*Patterns),
	}
}

// For returns the project's tracker, creating it on first use.
func (t *Tracker) For(projectID string) *Patterns {
	t.mu.RLock()
	p, ok := t.projects[projectID]
	t.mu.RUnlock()
	if ok {
		return p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.projects[projectID]; ok {
		return p
	}
	p = NewPatterns(t.cfg)
	t.projects[projectID] = p
	return p
}

// Drop removes a project's tracker.
func (t *Tracker) Drop(projectID string) {
	t.mu.Lock()
	delete(t.projects, projectID)
	t.mu.Unlock()
}
