package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWBackend is an embedded vector backend: one HNSW graph per
// project, pure Go, optionally persisted as snapshot files under a
// data directory.
type HNSWBackend struct {
	mu          sync.RWMutex
	collections map[string]*collection
	config      HNSWConfig
	dir         string // empty means memory-only
	closed      bool
}

// Verify interface implementation at compile time.
var _ Backend = (*HNSWBackend)(nil)

// collection holds one project's graph and ID mappings. Chunk IDs map
// to internal uint64 keys; deletes are lazy (mappings dropped, node
// orphaned) because removing nodes destabilizes the graph.
type collection struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[uint64]
	dimensions int
	idMap      map[string]uint64
	keyMap     map[uint64]string
	chunkDoc   map[string]string
	nextKey    uint64
}

// collectionMetadata is the gob-persisted mapping state.
type collectionMetadata struct {
	IDMap      map[string]uint64
	ChunkDoc   map[string]string
	NextKey    uint64
	Dimensions int
}

const snapshotExt = ".hnsw"

// NewHNSWBackend creates the backend. A non-empty dir enables snapshot
// persistence; existing snapshots are loaded eagerly.
func NewHNSWBackend(dir string, config HNSWConfig) (*HNSWBackend, error) {
	if config.M <= 0 {
		config.M = 16
	}
	if config.EfSearch <= 0 {
		config.EfSearch = 64
	}

	b := &HNSWBackend{
		collections: make(map[string]*collection),
		config:      config,
		dir:         dir,
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create vector data dir: %w", err)
		}
		if err := b.loadSnapshots(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *HNSWBackend) newGraph() *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = b.config.M
	graph.EfSearch = b.config.EfSearch
	graph.Ml = 0.25
	return graph
}

// CreateCollection creates a project collection. Re-creating with the
// same dimensions is a no-op.
func (b *HNSWBackend) CreateCollection(ctx context.Context, projectID string, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("invalid dimensions %d", dimensions)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("backend is closed")
	}
	if existing, ok := b.collections[projectID]; ok {
		if existing.dimensions != dimensions {
			return ErrDimensionMismatch{Expected: existing.dimensions, Got: dimensions}
		}
		return nil
	}

	b.collections[projectID] = &collection{
		graph:      b.newGraph(),
		dimensions: dimensions,
		idMap:      make(map[string]uint64),
		keyMap:     make(map[uint64]string),
		chunkDoc:   make(map[string]string),
	}
	return nil
}

// DeleteCollection removes a collection and its snapshot files.
func (b *HNSWBackend) DeleteCollection(ctx context.Context, projectID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("backend is closed")
	}
	delete(b.collections, projectID)

	if b.dir != "" {
		path := b.snapshotPath(projectID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove snapshot: %w", err)
		}
		if err := os.Remove(path + ".meta"); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove snapshot metadata: %w", err)
		}
	}
	return nil
}

// getCollection resolves a collection handle.
func (b *HNSWBackend) getCollection(projectID string) (*collection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("backend is closed")
	}
	c, ok := b.collections[projectID]
	if !ok {
		return nil, ErrCollectionNotFound{ProjectID: projectID}
	}
	return c, nil
}

// Upsert inserts or replaces chunk vectors. Replaced chunks orphan
// their old graph node.
func (b *HNSWBackend) Upsert(ctx context.Context, projectID string, chunks []VectorChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	c, err := b.getCollection(projectID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range chunks {
		if len(ch.Vector) != c.dimensions {
			return ErrDimensionMismatch{Expected: c.dimensions, Got: len(ch.Vector)}
		}
	}

	for _, ch := range chunks {
		if oldKey, exists := c.idMap[ch.ChunkID]; exists {
			delete(c.keyMap, oldKey)
			delete(c.idMap, ch.ChunkID)
		}

		key := c.nextKey
		c.nextKey++

		vec := make([]float32, len(ch.Vector))
		copy(vec, ch.Vector)
		normalizeInPlace(vec)

		c.graph.Add(hnsw.MakeNode(key, vec))
		c.idMap[ch.ChunkID] = key
		c.keyMap[key] = ch.ChunkID
		c.chunkDoc[ch.ChunkID] = ch.DocID
	}
	return nil
}

// Query returns the k nearest chunks, sorted by score descending with
// chunk ID ascending on ties.
func (b *HNSWBackend) Query(ctx context.Context, projectID string, vector []float32, k int, filter Filter) ([]VectorHit, error) {
	c, err := b.getCollection(projectID)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(vector) != c.dimensions {
		return nil, ErrDimensionMismatch{Expected: c.dimensions, Got: len(vector)}
	}
	if k <= 0 || c.graph.Len() == 0 {
		return []VectorHit{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeInPlace(query)

	// Over-fetch past orphaned nodes; with a filter the whole graph is
	// scanned so the predicate cannot starve the result.
	fetch := k + (c.graph.Len() - len(c.idMap))
	if filter != nil {
		fetch = c.graph.Len()
	}

	nodes := c.graph.Search(query, fetch)

	hits := make([]VectorHit, 0, k)
	for _, node := range nodes {
		chunkID, exists := c.keyMap[node.Key]
		if !exists {
			continue
		}
		if filter != nil && !filter(chunkID) {
			continue
		}
		distance := c.graph.Distance(query, node.Value)
		hits = append(hits, VectorHit{
			ChunkID: chunkID,
			Score:   1.0 - float64(distance)/2.0,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// DeleteByDoc lazily removes every chunk of a document.
func (b *HNSWBackend) DeleteByDoc(ctx context.Context, projectID, docID string) (int, error) {
	c, err := b.getCollection(projectID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for chunkID, owner := range c.chunkDoc {
		if owner != docID {
			continue
		}
		if key, exists := c.idMap[chunkID]; exists {
			delete(c.keyMap, key)
			delete(c.idMap, chunkID)
		}
		delete(c.chunkDoc, chunkID)
		removed++
	}
	return removed, nil
}

// Size returns the number of live vectors in a collection.
func (b *HNSWBackend) Size(ctx context.Context, projectID string) (int, error) {
	c, err := b.getCollection(projectID)
	if err != nil {
		return 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.idMap), nil
}

// Save snapshots every collection to the data directory. Memory-only
// backends are a no-op.
func (b *HNSWBackend) Save() error {
	if b.dir == "" {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("backend is closed")
	}
	for projectID, c := range b.collections {
		if err := b.saveCollection(projectID, c); err != nil {
			return fmt.Errorf("snapshot collection %s: %w", projectID, err)
		}
	}
	return nil
}

func (b *HNSWBackend) snapshotPath(projectID string) string {
	return filepath.Join(b.dir, projectID+snapshotExt)
}

// saveCollection writes the graph and mapping metadata atomically
// (temp file then rename).
func (b *HNSWBackend) saveCollection(projectID string, c *collection) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := b.snapshotPath(projectID)
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	if err := c.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot file: %w", err)
	}

	metaPath := path + ".meta"
	tmpMeta := metaPath + ".tmp"
	metaFile, err := os.Create(tmpMeta)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	meta := collectionMetadata{
		IDMap:      c.idMap,
		ChunkDoc:   c.chunkDoc,
		NextKey:    c.nextKey,
		Dimensions: c.dimensions,
	}
	if err := gob.NewEncoder(metaFile).Encode(meta); err != nil {
		_ = metaFile.Close()
		_ = os.Remove(tmpMeta)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := metaFile.Close(); err != nil {
		_ = os.Remove(tmpMeta)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpMeta, metaPath)
}

// loadSnapshots restores every persisted collection in the data dir.
func (b *HNSWBackend) loadSnapshots() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("read vector data dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		projectID := strings.TrimSuffix(name, snapshotExt)
		c, err := b.loadCollection(projectID)
		if err != nil {
			return fmt.Errorf("load collection %s: %w", projectID, err)
		}
		b.collections[projectID] = c
	}
	return nil
}

func (b *HNSWBackend) loadCollection(projectID string) (*collection, error) {
	path := b.snapshotPath(projectID)

	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer func() { _ = metaFile.Close() }()

	var meta collectionMetadata
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = file.Close() }()

	graph := b.newGraph()
	// Import requires an io.ByteReader.
	if err := graph.Import(bufio.NewReader(file)); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}

	c := &collection{
		graph:      graph,
		dimensions: meta.Dimensions,
		idMap:      meta.IDMap,
		keyMap:     make(map[uint64]string, len(meta.IDMap)),
		chunkDoc:   meta.ChunkDoc,
		nextKey:    meta.NextKey,
	}
	for chunkID, key := range meta.IDMap {
		c.keyMap[key] = chunkID
	}
	return c, nil
}

// Close snapshots persisted collections and releases the backend.
func (b *HNSWBackend) Close() error {
	if err := b.Save(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.collections = nil
	return nil
}

// normalizeInPlace normalizes a vector to unit length.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
