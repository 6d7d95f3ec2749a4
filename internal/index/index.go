// Package index provides the per-project keyword index: BM25-scored
// lexical search over chunk text, backed by an in-memory bleve index
// with a text analyzer tuned for technical documents.
package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	indexapi "github.com/blevesearch/bleve_index_api"

	"github.com/knowledgebeast/knowledgebeast/internal/chunk"
)

const (
	// PassageTokenizerName is the registry name of the passage tokenizer.
	PassageTokenizerName = "passage_tokenizer"

	// PassageStopFilterName is the registry name of the stop word filter.
	PassageStopFilterName = "passage_stop"

	// PassageAnalyzerName is the registry name of the passage analyzer.
	PassageAnalyzerName = "passage_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(PassageTokenizerName, passageTokenizerConstructor)
	_ = registry.RegisterTokenFilter(PassageStopFilterName, passageStopFilterConstructor)
}

// Config configures the keyword index.
type Config struct {
	// K1 is the BM25 term frequency saturation parameter. The bleve
	// BM25 scorer uses 1.2, which is also the configured default.
	K1 float64

	// B is the BM25 length normalization parameter (default: 0.75).
	B float64

	// StopWords lists words filtered during analysis. The exact list
	// is implementation-defined; defaults to defaultStopWords.
	StopWords []string

	// MinTokenLength is the minimum token length to index (default: 2).
	MinTokenLength int
}

// DefaultConfig returns the default keyword index configuration.
func DefaultConfig() Config {
	return Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      defaultStopWords,
		MinTokenLength: 2,
	}
}

// defaultStopWords are high-frequency English function words that carry
// no retrieval signal.
var defaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for",
	"if", "in", "into", "is", "it", "no", "not", "of", "on", "or",
	"such", "that", "the", "their", "then", "there", "these", "they",
	"this", "to", "was", "will", "with",
}

// Result is a single keyword search hit.
type Result struct {
	ChunkID string
	DocID   string
	Score   float64
}

// KeywordIndex is a per-project BM25 index over chunk text. Writes take
// an exclusive lock; searches run concurrently under a read lock.
type KeywordIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	config Config
	closed bool
}

// passageDocument is the bleve document shape.
type passageDocument struct {
	Content string `json:"content"`
	DocID   string `json:"doc_id"`
}

// NewKeywordIndex creates an in-memory keyword index.
func NewKeywordIndex(config Config) (*KeywordIndex, error) {
	if config.K1 <= 0 {
		config.K1 = 1.2
	}
	if config.B <= 0 {
		config.B = 0.75
	}
	if config.MinTokenLength <= 0 {
		config.MinTokenLength = 2
	}

	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("create index mapping: %w", err)
	}

	idx, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}

	return &KeywordIndex{index: idx, config: config}, nil
}

// createIndexMapping builds the bleve mapping: BM25 scoring, the
// passage analyzer on content, and an unanalyzed doc_id field used for
// per-document deletes.
func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.ScoringModel = indexapi.BM25Scoring

	err := indexMapping.AddCustomAnalyzer(PassageAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": PassageTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			PassageStopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = PassageAnalyzerName

	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = PassageAnalyzerName
	contentField.Store = false

	docIDField := bleve.NewTextFieldMapping()
	docIDField.Analyzer = keyword.Name
	docIDField.Store = true
	docIDField.IncludeInAll = false

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("content", contentField)
	docMapping.AddFieldMappingsAt("doc_id", docIDField)
	indexMapping.DefaultMapping = docMapping

	return indexMapping, nil
}

// Index adds chunks to the index in a single batch.
func (k *KeywordIndex) Index(ctx context.Context, chunks []*chunk.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return fmt.Errorf("keyword index is closed")
	}

	batch := k.index.NewBatch()
	for _, ch := range chunks {
		doc := passageDocument{Content: ch.Text, DocID: ch.DocID}
		if err := batch.Index(ch.ID, doc); err != nil {
			return fmt.Errorf("index chunk %s: %w", ch.ID, err)
		}
	}
	if err := k.index.Batch(batch); err != nil {
		return fmt.Errorf("execute index batch: %w", err)
	}
	return nil
}

// Search returns the top-k chunks scored by BM25. Ties are broken by
// chunk ID ascending so ordering is deterministic. An empty query
// returns an empty result.
func (k *KeywordIndex) Search(ctx context.Context, queryStr string, limit int) ([]Result, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return nil, fmt.Errorf("keyword index is closed")
	}
	if strings.TrimSpace(queryStr) == "" || limit <= 0 {
		return []Result{}, nil
	}

	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("content")

	// Over-fetch so the deterministic re-sort sees every tied score
	// around the cutoff.
	req := bleve.NewSearchRequest(matchQuery)
	req.Size = limit * 2
	req.Fields = []string{"doc_id"}

	result, err := k.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	results := make([]Result, 0, len(result.Hits))
	for _, hit := range result.Hits {
		docID, _ := hit.Fields["doc_id"].(string)
		results = append(results, Result{ChunkID: hit.ID, DocID: docID, Score: hit.Score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// DeleteByDoc removes every chunk of a document. It returns the number
// of chunks removed; deleting an absent document is a no-op.
func (k *KeywordIndex) DeleteByDoc(ctx context.Context, docID string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return 0, fmt.Errorf("keyword index is closed")
	}

	termQuery := bleve.NewTermQuery(docID)
	termQuery.SetField("doc_id")

	count, _ := k.index.DocCount()
	req := bleve.NewSearchRequest(termQuery)
	req.Size = int(count)

	result, err := k.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("find chunks of %s: %w", docID, err)
	}
	if len(result.Hits) == 0 {
		return 0, nil
	}

	batch := k.index.NewBatch()
	for _, hit := range result.Hits {
		batch.Delete(hit.ID)
	}
	if err := k.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("delete chunks of %s: %w", docID, err)
	}
	return len(result.Hits), nil
}

// Count returns the number of indexed chunks.
func (k *KeywordIndex) Count() (int, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return 0, fmt.Errorf("keyword index is closed")
	}
	n, err := k.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return int(n), nil
}

// Close releases the index. Further operations fail.
func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true
	return k.index.Close()
}

// passageTokenizerConstructor builds the passage tokenizer.
func passageTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &passageTokenizer{minLength: 2}, nil
}

// passageTokenizer adapts Tokenize to the bleve analysis contract.
type passageTokenizer struct {
	minLength int
}

func (t *passageTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := Tokenize(text, t.minLength)

	stream := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0
	for _, token := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)

		stream = append(stream, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return stream
}

// passageStopFilterConstructor builds the stop word filter.
func passageStopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &passageStopFilter{stopWords: buildStopWordMap(defaultStopWords)}, nil
}

type passageStopFilter struct {
	stopWords map[string]struct{}
}

func (f *passageStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if _, isStop := f.stopWords[strings.ToLower(string(token.Term))]; !isStop {
			result = append(result, token)
		}
	}
	return result
}
