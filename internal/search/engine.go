package search

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/knowledgebeast/knowledgebeast/internal/errors"
	"github.com/knowledgebeast/knowledgebeast/internal/store"
)

// Config holds engine-wide ranking parameters.
type Config struct {
	// Alpha is the hybrid fusion weight on the vector stream
	// (default: DefaultAlpha).
	Alpha float64

	// OverFetch multiplies top_k to size the candidate pool
	// (default: DefaultOverFetch).
	OverFetch int

	// RerankDepth caps the candidates sent to the cross-encoder
	// (default: DefaultRerankDepth).
	RerankDepth int
}

// Engine runs the hybrid retrieval pipeline. It is stateless across
// queries; per-project state lives behind the injected dependencies.
type Engine struct {
	embedder Embedder
	vector   VectorQuerier
	keyword  KeywordSearcher
	chunks   ChunkGetter
	reranker Reranker // nil disables re-ranking
	config   Config
	logger   *slog.Logger
}

// NewEngine wires the pipeline. reranker may be nil.
func NewEngine(embedder Embedder, vector VectorQuerier, keyword KeywordSearcher, chunks ChunkGetter, reranker Reranker, config Config, logger *slog.Logger) *Engine {
	if config.Alpha <= 0 || config.Alpha > 1 {
		config.Alpha = DefaultAlpha
	}
	if config.OverFetch <= 0 {
		config.OverFetch = DefaultOverFetch
	}
	if config.RerankDepth <= 0 {
		config.RerankDepth = DefaultRerankDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		embedder: embedder,
		vector:   vector,
		keyword:  keyword,
		chunks:   chunks,
		reranker: reranker,
		config:   config,
		logger:   logger,
	}
}

// Search executes a query against one project. The returned ordering is
// deterministic for identical inputs. Hybrid mode degrades to the
// surviving stream (Info.Degraded) when the other one fails; vector
// mode surfaces BackendUnavailable.
func (e *Engine) Search(ctx context.Context, projectID, query string, opts Options) ([]Result, Info, error) {
	var info Info

	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	switch mode {
	case ModeVector, ModeKeyword, ModeHybrid:
	default:
		return nil, info, errors.InvalidArgument("unknown search mode").WithDetail("mode", string(opts.Mode))
	}

	topK := opts.TopK
	if topK < 0 {
		return nil, info, errors.InvalidArgument("top_k must not be negative")
	}

	// An explicit top_k of zero and an empty query both return no
	// results; neither embeds and neither fails.
	if topK == 0 || strings.TrimSpace(query) == "" {
		return []Result{}, info, nil
	}

	poolK := topK * e.config.OverFetch
	if poolK < topK+20 {
		poolK = topK + 20
	}

	var queryVec []float32
	if mode != ModeKeyword {
		vec, err := e.embedder.Embed(ctx, query)
		switch {
		case err == nil:
			queryVec = vec
		case mode == ModeVector:
			return nil, info, errors.Wrap(errors.KindBackendUnavailable, "embedding model unavailable", err)
		default:
			// Hybrid survives on the keyword stream alone.
			e.logger.Warn("query_embed_failed_keyword_fallback",
				slog.String("project_id", projectID),
				slog.String("error", err.Error()))
			info.Degraded = true
			mode = ModeKeyword
		}
	}

	vectorScores, keywordScores, docIDs, err := e.retrieve(ctx, projectID, query, queryVec, mode, poolK, opts.Filter, &info)
	if err != nil {
		return nil, info, err
	}

	normalizeScores(keywordScores)

	alpha := e.config.Alpha
	switch mode {
	case ModeVector:
		alpha = 1
	case ModeKeyword:
		alpha = 0
	}
	cands := fuse(vectorScores, keywordScores, docIDs, alpha)
	if len(cands) > poolK {
		cands = cands[:poolK]
	}
	if len(cands) == 0 {
		return []Result{}, info, nil
	}

	records, err := e.loadRecords(ctx, projectID, cands)
	if err != nil {
		return nil, info, err
	}

	if opts.OnCandidates != nil {
		opts.OnCandidates(candidateView(cands, records, topK))
	}

	if opts.Rerank && e.reranker != nil {
		info.Reranked = e.rerank(ctx, query, cands, records)
	}

	if opts.MMRLambda > 0 {
		vectors := make(map[string][]float32, len(records))
		for id, rec := range records {
			if rec.Vector != nil {
				vectors[id] = rec.Vector
			}
		}
		cands = mmrSelect(cands, vectors, opts.MMRLambda, topK)
	} else if len(cands) > topK {
		cands = cands[:topK]
	}

	results := make([]Result, 0, len(cands))
	for _, c := range cands {
		r := Result{
			ChunkID:      c.chunkID,
			DocID:        c.docID,
			Score:        c.score,
			VectorScore:  c.vectorScore,
			KeywordScore: c.keywordScore,
		}
		if rec, ok := records[c.chunkID]; ok {
			r.Text = rec.Text
			r.Metadata = rec.Metadata
			if r.DocID == "" {
				r.DocID = rec.DocID
			}
		}
		results = append(results, r)
	}
	return results, info, nil
}

// retrieve runs the stream retrievals, in parallel for hybrid mode.
// Hybrid degrades to the surviving stream when one fails; it errors
// only when both streams are down.
func (e *Engine) retrieve(ctx context.Context, projectID, query string, queryVec []float32, mode Mode, k int, filter store.Filter, info *Info) (vectorScores, keywordScores map[string]float64, docIDs map[string]string, err error) {
	vectorScores = make(map[string]float64)
	keywordScores = make(map[string]float64)
	docIDs = make(map[string]string)

	var vectorHits []store.VectorHit
	var vectorErr error
	var keywordErr error

	g, gctx := errgroup.WithContext(ctx)

	if mode != ModeKeyword {
		g.Go(func() error {
			vectorHits, vectorErr = e.vector.Query(gctx, projectID, queryVec, k, filter)
			return nil
		})
	}
	if mode != ModeVector {
		g.Go(func() error {
			hits, searchErr := e.keyword.KeywordSearch(gctx, projectID, query, k)
			if searchErr != nil {
				keywordErr = searchErr
				return nil
			}
			for _, h := range hits {
				if filter != nil && !filter(h.ChunkID) {
					continue
				}
				keywordScores[h.ChunkID] = h.Score
				docIDs[h.ChunkID] = h.DocID
			}
			return nil
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		return nil, nil, nil, waitErr
	}

	if vectorErr != nil {
		if mode == ModeHybrid && errors.KindOf(vectorErr) == errors.KindBackendUnavailable {
			e.logger.Warn("vector_stream_unavailable_keyword_fallback",
				slog.String("project_id", projectID),
				slog.String("error", vectorErr.Error()))
			info.Degraded = true
		} else {
			return nil, nil, nil, vectorErr
		}
	} else {
		for _, h := range vectorHits {
			vectorScores[h.ChunkID] = h.Score
		}
	}
	if keywordErr != nil {
		if mode == ModeHybrid && vectorErr == nil {
			e.logger.Warn("keyword_stream_failed_vector_fallback",
				slog.String("project_id", projectID),
				slog.String("error", keywordErr.Error()))
			info.Degraded = true
		} else {
			return nil, nil, nil, keywordErr
		}
	}
	return vectorScores, keywordScores, docIDs, nil
}

// candidateView shapes the fused head of the candidate pool for
// streaming callers.
func candidateView(cands []*candidate, records map[string]ChunkRecord, topK int) []Candidate {
	n := len(cands)
	if topK < n {
		n = topK
	}
	out := make([]Candidate, n)
	for i := 0; i < n; i++ {
		c := cands[i]
		docID := c.docID
		if docID == "" {
			if rec, ok := records[c.chunkID]; ok {
				docID = rec.DocID
			}
		}
		out[i] = Candidate{ChunkID: c.chunkID, DocID: docID, Score: c.score}
	}
	return out
}

// loadRecords fetches chunk records for the candidate pool.
func (e *Engine) loadRecords(ctx context.Context, projectID string, cands []*candidate) (map[string]ChunkRecord, error) {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.chunkID
	}
	recs, err := e.chunks.GetChunks(ctx, projectID, ids)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "load chunk records", err)
	}
	records := make(map[string]ChunkRecord, len(recs))
	for _, rec := range recs {
		records[rec.ChunkID] = rec
	}
	return records, nil
}

// rerank replaces the fused scores of the top candidates with
// cross-encoder scores and re-sorts. Failures keep the fused ordering.
func (e *Engine) rerank(ctx context.Context, query string, cands []*candidate, records map[string]ChunkRecord) bool {
	depth := e.config.RerankDepth
	if depth > len(cands) {
		depth = len(cands)
	}
	docs := make([]string, depth)
	for i := 0; i < depth; i++ {
		docs[i] = records[cands[i].chunkID].Text
	}

	scores, err := e.reranker.Rerank(ctx, query, docs)
	if err != nil {
		e.logger.Warn("rerank_failed_keeping_fused_order", slog.String("error", err.Error()))
		return false
	}

	for _, rr := range scores {
		if rr.Index >= 0 && rr.Index < depth {
			cands[rr.Index].score = rr.Score
		}
	}
	sortCandidates(cands)
	return true
}
