// Package ingest implements the document ingestion pipeline: content
// resolution, chunking, embedding, vector upsert, keyword indexing,
// and chunk persistence, with per-document outcomes and rollback on
// partial failure.
package ingest

import (
	"context"
	"hash/fnv"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/knowledgebeast/knowledgebeast/internal/chunk"
	"github.com/knowledgebeast/knowledgebeast/internal/embed"
	"github.com/knowledgebeast/knowledgebeast/internal/errors"
	"github.com/knowledgebeast/knowledgebeast/internal/project"
	vecstore "github.com/knowledgebeast/knowledgebeast/internal/store"
)

// maxWorkers caps ingest parallelism regardless of core count.
const maxWorkers = 8

// DocumentInput is one document submitted for ingestion.
type DocumentInput struct {
	// DocID optionally pins the document id. Re-ingesting an existing
	// DocID replaces the document: the old version is purged before the
	// new one lands. Empty means the pipeline mints an id.
	DocID string `json:"doc_id,omitempty"`

	// Name is the caller's display name for the document.
	Name string `json:"name"`

	// ContentType declares the encoding: text/plain, text/markdown, or
	// text/html. Empty defaults to plain text.
	ContentType string `json:"content_type"`

	// Content is the raw document body.
	Content []byte `json:"content"`

	// Metadata is copied onto every chunk of the document.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DocumentOutcome reports the result of ingesting one document.
// Failures are per-document; one bad document never fails the batch.
type DocumentOutcome struct {
	DocID  string `json:"doc_id,omitempty"`
	Name   string `json:"name"`
	Chunks int    `json:"chunks"`
	Error  string `json:"error,omitempty"`

	err error
}

// Err returns the underlying ingest error, nil on success.
func (o *DocumentOutcome) Err() error {
	return o.err
}

// Config bounds pipeline parallelism.
type Config struct {
	// Workers is the number of documents processed concurrently.
	// Zero means min(GOMAXPROCS, 8).
	Workers int
}

// Pipeline ingests documents into a project.
type Pipeline struct {
	manager  *project.Manager
	embedder embed.Embedder
	chunker  chunk.Chunker
	vectors  *vecstore.Adapter
	workers  int64
	logger   *slog.Logger

	// docLocks serialize writes per (project, doc_id) stripe so
	// concurrent re-ingests of the same caller-assigned id cannot
	// interleave their delete and insert phases.
	docLocks [64]sync.Mutex
}

// NewPipeline wires the ingest stages together.
func NewPipeline(manager *project.Manager, embedder embed.Embedder, chunker chunk.Chunker, vectors *vecstore.Adapter, cfg Config, logger *slog.Logger) *Pipeline {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
		if workers > maxWorkers {
			workers = maxWorkers
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		manager:  manager,
		embedder: embedder,
		chunker:  chunker,
		vectors:  vectors,
		workers:  int64(workers),
		logger:   logger,
	}
}

// IngestBatch ingests a batch of documents into a project. Documents
// are processed concurrently by a bounded worker pool; outcomes are
// returned in input order. The batch-level error is reserved for
// failures that prevent any document from being processed.
func (p *Pipeline) IngestBatch(ctx context.Context, projectID string, docs []DocumentInput) ([]DocumentOutcome, error) {
	if len(docs) == 0 {
		return nil, errors.InvalidArgument("ingest batch is empty")
	}
	if _, err := p.manager.Handle(ctx, projectID); err != nil {
		return nil, err
	}

	outcomes := make([]DocumentOutcome, len(docs))

	// Quota admission is serialized so a batch cannot race itself past
	// the limit. Documents admitted here may still fail individually.
	var admittedDocs int
	var admittedBytes int64
	admitted := make([]bool, len(docs))
	for i, doc := range docs {
		outcomes[i].Name = doc.Name
		if doc.DocID != "" {
			if err := validateDocID(doc.DocID); err != nil {
				outcomes[i].err = err
				outcomes[i].Error = err.Error()
				continue
			}
		}
		size := int64(len(doc.Content))
		if err := p.manager.CheckIngestQuota(ctx, projectID, admittedDocs+1, admittedBytes+size); err != nil {
			outcomes[i].err = err
			outcomes[i].Error = err.Error()
			continue
		}
		admitted[i] = true
		admittedDocs++
		admittedBytes += size
	}

	sem := semaphore.NewWeighted(p.workers)
	var wg sync.WaitGroup
	for i := range docs {
		if !admitted[i] {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i].err = err
			outcomes[i].Error = err.Error()
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			docID := docs[i].DocID
			if docID == "" {
				docID = p.manager.NextDocID()
			}
			outcomes[i].DocID = docID
			n, err := p.ingestOne(ctx, projectID, docID, docs[i])
			outcomes[i].Chunks = n
			if err != nil {
				outcomes[i].err = err
				outcomes[i].Error = err.Error()
				p.logger.Warn("document ingest failed",
					"project_id", projectID, "doc_id", docID, "name", docs[i].Name, "error", err)
			}
		}(i)
	}
	wg.Wait()

	for i := range outcomes {
		if outcomes[i].err == nil && admitted[i] {
			// The corpus changed; cached query results are stale.
			p.manager.InvalidateCaches(projectID)
			break
		}
	}
	return outcomes, nil
}

// validateDocID rejects caller-assigned ids that would collide with
// the chunk id scheme or break doc_id filters.
func validateDocID(id string) error {
	if len(id) > 128 {
		return errors.InvalidArgument("doc_id must be 128 characters or fewer").WithDetail("doc_id", id)
	}
	if strings.ContainsAny(id, ":/ \t\r\n") {
		return errors.InvalidArgument("doc_id must not contain ':', '/', or whitespace").WithDetail("doc_id", id)
	}
	return nil
}

// docLock returns the write lock stripe for one document.
func (p *Pipeline) docLock(projectID, docID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(docID))
	return &p.docLocks[h.Sum32()%uint32(len(p.docLocks))]
}

// ingestOne runs the full pipeline for a single document. Any failure
// after vectors or keyword entries were written rolls those back so a
// document is never half-searchable.
func (p *Pipeline) ingestOne(ctx context.Context, projectID, docID string, doc DocumentInput) (int, error) {
	lock := p.docLock(projectID, docID)
	lock.Lock()
	defer lock.Unlock()

	text, err := chunk.ResolveText(doc.ContentType, doc.Content)
	if err != nil {
		return 0, errors.InvalidArgument(err.Error()).WithDetail("name", doc.Name)
	}

	chunks, err := p.chunker.Chunk(ctx, docID, text, doc.Metadata)
	if err != nil {
		return 0, errors.Wrap(errors.KindInternal, "chunk document", err)
	}
	if len(chunks) == 0 {
		return 0, errors.InvalidArgument("document has no indexable content").WithDetail("name", doc.Name)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, errors.BackendUnavailable("embed document", err)
	}

	// A caller-assigned id that already exists is a replacement. The
	// old footprint is purged only after chunking and embedding
	// succeeded, so a bad new version never destroys the old one.
	if doc.DocID != "" {
		if _, err := p.manager.Store().GetDocument(ctx, projectID, docID); err == nil {
			if err := p.purgeDocument(ctx, projectID, docID); err != nil {
				return 0, err
			}
		} else if errors.KindOf(err) != errors.KindNotFound {
			return 0, err
		}
	}

	vecChunks := make([]vecstore.VectorChunk, len(chunks))
	for i, c := range chunks {
		vecChunks[i] = vecstore.VectorChunk{ChunkID: c.ID, DocID: docID, Vector: vectors[i]}
	}
	if err := p.vectors.Upsert(ctx, projectID, vecChunks); err != nil {
		return 0, err
	}

	if err := p.manager.IndexChunks(ctx, projectID, chunks); err != nil {
		p.rollback(ctx, projectID, docID, true, false)
		return 0, errors.Wrap(errors.KindInternal, "index document", err)
	}

	recs := make([]project.ChunkRecord, len(chunks))
	for i, c := range chunks {
		recs[i] = project.ChunkRecord{
			ChunkID:    c.ID,
			DocID:      docID,
			Ordinal:    c.Ordinal,
			Text:       c.Text,
			TokenCount: c.TokenCount,
			Vector:     vectors[i],
			Metadata:   c.Metadata,
		}
	}
	if err := p.manager.Store().SaveChunks(ctx, projectID, recs); err != nil {
		p.rollback(ctx, projectID, docID, true, true)
		return 0, err
	}

	docRecord := &project.Document{
		DocID:      docID,
		ProjectID:  projectID,
		Name:       doc.Name,
		SizeBytes:  int64(len(doc.Content)),
		ChunkCount: len(chunks),
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.manager.Store().InsertDocument(ctx, docRecord); err != nil {
		p.rollback(ctx, projectID, docID, true, true)
		_, _ = p.manager.Store().DeleteChunksByDoc(ctx, projectID, docID)
		return 0, err
	}

	p.logger.Info("document ingested",
		"project_id", projectID, "doc_id", docID, "name", doc.Name, "chunks", len(chunks))
	return len(chunks), nil
}

// rollback best-effort removes a document's partial footprint.
func (p *Pipeline) rollback(ctx context.Context, projectID, docID string, vectors, keyword bool) {
	if vectors {
		if _, err := p.vectors.DeleteByDoc(ctx, projectID, docID); err != nil {
			p.logger.Warn("rollback: delete vectors failed",
				"project_id", projectID, "doc_id", docID, "error", err)
		}
	}
	if keyword {
		if h, err := p.manager.Handle(ctx, projectID); err == nil {
			if _, err := h.Keyword.DeleteByDoc(ctx, docID); err != nil {
				p.logger.Warn("rollback: delete keyword entries failed",
					"project_id", projectID, "doc_id", docID, "error", err)
			}
		}
	}
}

// DeleteDocument removes a document everywhere: vectors, keyword index,
// chunk rows, and the document record. Absent documents are NotFound.
func (p *Pipeline) DeleteDocument(ctx context.Context, projectID, docID string) error {
	if _, err := p.manager.Store().GetDocument(ctx, projectID, docID); err != nil {
		return err
	}

	lock := p.docLock(projectID, docID)
	lock.Lock()
	defer lock.Unlock()

	if err := p.purgeDocument(ctx, projectID, docID); err != nil {
		return err
	}

	p.manager.InvalidateCaches(projectID)
	p.logger.Info("document deleted", "project_id", projectID, "doc_id", docID)
	return nil
}

// purgeDocument removes a document's footprint from every store.
// Callers hold the document's write lock.
func (p *Pipeline) purgeDocument(ctx context.Context, projectID, docID string) error {
	if _, err := p.vectors.DeleteByDoc(ctx, projectID, docID); err != nil {
		return err
	}
	h, err := p.manager.Handle(ctx, projectID)
	if err != nil {
		return err
	}
	if _, err := h.Keyword.DeleteByDoc(ctx, docID); err != nil {
		return errors.Wrap(errors.KindInternal, "delete keyword entries", err)
	}
	if _, err := p.manager.Store().DeleteChunksByDoc(ctx, projectID, docID); err != nil {
		return err
	}
	return p.manager.Store().DeleteDocument(ctx, projectID, docID)
}
