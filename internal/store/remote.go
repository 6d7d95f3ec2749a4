package store

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/knowledgebeast/knowledgebeast/internal/errors"
)

// DefaultRemoteTimeout bounds one request to the remote backend.
const DefaultRemoteTimeout = 10 * time.Second

// RemoteConfig configures the remote vector backend client.
type RemoteConfig struct {
	// BaseURL is the backend server base URL.
	BaseURL string

	// Timeout bounds each request (default: DefaultRemoteTimeout).
	Timeout time.Duration
}

// RemoteBackend talks to an external vector store over JSON/HTTP.
// The wire contract mirrors the Backend interface: collections keyed by
// project ID under {base}/collections/{id}. Network failures and 5xx
// responses surface as BackendUnavailable so the adapter's retry and
// breaker treat them as transient.
//
// Filters cannot cross the wire, so filtered queries over-fetch and
// apply the predicate client-side.
type RemoteBackend struct {
	client  *http.Client
	baseURL string
}

// Verify interface implementation at compile time.
var _ Backend = (*RemoteBackend)(nil)

// NewRemoteBackend creates a client for an external vector backend.
func NewRemoteBackend(cfg RemoteConfig) (*RemoteBackend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vector backend URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid vector backend URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}
	return &RemoteBackend{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
	}, nil
}

type remoteCreateRequest struct {
	Dimensions int `json:"dimensions"`
}

type remoteVector struct {
	ChunkID string    `json:"chunk_id"`
	DocID   string    `json:"doc_id"`
	Vector  []float32 `json:"vector"`
}

type remoteUpsertRequest struct {
	Vectors []remoteVector `json:"vectors"`
}

type remoteQueryRequest struct {
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

type remoteQueryResponse struct {
	Hits []VectorHit `json:"hits"`
}

type remoteDeleteByDocRequest struct {
	DocID string `json:"doc_id"`
}

type remoteDeleteByDocResponse struct {
	Removed int `json:"removed"`
}

type remoteSizeResponse struct {
	Size int `json:"size"`
}

// CreateCollection creates the project collection. Re-creating with the
// same dimensions is a no-op on the server.
func (b *RemoteBackend) CreateCollection(ctx context.Context, projectID string, dimensions int) error {
	path := "/collections/" + url.PathEscape(projectID)
	return b.do(ctx, projectID, http.MethodPut, path, remoteCreateRequest{Dimensions: dimensions}, nil)
}

// DeleteCollection removes the collection; absent collections are a
// no-op.
func (b *RemoteBackend) DeleteCollection(ctx context.Context, projectID string) error {
	path := "/collections/" + url.PathEscape(projectID)
	err := b.do(ctx, projectID, http.MethodDelete, path, nil, nil)
	var notFound ErrCollectionNotFound
	if stderrors.As(err, &notFound) {
		return nil
	}
	return err
}

// Upsert inserts or replaces chunk vectors.
func (b *RemoteBackend) Upsert(ctx context.Context, projectID string, chunks []VectorChunk) error {
	vectors := make([]remoteVector, len(chunks))
	for i, c := range chunks {
		vectors[i] = remoteVector{ChunkID: c.ChunkID, DocID: c.DocID, Vector: c.Vector}
	}
	path := "/collections/" + url.PathEscape(projectID) + "/vectors"
	return b.do(ctx, projectID, http.MethodPost, path, remoteUpsertRequest{Vectors: vectors}, nil)
}

// Query returns the k nearest chunks, best first. With a filter the
// request over-fetches and filters locally, so fewer than k hits may
// come back when the filter is selective.
func (b *RemoteBackend) Query(ctx context.Context, projectID string, vector []float32, k int, filter Filter) ([]VectorHit, error) {
	fetch := k
	if filter != nil {
		fetch = k * 4
	}

	var parsed remoteQueryResponse
	path := "/collections/" + url.PathEscape(projectID) + "/query"
	if err := b.do(ctx, projectID, http.MethodPost, path, remoteQueryRequest{Vector: vector, K: fetch}, &parsed); err != nil {
		return nil, err
	}

	if filter == nil {
		return parsed.Hits, nil
	}
	hits := make([]VectorHit, 0, k)
	for _, h := range parsed.Hits {
		if !filter(h.ChunkID) {
			continue
		}
		hits = append(hits, h)
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// DeleteByDoc removes every chunk of a document.
func (b *RemoteBackend) DeleteByDoc(ctx context.Context, projectID, docID string) (int, error) {
	var parsed remoteDeleteByDocResponse
	path := "/collections/" + url.PathEscape(projectID) + "/delete_by_doc"
	if err := b.do(ctx, projectID, http.MethodPost, path, remoteDeleteByDocRequest{DocID: docID}, &parsed); err != nil {
		return 0, err
	}
	return parsed.Removed, nil
}

// Size returns the vector count of a collection.
func (b *RemoteBackend) Size(ctx context.Context, projectID string) (int, error) {
	var parsed remoteSizeResponse
	path := "/collections/" + url.PathEscape(projectID) + "/size"
	if err := b.do(ctx, projectID, http.MethodGet, path, nil, &parsed); err != nil {
		return 0, err
	}
	return parsed.Size, nil
}

// Close releases the client. The remote server owns the data.
func (b *RemoteBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// do performs one request and decodes the response into out when
// non-nil.
func (b *RemoteBackend) do(ctx context.Context, projectID, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.BackendUnavailable("vector backend unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrCollectionNotFound{ProjectID: projectID}
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.BackendUnavailable(
			fmt.Sprintf("vector backend returned status %d: %s", resp.StatusCode, string(msg)), nil)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vector backend rejected %s: status %d: %s", path, resp.StatusCode, string(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
