package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RerankResult is a cross-encoder score for one input document.
type RerankResult struct {
	Index int     // position in the input documents slice
	Score float64 // relevance in [0,1]
}

// Reranker scores query/document pairs with a cross-encoder. Joint
// encoding is more accurate than bi-encoder similarity but costs a
// model call per batch, so it only sees the top candidates.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error)
	Available(ctx context.Context) bool
	Close() error
}

// HTTPRerankerConfig configures the HTTP reranker client.
type HTTPRerankerConfig struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// HTTPReranker calls an external cross-encoder over JSON/HTTP:
// POST {endpoint}/rerank with {"model", "query", "documents": [...]}
// returning {"scores": [...]}.
type HTTPReranker struct {
	client *http.Client
	config HTTPRerankerConfig
}

// Verify interface implementation at compile time.
var _ Reranker = (*HTTPReranker)(nil)

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// NewHTTPReranker creates a reranker backed by a remote model server.
func NewHTTPReranker(cfg HTTPRerankerConfig) (*HTTPReranker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("reranker endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("reranker model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPReranker{client: &http.Client{}, config: cfg}, nil
}

// Rerank scores each document against the query.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	body, err := json.Marshal(rerankRequest{Model: r.config.Model, Query: query, Documents: documents})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.config.Endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank model unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank model returned status %d: %s", resp.StatusCode, string(msg))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	if len(parsed.Scores) != len(documents) {
		return nil, fmt.Errorf("rerank score count mismatch: sent %d documents, got %d scores", len(documents), len(parsed.Scores))
	}

	results := make([]RerankResult, len(parsed.Scores))
	for i, score := range parsed.Scores {
		results[i] = RerankResult{Index: i, Score: score}
	}
	return results, nil
}

// Available probes the model server health endpoint.
func (r *HTTPReranker) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, r.config.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases resources.
func (r *HTTPReranker) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
