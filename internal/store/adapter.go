package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/knowledgebeast/knowledgebeast/internal/errors"
)

// AdapterConfig configures the reliability wrapper.
type AdapterConfig struct {
	Retry   errors.RetryConfig
	Breaker []errors.CircuitBreakerOption
}

// Adapter wraps a Backend with retry and a circuit breaker. Every call
// runs retry outside the breaker, so each attempt counts toward the
// failure window. When the breaker is open, queries surface
// BackendUnavailable so callers can degrade instead of failing.
// Collections are initialized lazily on first use and the handshake is
// done once per project.
type Adapter struct {
	backend    Backend
	breaker    *errors.CircuitBreaker
	retry      errors.RetryConfig
	dimensions int
	logger     *slog.Logger

	mu      sync.Mutex
	created map[string]bool
}

// NewAdapter wraps the backend. dimensions is the vector dimension used
// for lazy collection creation.
func NewAdapter(backend Backend, dimensions int, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = errors.DefaultRetryConfig()
	}
	opts := append([]errors.CircuitBreakerOption{
		errors.WithStateChangeHook(func(name string, from, to errors.State) {
			logger.Warn("vector_backend_breaker_state",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}),
	}, cfg.Breaker...)

	return &Adapter{
		backend:    backend,
		breaker:    errors.NewCircuitBreaker("vector-backend", opts...),
		retry:      cfg.Retry,
		dimensions: dimensions,
		logger:     logger,
		created:    make(map[string]bool),
	}
}

// BreakerState exposes the current breaker state for health reporting.
func (a *Adapter) BreakerState() errors.State {
	return a.breaker.State()
}

// ResetBreaker forces the breaker closed and clears its failure history.
func (a *Adapter) ResetBreaker() {
	a.breaker.Reset()
}

// execute runs fn with retry around the breaker and maps circuit-open
// to BackendUnavailable.
func (a *Adapter) execute(ctx context.Context, op string, fn func() error) error {
	err := errors.Retry(ctx, a.retry, func() error {
		return a.breaker.Execute(fn)
	})
	return a.mapError(op, err)
}

func (a *Adapter) mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.KindOf(err) == errors.KindCircuitOpen {
		a.logger.Warn("vector_backend_unavailable", slog.String("op", op))
		return errors.BackendUnavailable("vector backend unavailable: "+op, err)
	}
	return err
}

// ensureCollection lazily creates the project collection once.
// CreateCollection is idempotent on the backend, so racing callers are
// harmless; the map only suppresses repeat handshakes.
func (a *Adapter) ensureCollection(ctx context.Context, projectID string) error {
	a.mu.Lock()
	done := a.created[projectID]
	a.mu.Unlock()
	if done {
		return nil
	}

	err := a.execute(ctx, "create_collection", func() error {
		return a.backend.CreateCollection(ctx, projectID, a.dimensions)
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.created[projectID] = true
	a.mu.Unlock()
	return nil
}

// CreateCollection eagerly initializes a project collection.
func (a *Adapter) CreateCollection(ctx context.Context, projectID string) error {
	return a.ensureCollection(ctx, projectID)
}

// DeleteCollection tears down a project collection.
func (a *Adapter) DeleteCollection(ctx context.Context, projectID string) error {
	err := a.execute(ctx, "delete_collection", func() error {
		return a.backend.DeleteCollection(ctx, projectID)
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.created, projectID)
	a.mu.Unlock()
	return nil
}

// Upsert writes chunk vectors, creating the collection on first use.
func (a *Adapter) Upsert(ctx context.Context, projectID string, chunks []VectorChunk) error {
	if err := a.ensureCollection(ctx, projectID); err != nil {
		return err
	}
	return a.execute(ctx, "upsert", func() error {
		return a.backend.Upsert(ctx, projectID, chunks)
	})
}

// Query returns the k nearest chunks. An open breaker yields
// BackendUnavailable, which the hybrid engine treats as a degrade
// signal rather than a query failure.
func (a *Adapter) Query(ctx context.Context, projectID string, vector []float32, k int, filter Filter) ([]VectorHit, error) {
	if err := a.ensureCollection(ctx, projectID); err != nil {
		return nil, err
	}
	hits, err := errors.RetryResult(ctx, a.retry, func() ([]VectorHit, error) {
		return errors.ExecuteResult(a.breaker, func() ([]VectorHit, error) {
			return a.backend.Query(ctx, projectID, vector, k, filter)
		})
	})
	if err != nil {
		return nil, a.mapError("query", err)
	}
	return hits, nil
}

// DeleteByDoc removes every chunk of a document.
func (a *Adapter) DeleteByDoc(ctx context.Context, projectID, docID string) (int, error) {
	removed, err := errors.RetryResult(ctx, a.retry, func() (int, error) {
		return errors.ExecuteResult(a.breaker, func() (int, error) {
			return a.backend.DeleteByDoc(ctx, projectID, docID)
		})
	})
	if err != nil {
		return 0, a.mapError("delete_by_doc", err)
	}
	return removed, nil
}

// Size returns the vector count of a collection.
func (a *Adapter) Size(ctx context.Context, projectID string) (int, error) {
	n, err := errors.RetryResult(ctx, a.retry, func() (int, error) {
		return errors.ExecuteResult(a.breaker, func() (int, error) {
			return a.backend.Size(ctx, projectID)
		})
	})
	if err != nil {
		return 0, a.mapError("size", err)
	}
	return n, nil
}

// Close closes the underlying backend.
func (a *Adapter) Close() error {
	return a.backend.Close()
}
