package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/knowledgebeast/knowledgebeast/internal/cache"
	"github.com/knowledgebeast/knowledgebeast/internal/chunk"
	"github.com/knowledgebeast/knowledgebeast/internal/config"
	"github.com/knowledgebeast/knowledgebeast/internal/embed"
	"github.com/knowledgebeast/knowledgebeast/internal/errors"
	"github.com/knowledgebeast/knowledgebeast/internal/index"
	"github.com/knowledgebeast/knowledgebeast/internal/ingest"
	"github.com/knowledgebeast/knowledgebeast/internal/logging"
	"github.com/knowledgebeast/knowledgebeast/internal/preflight"
	"github.com/knowledgebeast/knowledgebeast/internal/project"
	"github.com/knowledgebeast/knowledgebeast/internal/search"
	"github.com/knowledgebeast/knowledgebeast/internal/server"
	"github.com/knowledgebeast/knowledgebeast/internal/service"
	vecstore "github.com/knowledgebeast/knowledgebeast/internal/store"
	"github.com/knowledgebeast/knowledgebeast/pkg/version"
)

// newServeCmd creates the serve command.
func newServeCmd(configPath *string) *cobra.Command {
	var addr string
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the knowledge base server",
		Long: `Start the HTTP server.

The server loads configuration from the --config file (if given) with
environment variable overrides, acquires an exclusive lock on the data
directory, and serves until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg, *configPath, skipCheck)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip pre-flight system checks")

	return cmd
}

// runServe builds the full service stack and serves until the context
// is canceled.
func runServe(ctx context.Context, cfg *config.Config, configPath string, skipCheck bool) error {
	dataDir := cfg.Paths.DataDir

	if !skipCheck {
		checker := preflight.New(dataDir)
		results := checker.RunAll(ctx)
		if checker.HasCriticalFailures(results) {
			for _, r := range results {
				if r.IsCritical() {
					fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
				}
			}
			return fmt.Errorf("system check failed")
		}
	} else if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// One server per data directory: the embedded stores are not safe
	// for multi-process access.
	lock := flock.New(filepath.Join(dataDir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data directory lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("data directory %s is locked by another instance", dataDir)
	}
	defer func() { _ = lock.Unlock() }()

	logCfg := logging.DefaultConfig(dataDir)
	logCfg.Level = cfg.Server.LogLevel
	logger, level, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCleanup()
	slog.SetDefault(logger)

	logger.Info("starting knowledgebeast",
		"version", version.Version,
		"addr", cfg.Server.Addr,
		"data_dir", dataDir)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := project.OpenDB(filepath.Join(dataDir, "meta.db"))
	if err != nil {
		return fmt.Errorf("open metadata database: %w", err)
	}
	defer func() { _ = db.Close() }()
	meta := project.NewStore(db)

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()

	// Remote embedders auto-detect their dimension from the first
	// response, and collection creation needs it up front.
	if embedder.Dimensions() == 0 {
		if _, err := embedder.Embed(ctx, "dimension probe"); err != nil {
			return fmt.Errorf("probe embedding model: %w", err)
		}
	}

	backend, err := buildBackend(cfg, dataDir)
	if err != nil {
		return err
	}
	adapter := vecstore.NewAdapter(backend, embedder.Dimensions(), vecstore.AdapterConfig{
		Retry: retryConfig(cfg),
		Breaker: []errors.CircuitBreakerOption{
			errors.WithFailureThreshold(cfg.Backend.BreakerFailureThreshold),
			errors.WithWindow(cfg.BreakerWindow()),
			errors.WithCooldown(cfg.BreakerCooldown()),
		},
	}, logger)
	defer func() {
		if err := adapter.Close(); err != nil {
			logger.Error("vector backend close failed", "error", err)
		}
	}()

	manager := project.NewManager(meta, adapter, project.ManagerConfig{
		Quotas: project.Quotas{
			MaxDocuments:     cfg.Quotas.MaxDocuments,
			MaxBytes:         cfg.Quotas.MaxBytes,
			QueriesPerSecond: cfg.Quotas.RateLimit,
			QueryBurst:       cfg.Quotas.RateBurst,
			MaxInflight:      cfg.Quotas.MaxInflight,
		},
		IndexConfig: index.DefaultConfig(),
		SemanticCache: cache.SemanticConfig{
			Capacity:  cfg.Search.CacheSizeQuery,
			Threshold: cfg.Search.SemanticCacheThreshold,
		},
	}, logger)

	// Finish any project deletes interrupted by a previous shutdown.
	if err := manager.ResumeDeletes(ctx); err != nil {
		logger.Warn("resume of interrupted deletes incomplete", "error", err)
	}

	chunker := chunk.NewRecursiveChunker(chunk.RecursiveOptions{
		ChunkSizeTokens: cfg.Chunking.SizeTokens,
		OverlapTokens:   cfg.Chunking.OverlapTokens,
	})
	pipeline := ingest.NewPipeline(manager, embedder, chunker, adapter, ingest.Config{}, logger)

	var reranker search.Reranker
	if cfg.Search.RerankEndpoint != "" {
		r, err := search.NewHTTPReranker(search.HTTPRerankerConfig{
			Endpoint: cfg.Search.RerankEndpoint,
			Model:    cfg.Search.RerankModelID,
		})
		if err != nil {
			return fmt.Errorf("build reranker: %w", err)
		}
		reranker = r
	}
	engine := search.NewEngine(embedder, adapter, manager, manager, reranker,
		search.Config{Alpha: cfg.Search.Alpha}, logger)

	svc := service.New(manager, pipeline, engine, embedder, adapter, nil, nil,
		map[string]service.Probe{
			"disk_space": preflight.DiskProbe(dataDir, 0),
		},
		service.Config{QueryTimeout: cfg.QueryTimeout()}, logger)
	defer func() { _ = svc.Close() }()

	if configPath != "" {
		go watchConfig(ctx, configPath, logger, level)
	}

	srv := server.New(svc, server.Config{
		Addr:     cfg.Server.Addr,
		AdminKey: cfg.Server.AdminKey,
		// Streams must outlive the query deadline.
		WriteTimeout: cfg.QueryTimeout() + 30*time.Second,
	}, logger)

	err = srv.Run(ctx)
	logger.Info("server stopped")
	return err
}

// buildEmbedder selects the embedding provider and wraps it in the
// process-wide embedding cache.
func buildEmbedder(cfg *config.Config) (embed.Embedder, error) {
	var base embed.Embedder
	if cfg.Embeddings.Endpoint != "" {
		httpEmbedder, err := embed.NewHTTPEmbedder(embed.HTTPConfig{
			Endpoint:  cfg.Embeddings.Endpoint,
			Model:     cfg.Embeddings.ModelID,
			BatchSize: cfg.Embeddings.BatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("build embedder: %w", err)
		}
		base = httpEmbedder
	} else {
		base = embed.NewStaticEmbedder()
	}

	cached, err := embed.NewCachedEmbedder(base, cfg.Embeddings.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("build embedding cache: %w", err)
	}
	return cached, nil
}

// buildBackend selects the vector backend: remote when a URL is
// configured, embedded HNSW otherwise.
func buildBackend(cfg *config.Config, dataDir string) (vecstore.Backend, error) {
	if cfg.Backend.VectorBackendURL != "" {
		backend, err := vecstore.NewRemoteBackend(vecstore.RemoteConfig{
			BaseURL: cfg.Backend.VectorBackendURL,
		})
		if err != nil {
			return nil, fmt.Errorf("build vector backend: %w", err)
		}
		return backend, nil
	}

	backend, err := vecstore.NewHNSWBackend(filepath.Join(dataDir, "vectors"), vecstore.DefaultHNSWConfig())
	if err != nil {
		return nil, fmt.Errorf("build vector backend: %w", err)
	}
	return backend, nil
}

func retryConfig(cfg *config.Config) errors.RetryConfig {
	retry := errors.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Backend.RetryMaxAttempts
	return retry
}

// watchConfig applies runtime-safe settings from config file changes.
// Only the log level can change without a restart.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, level *slog.LevelVar) {
	err := config.Watch(ctx, path, logger, func(cfg *config.Config) {
		newLevel := logging.ParseLevel(cfg.Server.LogLevel)
		if level.Level() != newLevel {
			logger.Info("log level changed", "level", cfg.Server.LogLevel)
			level.Set(newLevel)
		}
	})
	if err != nil {
		logger.Warn("config watcher stopped", "error", err)
	}
}
