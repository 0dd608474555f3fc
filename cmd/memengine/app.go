package main

import (
	"context"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/internal/embeddings"
	"github.com/xiy/memory-engine/internal/memory"
	"github.com/xiy/memory-engine/internal/retry"
	"github.com/xiy/memory-engine/internal/store"
)

// app bundles the wired services shared by the subcommands.
type app struct {
	cfg    config.Config
	logger *log.Logger
	store  *store.SQLiteStore
	embed  *embeddings.Service
	engine *memory.Service
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: cfg.ServerName})
	setLogLevel(logger, cfg.LogLevel)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	emb := embeddings.NewService(embeddingProvider(cfg.Embedding, logger), embeddings.Options{
		Dimensions:     cfg.Embedding.Dimensions,
		HashesPerToken: cfg.Embedding.HashesPerToken,
		CacheCapacity:  cfg.Embedding.CacheCapacity,
		BatchWorkers:   cfg.Embedding.BatchWorkers,
		Retry: retry.Policy{
			MaxAttempts:  cfg.Engine.RetryAttempts,
			InitialDelay: cfg.Engine.RetryInitialDelay(),
			Timeout:      cfg.Engine.OperationTimeout(),
		},
	}, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		embed:  emb,
		engine: memory.NewService(st, emb, cfg.Engine, memory.SystemClock{}, logger),
	}, nil
}

func (r *app) Close() error {
	return r.store.Close()
}

func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (*store.SQLiteStore, error) {
	st, err := store.OpenSQLite(ctx, cfg.DBPath, logger)
	if store.IsFatal(err) {
		logger.Error("memory store schema is unusable; check db_path and file permissions", "db", cfg.DBPath, "error", err)
	}
	return st, err
}

// embeddingProvider returns the configured model provider, or nil to use
// the hash embedding only.
func embeddingProvider(cfg config.EmbeddingConfig, logger *log.Logger) embeddings.Provider {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		logger.Info("no embedding endpoint configured; using hash embeddings", "dimensions", cfg.Dimensions)
		return nil
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		logger.Warn("embedding API key env var is empty", "env", cfg.APIKeyEnv)
	}
	return embeddings.NewHTTPProvider(endpoint, cfg.Model, key, cfg.Dimensions)
}

func setLogLevel(logger *log.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}
