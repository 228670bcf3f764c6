// Package app assembles the store, source and importer from config so the
// API, worker and CLI start the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"census-import/internal/config"
	"census-import/internal/importer"
	"census-import/internal/source"
	"census-import/internal/store"
)

type App struct {
	Cfg      config.Config
	Log      *slog.Logger
	Store    store.Backend
	Loader   *source.Loader
	Importer *importer.Service
}

// New opens the configured store, runs its migrations and builds the
// import service. Close releases the store.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.StoreDriver, cfg.PostgresDSN, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}

	blob, err := NewBlob(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	loader, err := source.NewLoader(
		source.NewFetcher(blob, cfg.SourceMaxBytes, cfg.FetchTimeout),
		source.ParseOptions{Delimiter: cfg.SourceDelimiter},
		cfg.SourceCacheSize,
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	svc := importer.New(st, loader, importer.Options{
		ChunkSize:     cfg.ChunkSize,
		Variant:       cfg.SourceVariant,
		SourceKey:     cfg.SourceKey,
		ChunkLease:    cfg.ChunkLease,
		UpsertTimeout: cfg.UpsertTimeout,
		RowFallback:   cfg.RowFallback,
		Logger:        logger,
	})
	logger.Info("import service ready", "store", cfg.StoreDriver, "source", cfg.SourceBackend,
		"chunk_size", cfg.ChunkSize, "cache", cfg.SourceCacheSize)

	return &App{Cfg: cfg, Log: logger, Store: st, Loader: loader, Importer: svc}, nil
}

// NewBlob selects the S3 or local directory backend.
func NewBlob(ctx context.Context, cfg config.Config) (source.Blob, error) {
	switch cfg.SourceBackend {
	case "s3":
		b, err := source.NewS3Blob(ctx, source.S3Config{
			Bucket:    cfg.SourceBucket,
			Region:    cfg.SourceRegion,
			Endpoint:  cfg.SourceEndpoint,
			PathStyle: cfg.SourcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 source: %w", err)
		}
		return b, nil
	case "file", "":
		return source.DirBlob{BaseDir: cfg.SourceDir}, nil
	default:
		return nil, errors.New("unknown source backend " + cfg.SourceBackend)
	}
}

func (a *App) Close() error {
	return a.Store.Close()
}
