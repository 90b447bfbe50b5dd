package storage

import (
	"context"
	"fmt"

	"knowgraph/internal/config"
)

// NewChunkStore resolves a ChunkStore from cfg.Backend.
func NewChunkStore(ctx context.Context, cfg config.DBConfig) (ChunkStore, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemoryChunkStore(), nil
	case config.BackendPostgres:
		return NewPostgresChunkStore(ctx, cfg.DSN)
	case config.BackendSQLite:
		return NewSQLiteChunkStore(cfg.Path)
	default:
		return nil, fmt.Errorf("storage: unknown chunk store backend %q", cfg.Backend)
	}
}

// NewLinkStore resolves a LinkStore from cfg.Backend.
func NewLinkStore(ctx context.Context, cfg config.DBConfig) (LinkStore, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemoryLinkStore(), nil
	case config.BackendPostgres:
		return NewPostgresLinkStore(ctx, cfg.DSN)
	case config.BackendSQLite:
		return NewSQLiteLinkStore(cfg.Path)
	default:
		return nil, fmt.Errorf("storage: unknown link store backend %q", cfg.Backend)
	}
}

// NewEntityIndex resolves an EntityIndex from cfg.Backend.
func NewEntityIndex(ctx context.Context, cfg config.DBConfig) (EntityIndex, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemoryEntityIndex(), nil
	case config.BackendPostgres:
		return NewPostgresEntityIndex(ctx, cfg.DSN)
	case config.BackendSQLite:
		return NewSQLiteEntityIndex(cfg.Path)
	default:
		return nil, fmt.Errorf("storage: unknown entity index backend %q", cfg.Backend)
	}
}

// NewVectorIndex resolves a VectorIndex from cfg.Backend.
func NewVectorIndex(ctx context.Context, cfg config.DBConfig) (VectorIndex, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemoryVectorIndex(), nil
	case config.BackendQdrant:
		return NewQdrantVectorIndex(ctx, cfg.DSN, cfg.Collection, cfg.Dimensions)
	case config.BackendPostgres:
		return NewPostgresVectorIndex(ctx, cfg.DSN, cfg.Dimensions)
	case config.BackendSQLite:
		return NewMemoryVectorIndex(), nil // sqlite-vec bindings not wired; falls back to brute force
	default:
		return nil, fmt.Errorf("storage: unknown vector index backend %q", cfg.Backend)
	}
}
