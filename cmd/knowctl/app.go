package main

import (
	"context"
	"time"

	"knowgraph/internal/bus"
	"knowgraph/internal/config"
	"knowgraph/internal/embedding"
	"knowgraph/internal/ingest"
	"knowgraph/internal/linking"
	"knowgraph/internal/retrieve"
	"knowgraph/internal/storage"
	"knowgraph/internal/synth"
	"knowgraph/internal/workflow"
)

// app holds the wired component graph. Concrete stores are constructed once
// here and handed to agents as capability handles; the bus is the only
// backchannel between them.
type app struct {
	cfg config.Config

	chunks   storage.ChunkStore
	vectors  storage.VectorIndex
	links    storage.LinkStore
	entities storage.EntityIndex

	bus       *bus.Bus
	pipeline  *ingest.Pipeline
	linker    *linking.Engine
	retriever *retrieve.Retriever
	assembler *synth.Assembler
	workflows *workflow.Engine
}

// embedClient adapts the embedding endpoint client to the Embedder seams.
type embedClient struct {
	cfg config.EmbeddingConfig
}

func (e embedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return embedding.EmbedText(ctx, e.cfg, texts)
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	chunks, err := storage.NewChunkStore(ctx, cfg.ChunkStore)
	if err != nil {
		return nil, err
	}
	links, err := storage.NewLinkStore(ctx, cfg.LinkStore)
	if err != nil {
		return nil, err
	}
	vectors, err := storage.NewVectorIndex(ctx, cfg.Vector)
	if err != nil {
		return nil, err
	}
	entityIdx, err := storage.NewEntityIndex(ctx, cfg.ChunkStore)
	if err != nil {
		return nil, err
	}

	b := bus.New(bus.Options{
		HistorySize:     cfg.Bus.HistorySize,
		DeadLetterSize:  cfg.Bus.DeadLetterSize,
		BreakerFailures: cfg.Bus.BreakerFailures,
		BreakerReset:    time.Duration(cfg.Bus.BreakerResetSeconds) * time.Second,
	})

	var embedder ingest.EmbeddingProvider
	if cfg.Embedding.BaseURL != "" {
		embedder = embedClient{cfg: cfg.Embedding}
	}

	pipeline := &ingest.Pipeline{
		Chunks:   chunks,
		Vectors:  vectors,
		Entities: ingest.MentionIndexer{Index: entityIdx},
		Embedder: embedder,
		Bus:      b,
	}

	linker := linking.NewEngine(vectors, entityIdx, links, chunks, linking.Config{
		MaxLinks:        cfg.Linking.MaxLinks,
		Threshold:       cfg.Linking.Threshold,
		SuggestionFloor: cfg.Linking.SuggestionFloor,
	})

	var retrEmbedder retrieve.Embedder
	if embedder != nil {
		retrEmbedder = embedClient{cfg: cfg.Embedding}
	}
	retriever := retrieve.New(chunks, vectors, links, entityIdx, retrEmbedder, retrieve.Config{
		VectorK:  cfg.Retrieval.VectorK,
		RerankK:  cfg.Retrieval.RerankK,
		MaxHops:  cfg.Retrieval.MaxHops,
		MaxNodes: cfg.Retrieval.MaxNodes,
	})

	assembler := &synth.Assembler{Retriever: retriever, Links: links, Chunks: chunks}

	var wfStore workflow.Store
	switch cfg.Workflow.Store.Backend {
	case config.BackendSQLite:
		wfStore, err = workflow.NewSQLiteStore(cfg.Workflow.Store.Path)
		if err != nil {
			return nil, err
		}
	default:
		wfStore = workflow.NewMemoryStore()
	}
	engine := workflow.NewEngine(wfStore,
		workflow.WithDefaultTimeout(time.Duration(cfg.Workflow.Engine.DefaultTimeoutSeconds)*time.Second))
	workflow.RegisterBuiltins(engine, b)

	return &app{
		cfg:       cfg,
		chunks:    chunks,
		vectors:   vectors,
		links:     links,
		entities:  entityIdx,
		bus:       b,
		pipeline:  pipeline,
		linker:    linker,
		retriever: retriever,
		assembler: assembler,
		workflows: engine,
	}, nil
}
