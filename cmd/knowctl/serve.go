package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"knowgraph/internal/bus"
	"knowgraph/internal/entities"
	"knowgraph/internal/httpapi"
	"knowgraph/internal/ingest"
	"knowgraph/internal/logging"
	"knowgraph/internal/retrieve"
	"knowgraph/internal/storage"
	"knowgraph/internal/telemetry"
	"knowgraph/internal/workflow"
)

var (
	serveAddr    string
	otelEndpoint string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, message bus and agent handlers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}

		if otelEndpoint != "" {
			shutdown, err := telemetry.InitMeterProvider(ctx, otelEndpoint)
			if err != nil {
				logging.Log.WithError(err).Warn("otel meter provider init failed, metrics disabled")
			} else {
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(sctx)
				}()
			}
		}

		var dedupe bus.DedupeStore = bus.NewMemoryDedupeStore()
		if addr := a.cfg.Bus.RedisDedupe.DSN; addr != "" {
			client := redis.NewClient(&redis.Options{Addr: addr})
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				logging.Log.WithError(err).Warn("redis dedupe unavailable, using in-process store")
				_ = client.Close()
			} else {
				defer client.Close()
				dedupe = bus.NewRedisDedupe(client, "knowgraph:req:")
			}
		}

		registerAgents(a, dedupe)
		a.bus.Start()
		defer a.bus.Close()

		srv := httpapi.NewServer(a.retriever, a.assembler, a.chunks, a.links)
		return srv.Serve(ctx, serveAddr)
	},
}

// registerAgents binds the workflow engine's agent topics to the
// in-process services over the bus.
func registerAgents(a *app, dedupe bus.DedupeStore) {
	const dedupeTTL = 10 * time.Minute

	bus.HandleRequests(a.bus, workflow.TopicIngestDocument, dedupe, dedupeTTL, func(ctx context.Context, msg *bus.Message) (map[string]any, error) {
		path, _ := msg.Payload["path"].(string)
		content, _ := msg.Payload["content"].(string)
		res, err := a.pipeline.Ingest(ctx, ingest.Request{
			Path:             path,
			RawBytes:         []byte(content),
			SourceModifiedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "context": map[string]any{
			"path": res.Path, "skipped": res.Skipped,
			"chunks_created": res.ChunksCreated, "chunks_updated": res.ChunksUpdated,
		}}, nil
	})

	bus.HandleRequests(a.bus, workflow.TopicExtractEntities, dedupe, dedupeTTL, func(ctx context.Context, msg *bus.Message) (map[string]any, error) {
		text, _ := msg.Payload["text"].(string)
		ext := entities.Extract(text)
		found := make([]map[string]any, 0, len(ext.Entities))
		for _, e := range ext.Entities {
			found = append(found, map[string]any{"text": e.Text, "label": string(e.Label), "confidence": e.Confidence})
		}
		return map[string]any{"success": true, "context": map[string]any{
			"entities": found, "keyphrases": ext.Keyphrases,
		}}, nil
	})

	bus.HandleRequests(a.bus, workflow.TopicCreateLinks, dedupe, dedupeTTL, func(ctx context.Context, msg *bus.Message) (map[string]any, error) {
		chunkID, _ := msg.Payload["chunk_id"].(string)
		res, err := a.linker.LinkChunk(ctx, chunkID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "context": map[string]any{
			"created": res.Created, "updated": res.Updated,
			"suggested": res.Suggested, "failed": res.Failed,
		}}, nil
	})

	bus.HandleRequests(a.bus, workflow.TopicSearchKnowledge, dedupe, dedupeTTL, func(ctx context.Context, msg *bus.Message) (map[string]any, error) {
		query, _ := msg.Payload["query"].(string)
		resp, err := a.retriever.Search(ctx, retrieve.Query{Text: query})
		if err != nil {
			return nil, err
		}
		results := make([]map[string]any, 0, len(resp.Items))
		for _, it := range resp.Items {
			results = append(results, map[string]any{
				"path": it.Path, "score": it.Score, "snippet": it.Snippet, "start_line": it.StartLine,
			})
		}
		return map[string]any{"success": true, "context": map[string]any{
			"results": results, "strategy": string(resp.Strategy),
		}}, nil
	})

	bus.HandleRequests(a.bus, workflow.TopicAnswerQuestion, dedupe, dedupeTTL, func(ctx context.Context, msg *bus.Message) (map[string]any, error) {
		question, _ := msg.Payload["question"].(string)
		out, err := a.assembler.AnswerQuestion(ctx, question, 5)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "context": map[string]any{
			"answer": out.Content, "confidence": out.Confidence,
		}}, nil
	})

	bus.HandleRequests(a.bus, workflow.TopicGenerateSummary, dedupe, dedupeTTL, func(ctx context.Context, msg *bus.Message) (map[string]any, error) {
		topic, _ := msg.Payload["topic"].(string)
		resp, err := a.retriever.Search(ctx, retrieve.Query{Text: topic})
		if err != nil {
			return nil, err
		}
		var chunks []storage.Chunk
		for _, it := range resp.Items {
			if c, ok, err := a.chunks.GetChunk(ctx, it.ChunkID); err == nil && ok {
				chunks = append(chunks, c)
			}
		}
		out, err := a.assembler.GenerateSummary(ctx, chunks, 200)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "context": map[string]any{
			"summary": out.Content, "confidence": out.Confidence,
		}}, nil
	})
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8087", "listen address")
	serveCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP/HTTP metrics collector endpoint")
	rootCmd.AddCommand(serveCmd)
}
