package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"knowgraph/internal/ingest"
	"knowgraph/internal/logging"
	"knowgraph/internal/objectstore"
	"knowgraph/internal/storage"
	"knowgraph/internal/watch"
)

var (
	ingestS3Prefix string
	ingestForce    bool
	ingestLink     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [dir]",
	Short: "Ingest markdown documents from a directory or the object store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		a.bus.Start()
		defer a.bus.Close()

		var reqs []ingest.Request
		switch {
		case len(args) == 1:
			reqs, err = ingest.LoadDir(args[0])
		case ingestS3Prefix != "" || a.cfg.S3.Bucket != "":
			store, serr := objectstore.NewS3Store(ctx, a.cfg.S3)
			if serr != nil {
				return serr
			}
			reqs, err = ingest.LoadObjectStore(ctx, store, ingestS3Prefix)
		default:
			return fmt.Errorf("give a directory argument or configure an s3 bucket")
		}
		if err != nil {
			return err
		}
		for i := range reqs {
			reqs[i].ForceUpdate = ingestForce
			reqs[i].SplitTagOnSemi = a.cfg.Ingestion.SplitTagOnSemi
		}

		res := a.pipeline.IngestBatch(ctx, reqs, a.cfg.Ingestion.MaxConcurrent)
		fmt.Printf("ingested: %d successful, %d skipped, %d failed\n", res.Successful, res.Skipped, res.Failed)
		for _, e := range res.Errors {
			fmt.Println("  error:", e)
		}

		if ingestLink {
			linked := 0
			for _, req := range reqs {
				ids, err := chunkIDsForPath(ctx, a, req.Path)
				if err != nil {
					continue
				}
				for _, id := range ids {
					if _, err := a.linker.LinkChunk(ctx, id); err == nil {
						linked++
					}
				}
			}
			fmt.Printf("link pass over %d chunks complete\n", linked)
		}

		if res.Failed > 0 {
			return fmt.Errorf("%d documents failed", res.Failed)
		}
		return nil
	},
}

// chunkIDsForPath re-derives the chunk ids of a freshly ingested file from
// its stored candidates.
func chunkIDsForPath(ctx context.Context, a *app, path string) ([]string, error) {
	chunks, err := a.chunks.FetchCandidates(ctx, storage.FilterSpec{PathPrefix: path}, storage.DateFieldCoalesce, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Path == path {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Watch a directory and re-ingest markdown files as they change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		a.bus.Start()
		defer a.bus.Close()

		logging.Log.WithField("dir", args[0]).Info("initial scan")
		reqs, err := ingest.LoadDir(args[0])
		if err != nil {
			return err
		}
		res := a.pipeline.IngestBatch(ctx, reqs, a.cfg.Ingestion.MaxConcurrent)
		logging.Log.WithField("successful", res.Successful).WithField("skipped", res.Skipped).
			WithField("failed", res.Failed).Info("initial scan complete")

		return watch.New(args[0], a.pipeline).Run(ctx)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestS3Prefix, "s3-prefix", "", "object-store prefix to ingest")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "re-ingest even when content is unchanged")
	ingestCmd.Flags().BoolVar(&ingestLink, "link", false, "run the linking engine over ingested chunks")
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(watchCmd)
}
