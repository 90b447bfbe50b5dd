// Package watch feeds filesystem change events into the ingestion pipeline:
// a directory of markdown files is kept continuously indexed while the
// watcher runs. Events are debounced per path so editors that write in
// bursts trigger one re-ingest.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"knowgraph/internal/ingest"
	"knowgraph/internal/logging"
)

const debounce = 500 * time.Millisecond

// Watcher re-ingests markdown files under Root as they change.
type Watcher struct {
	Root     string
	Pipeline *ingest.Pipeline

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func New(root string, pipeline *ingest.Pipeline) *Watcher {
	return &Watcher{Root: root, Pipeline: pipeline, pending: make(map[string]*time.Timer)}
}

// Run blocks, watching Root and all its subdirectories, until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := filepath.WalkDir(w.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(p)
		}
		return nil
	}); err != nil {
		return err
	}
	logging.Log.WithField("root", w.Root).Info("watching for markdown changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.Log.WithError(err).Warn("watch error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			_ = fsw.Add(ev.Name)
		}
		return
	}
	if !strings.HasSuffix(strings.ToLower(ev.Name), ".md") {
		return
	}
	w.schedule(ctx, ev.Name)
}

// schedule arms (or re-arms) the per-path debounce timer.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(debounce)
		return
	}
	w.pending[path] = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ingest(ctx, path)
	})
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Log.WithError(err).WithField("path", path).Warn("read changed file failed")
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	rel, err := filepath.Rel(w.Root, path)
	if err != nil {
		rel = path
	}
	res, err := w.Pipeline.Ingest(ctx, ingest.Request{
		Path:             filepath.ToSlash(rel),
		RawBytes:         data,
		SourceModifiedAt: info.ModTime().UTC(),
	})
	if err != nil {
		logging.Log.WithError(err).WithField("path", rel).Warn("re-ingest failed")
		return
	}
	if !res.Skipped {
		logging.Log.WithField("path", rel).WithField("chunks", res.ChunksCreated+res.ChunksUpdated).Info("re-ingested changed file")
	}
}
