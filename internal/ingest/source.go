package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"knowgraph/internal/errs"
	"knowgraph/internal/objectstore"
)

// LoadDir walks a local directory tree and builds one ingestion request per
// markdown file, with paths relative to root.
func LoadDir(root string) ([]Request, error) {
	var reqs []Request
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			rel = p
		}
		reqs = append(reqs, Request{
			Path:             filepath.ToSlash(rel),
			RawBytes:         data,
			SourceModifiedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindDependency, "walk source dir", err)
	}
	return reqs, nil
}

// LoadObjectStore lists prefix in the object-store collaborator and
// builds one request per markdown document, carrying the source etag and
// modified time for the incremental short-circuit.
func LoadObjectStore(ctx context.Context, store objectstore.Store, prefix string) ([]Request, error) {
	objs, err := store.List(ctx, prefix)
	if err != nil {
		return nil, errs.Wrap(errs.KindDependency, "list objects", err)
	}
	var reqs []Request
	for _, o := range objs {
		if !strings.HasSuffix(strings.ToLower(o.Path), ".md") {
			continue
		}
		data, attrs, err := store.Fetch(ctx, o.Path)
		if err != nil {
			return reqs, errs.Wrap(errs.KindDependency, "fetch "+o.Path, err)
		}
		reqs = append(reqs, Request{
			Path:             o.Path,
			RawBytes:         data,
			SourceETag:       attrs.ETag,
			SourceModifiedAt: attrs.Modified.UTC(),
		})
	}
	return reqs, nil
}
