// Package vault stores synchronized documents as markdown files. Files are
// located by their frontmatter url, so users may move or rename them freely.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/starford/margin/internal/models"
	"github.com/starford/margin/internal/parser"
	"github.com/starford/margin/internal/render"
	"github.com/starford/margin/internal/storage"
)

// Options configures where new documents are created.
type Options struct {
	HighlightsFolder string
	UseDomainFolders bool
}

// Vault implements the synchronizer's document storage.
type Vault struct {
	store    storage.Provider
	renderer *render.Renderer
	opts     Options
	logger   *slog.Logger

	mu    sync.Mutex
	byURL map[string]string // url -> path, nil until first scan
}

// New creates a Vault.
func New(store storage.Provider, renderer *render.Renderer, opts Options, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	opts.HighlightsFolder = strings.Trim(path.Clean("/"+opts.HighlightsFolder), "/")
	return &Vault{store: store, renderer: renderer, opts: opts, logger: logger}
}

// Invalidate drops the url index; the next lookup rescans the vault.
func (v *Vault) Invalidate() {
	v.mu.Lock()
	v.byURL = nil
	v.mu.Unlock()
}

// ReadSnapshot returns the local view of doc, or nil when no file holds it.
// A malformed file yields a *parser.ParseError.
func (v *Vault) ReadSnapshot(_ context.Context, doc models.Document) (*models.LocalSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := v.locate(docURL(doc))
	if err != nil || p == "" {
		return nil, err
	}
	snap, err := v.snapshot(p)
	if errors.Is(err, fs.ErrNotExist) {
		// Moved or deleted since the last scan.
		v.byURL = nil
		if p, err = v.locate(docURL(doc)); err != nil || p == "" {
			return nil, err
		}
		snap, err = v.snapshot(p)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// WriteDocument renders doc and writes it to its existing file, or to a new
// file under the highlights folder. created reports the latter.
func (v *Vault) WriteDocument(_ context.Context, doc models.Document) (bool, error) {
	content, err := v.renderer.Render(doc)
	if err != nil {
		return false, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	url := docURL(doc)
	p, err := v.locate(url)
	if err != nil {
		return false, err
	}
	created := p == ""
	if created {
		if p, err = v.newPath(doc); err != nil {
			return false, err
		}
	}
	// Unchanged files keep their mtime and raise no watcher event.
	written, err := v.store.WriteIfChanged(p, content)
	if err != nil {
		return false, fmt.Errorf("vault: write %s: %w", p, err)
	}
	if !written {
		return false, nil
	}
	v.byURL[url] = p
	if created {
		v.logger.Info("vault: created document", slog.String("path", p), slog.String("uri", url))
	} else {
		v.logger.Debug("vault: updated document", slog.String("path", p), slog.String("uri", url))
	}
	return created, nil
}

// ListModifiedSince returns snapshots of every synchronized document whose
// file changed after since. Unparseable files are skipped.
func (v *Vault) ListModifiedSince(_ context.Context, since time.Time) ([]models.LocalSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	files, err := v.scan()
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(v.byURL))
	for _, p := range v.byURL {
		known[p] = struct{}{}
	}

	var out []models.LocalSnapshot
	for _, f := range files {
		if _, ok := known[f.Path]; !ok || !f.UpdatedAt.After(since) {
			continue
		}
		snap, err := v.snapshot(f.Path)
		if err != nil {
			v.logger.Warn("vault: skipping unreadable document",
				slog.String("path", f.Path),
				slog.String("error", err.Error()))
			continue
		}
		if snap != nil {
			out = append(out, *snap)
		}
	}
	return out, nil
}

// locate returns the path of the file holding url, or "".
// Callers hold v.mu.
func (v *Vault) locate(url string) (string, error) {
	if v.byURL == nil {
		if _, err := v.scan(); err != nil {
			return "", err
		}
	}
	return v.byURL[url], nil
}

// scan rebuilds the url index from frontmatter of every markdown file and
// returns the listing it was built from.
func (v *Vault) scan() ([]storage.FileMeta, error) {
	files, err := v.store.List("")
	if err != nil {
		return nil, fmt.Errorf("vault: scan: %w", err)
	}
	idx := make(map[string]string)
	for _, f := range files {
		data, err := v.store.Read(f.Path)
		if err != nil {
			return nil, fmt.Errorf("vault: scan: %w", err)
		}
		res := parser.ParseFrontmatter(data)
		if !res.IsAnnotationDocument() {
			continue
		}
		if prev, dup := idx[res.URL]; dup {
			v.logger.Warn("vault: duplicate document for url",
				slog.String("url", res.URL),
				slog.String("kept", prev),
				slog.String("ignored", f.Path))
			continue
		}
		idx[res.URL] = f.Path
	}
	v.byURL = idx
	return files, nil
}

func (v *Vault) snapshot(p string) (*models.LocalSnapshot, error) {
	data, err := v.store.Read(p)
	if err != nil {
		return nil, err
	}
	res, err := parser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("vault: %s: %w", p, err)
	}
	if !res.IsAnnotationDocument() {
		return nil, nil
	}
	meta, err := v.store.Stat(p)
	if err != nil {
		return nil, err
	}
	anns := res.Annotations
	if anns == nil {
		anns = []models.LocalAnnotation{}
	}
	return &models.LocalSnapshot{
		URI:         res.URL,
		Path:        p,
		Title:       res.Title,
		Annotations: anns,
		PageNote:    res.PageNote,
		Updated:     meta.UpdatedAt,
	}, nil
}

// newPath picks a free file name for a document that has no file yet.
func (v *Vault) newPath(doc models.Document) (string, error) {
	dir := v.opts.HighlightsFolder
	if v.opts.UseDomainFolders && doc.Metadata.Author != "" {
		dir = path.Join(dir, render.SanitizeTitle(doc.Metadata.Author))
	}
	title := doc.Metadata.Title
	if title == "" {
		title = docURL(doc)
	}
	stem := render.SanitizeTitle(title)
	for n := 1; ; n++ {
		name := stem + ".md"
		if n > 1 {
			name = fmt.Sprintf("%s (%d).md", stem, n)
		}
		p := path.Join(dir, name)
		exists, err := v.store.Exists(p)
		if err != nil {
			return "", err
		}
		if !exists {
			return p, nil
		}
	}
}

func docURL(doc models.Document) string {
	if doc.Metadata.URL != "" {
		return doc.Metadata.URL
	}
	return doc.URI
}
