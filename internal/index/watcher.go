package index

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/margin/internal/storage"
)

// EventCallback is called after a watcher-driven registry change.
// kind is one of "created", "updated", "deleted".
type EventCallback func(kind string, path string)

const renameSettle = 200 * time.Millisecond

type watcher struct {
	db     *DB
	store  storage.Provider
	root   string
	logger *slog.Logger
	cb     EventCallback
}

// Watch follows the vault with fsnotify until ctx is cancelled, keeping the
// document registry current and calling cb (if non-nil) after each change.
//
// Directories created at runtime are added to the watch list. A rename
// schedules a short reconciliation pass, since fsnotify reports only the
// old name.
func Watch(ctx context.Context, db *DB, store storage.Provider, vaultRoot string, logger *slog.Logger, cb EventCallback) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addDirsRecursive(fw, vaultRoot); err != nil {
		return err
	}
	w := &watcher{db: db, store: store, root: vaultRoot, logger: logger, cb: cb}

	logger.Info("watcher: started", slog.String("root", vaultRoot))

	var settle *time.Timer
	var settleCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if settle != nil {
				settle.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-settleCh:
			w.reconcile()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addDirsRecursive(fw, ev.Name); err != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", err.Error()))
					}
					w.indexDir(ev.Name)
					continue
				}
			}
			if w.handle(ev) {
				if settle == nil {
					settle = time.NewTimer(renameSettle)
					settleCh = settle.C
				} else {
					settle.Reset(renameSettle)
				}
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", err.Error()))
		}
	}
}

// handle applies one file event and reports whether a reconciliation pass
// should follow.
func (w *watcher) handle(ev fsnotify.Event) bool {
	if !strings.HasSuffix(ev.Name, ".md") {
		return false
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		kind := "updated"
		if ev.Op&fsnotify.Create != 0 {
			kind = "created"
		}
		w.index(rel, kind)

	case ev.Op&fsnotify.Remove != 0:
		w.remove(rel)

	case ev.Op&fsnotify.Rename != 0:
		w.remove(rel)
		return true
	}
	return false
}

func (w *watcher) index(rel, kind string) {
	data, err := w.store.Read(rel)
	if err != nil {
		w.logger.Warn("watcher: read failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	meta, err := w.store.Stat(rel)
	if err != nil {
		w.logger.Warn("watcher: stat failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	indexed, err := IndexFile(w.db, rel, data, meta.UpdatedAt)
	if err != nil {
		w.logger.Warn("watcher: index failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	if !indexed {
		return
	}
	w.logger.Debug("watcher: indexed", slog.String("path", rel), slog.String("op", kind))
	if w.cb != nil {
		w.cb(kind, rel)
	}
}

func (w *watcher) remove(rel string) {
	if cs, _ := w.db.GetChecksum(rel); cs == "" {
		return
	}
	if err := w.db.DeleteDocument(rel); err != nil {
		w.logger.Warn("watcher: delete failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	w.logger.Debug("watcher: deleted", slog.String("path", rel))
	if w.cb != nil {
		w.cb("deleted", rel)
	}
}

// reconcile drops registry entries whose file is gone and indexes files the
// registry has not seen in their current form.
func (w *watcher) reconcile() {
	checksums, err := w.db.AllChecksums()
	if err != nil {
		w.logger.Warn("watcher: all checksums failed", slog.String("error", err.Error()))
		return
	}
	metas, err := w.store.List("")
	if err != nil {
		w.logger.Warn("watcher: list failed", slog.String("error", err.Error()))
		return
	}

	disk := make(map[string]storage.FileMeta, len(metas))
	for _, m := range metas {
		disk[m.Path] = m
	}
	for p := range checksums {
		if _, ok := disk[p]; !ok {
			w.remove(p)
		}
	}
	for p, m := range disk {
		if cs, ok := checksums[p]; ok && cs == m.Checksum {
			continue
		}
		w.index(p, "created")
	}
}

// indexDir indexes the markdown files of a newly created directory.
func (w *watcher) indexDir(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".md") {
			return nil
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return nil
		}
		w.index(filepath.ToSlash(rel), "created")
		return nil
	})
}

// addDirsRecursive adds root and all its non-hidden subdirectories.
func addDirsRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.Add(p)
	})
}
