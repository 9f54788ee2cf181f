package index

import (
	"log/slog"
	"time"

	"github.com/starford/margin/internal/checksum"
	"github.com/starford/margin/internal/models"
	"github.com/starford/margin/internal/parser"
	"github.com/starford/margin/internal/storage"
)

// Sync walks the vault and brings the document registry up to date:
//   - new/changed annotation documents are parsed and upserted
//   - files removed from disk, or no longer annotation documents, are dropped
func Sync(db *DB, store storage.Provider, logger *slog.Logger) error {
	metas, err := store.List("")
	if err != nil {
		return err
	}

	checksums, err := db.AllChecksums()
	if err != nil {
		return err
	}

	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		if _, ok := checksums[m.Path]; ok {
			disk[m.Path] = struct{}{}
		}
		if cs, ok := checksums[m.Path]; ok && cs == m.Checksum {
			continue
		}

		data, err := store.Read(m.Path)
		if err != nil {
			logger.Warn("index: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		indexed, err := IndexFile(db, m.Path, data, m.UpdatedAt)
		if err != nil {
			logger.Warn("index: parse failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		if indexed {
			disk[m.Path] = struct{}{}
			logger.Debug("index: indexed", slog.String("path", m.Path))
		}
	}

	// Remove stale entries.
	for p := range checksums {
		if _, ok := disk[p]; !ok {
			if err := db.DeleteDocument(p); err != nil {
				logger.Warn("index: delete failed", slog.String("path", p), slog.String("error", err.Error()))
			} else {
				logger.Debug("index: removed stale", slog.String("path", p))
			}
		}
	}

	return nil
}

// IndexFile parses data and upserts it. Files that are not annotation
// documents are removed from the registry and reported as not indexed.
// A parse error leaves any previous entry untouched.
func IndexFile(idx Index, path string, data []byte, updated time.Time) (bool, error) {
	res, err := parser.Parse(data)
	if err != nil {
		return false, err
	}
	if !res.IsAnnotationDocument() {
		return false, idx.DeleteDocument(path)
	}

	row := DocumentRow{
		Path:      path,
		URL:       res.URL,
		Title:     res.Title,
		Checksum:  checksum.Sum(data),
		UpdatedAt: updated,
	}
	var anns []AnnotationRow
	add := func(a models.LocalAnnotation) {
		anns = append(anns, AnnotationRow{ID: a.ID, Quote: a.Text, Note: a.Note, Tags: a.Tags, State: a.State.String()})
		if a.State == models.StateLocalOnly {
			row.LocalOnly++
		}
	}
	if res.PageNote != nil {
		add(*res.PageNote)
	}
	for _, a := range res.Annotations {
		add(a)
	}
	row.Annotations = len(anns)
	return true, idx.UpsertDocument(row, anns)
}
