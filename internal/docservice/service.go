// Package docservice is the read/edit surface over synchronized documents
// shared by the HTTP API and the MCP tools.
package docservice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/starford/margin/internal/apperr"
	"github.com/starford/margin/internal/checksum"
	"github.com/starford/margin/internal/index"
	"github.com/starford/margin/internal/parser"
	"github.com/starford/margin/internal/storage"
)

// ErrInvalidDocument is returned when edited content would no longer be a
// synchronized document.
var ErrInvalidDocument = errors.New("invalid document")

// DocumentDetail is the full representation of a stored document.
type DocumentDetail struct {
	Path        string                `json:"path"`
	URL         string                `json:"url"`
	Title       string                `json:"title"`
	Content     string                `json:"content"`
	Checksum    string                `json:"checksum"`
	PageNote    *index.AnnotationRow  `json:"page_note,omitempty"`
	Annotations []index.AnnotationRow `json:"annotations"`
	ParseError  string                `json:"parse_error,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// DocumentListItem is a lightweight item in a list response.
type DocumentListItem struct {
	Path        string    `json:"path"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Checksum    string    `json:"checksum"`
	Annotations int       `json:"annotations"`
	LocalOnly   int       `json:"local_only"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Service coordinates storage and index operations.
type Service struct {
	store storage.Provider
	db    index.Index
}

// NewService creates a new document service.
func NewService(store storage.Provider, db index.Index) *Service {
	return &Service{store: store, db: db}
}

// GetDocument reads a document from storage. A document that fails to
// parse is still returned, with ParseError set.
func (s *Service) GetDocument(_ context.Context, path string) (*DocumentDetail, error) {
	data, err := s.store.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	meta, err := s.store.Stat(path)
	if err != nil {
		return nil, err
	}
	return buildDetail(path, data, meta.UpdatedAt)
}

// UpdateDocument replaces a document's content with optimistic concurrency.
// The new content must parse and keep the document's url, so the next
// sync can still match it.
func (s *Service) UpdateDocument(_ context.Context, path string, content []byte, ifMatch string) (*DocumentDetail, error) {
	existing, err := s.store.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	if ifMatch != "" && !checksum.Matches(existing, ifMatch) {
		return nil, apperr.ErrConflict
	}

	res, err := parser.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if !res.IsAnnotationDocument() {
		return nil, fmt.Errorf("%w: missing doc_type or url", ErrInvalidDocument)
	}
	if prev := parser.ParseFrontmatter(existing); prev.URL != "" && prev.URL != res.URL {
		return nil, fmt.Errorf("%w: url cannot change", ErrInvalidDocument)
	}

	if err := s.store.Write(path, content); err != nil {
		return nil, err
	}
	meta, err := s.store.Stat(path)
	if err != nil {
		return nil, err
	}
	if _, err := index.IndexFile(s.db, path, content, meta.UpdatedAt); err != nil {
		return nil, err
	}
	return buildDetail(path, content, meta.UpdatedAt)
}

// ListDocuments returns paginated documents, optionally only those holding
// an annotation in the given state.
func (s *Service) ListDocuments(_ context.Context, limit, offset int, state, sort string) ([]DocumentListItem, int, error) {
	rows, total, err := s.db.ListDocuments(limit, offset, state, sort)
	if err != nil {
		return nil, 0, err
	}
	items := make([]DocumentListItem, len(rows))
	for i, r := range rows {
		items[i] = DocumentListItem{
			Path:        r.Path,
			URL:         r.URL,
			Title:       r.Title,
			Checksum:    r.Checksum,
			Annotations: r.Annotations,
			LocalOnly:   r.LocalOnly,
			UpdatedAt:   r.UpdatedAt,
		}
	}
	return items, total, nil
}

// Search delegates full-text search to the index.
func (s *Service) Search(_ context.Context, query string, limit int) ([]index.SearchResult, error) {
	results, err := s.db.Search(query, limit)
	if err != nil {
		return nil, err
	}
	return nonNilSlice(results), nil
}

func buildDetail(path string, data []byte, updated time.Time) (*DocumentDetail, error) {
	d := &DocumentDetail{
		Path:        path,
		Content:     string(data),
		Checksum:    checksum.Sum(data),
		Annotations: []index.AnnotationRow{},
		UpdatedAt:   updated,
	}
	res, err := parser.Parse(data)
	var perr *parser.ParseError
	switch {
	case errors.As(err, &perr):
		fm := parser.ParseFrontmatter(data)
		d.URL, d.Title = fm.URL, fm.Title
		d.ParseError = perr.Error()
		return d, nil
	case err != nil:
		return nil, err
	}
	if !res.IsAnnotationDocument() {
		return nil, apperr.ErrNotFound
	}

	d.URL, d.Title = res.URL, res.Title
	if res.PageNote != nil {
		pn := row(res.PageNote.ID, res.PageNote.Text, res.PageNote.Note, res.PageNote.Tags, res.PageNote.State.String())
		d.PageNote = &pn
	}
	for _, a := range res.Annotations {
		d.Annotations = append(d.Annotations, row(a.ID, a.Text, a.Note, a.Tags, a.State.String()))
	}
	return d, nil
}

func row(id, quote, note string, tags []string, state string) index.AnnotationRow {
	return index.AnnotationRow{ID: id, Quote: quote, Note: note, Tags: nonNilSlice(tags), State: state}
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
