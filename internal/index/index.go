package index

import (
	"context"
	"time"

	"github.com/starford/margin/internal/models"
	"github.com/starford/margin/internal/syncer"
)

// Index is the read/write surface the API and tools depend on. Consumers
// should use it rather than *DB so tests can substitute fakes.
type Index interface {
	UpsertDocument(d DocumentRow, anns []AnnotationRow) error
	DeleteDocument(path string) error
	GetDocument(path string) (*DocumentRow, error)
	DocumentAnnotations(path string) ([]AnnotationRow, error)
	ListDocuments(limit, offset int, state, sort string) ([]DocumentRow, int, error)
	Search(query string, limit int) ([]SearchResult, error)
	StateCounts() (map[string]int, error)

	LastSync(ctx context.Context) (time.Time, error)
	Totals(ctx context.Context) (Totals, error)
	Sessions(ctx context.Context, limit int) ([]syncer.Report, error)
	Groups(ctx context.Context) ([]models.Group, error)
	SetGroupSelected(ctx context.Context, id string, selected bool) error
	Close() error
}

// Verify *DB satisfies Index at compile time.
var _ Index = (*DB)(nil)
