// Package upload pushes locally edited annotations to the remote service.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/starford/margin/internal/models"
	"github.com/starford/margin/internal/reconcile"
)

// Pusher sends one annotation update upstream: text is the quoted
// selection, note the free-text body.
type Pusher interface {
	PushUpdate(ctx context.Context, id, text, note string, tags []string) error
}

// ItemResult is the outcome of a single push.
type ItemResult struct {
	ID  string
	Err error
}

// Result collects the outcome of every push for one document.
type Result struct {
	Items []ItemResult
}

// Pushed returns the number of successful pushes.
func (r Result) Pushed() int {
	n := 0
	for _, it := range r.Items {
		if it.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the number of failed pushes.
func (r Result) Failed() int {
	return len(r.Items) - r.Pushed()
}

// BatchError reports that at least one push of a document failed. Pushes
// that succeeded are not rolled back.
type BatchError struct {
	URI    string
	Failed []ItemResult
	Total  int
}

func (e *BatchError) Error() string {
	ids := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		ids[i] = f.ID
	}
	return fmt.Sprintf("upload: %d of %d pushes failed for %s (%s)", len(e.Failed), e.Total, e.URI, strings.Join(ids, ", "))
}

// Unwrap exposes the individual push errors.
func (e *BatchError) Unwrap() []error {
	out := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		out[i] = f.Err
	}
	return out
}

// Uploader dispatches the pending pushes of a document concurrently.
type Uploader struct {
	pusher Pusher
	limit  int
	logger *slog.Logger
}

// New creates an Uploader. limit bounds concurrent pushes per document;
// zero or negative means unbounded.
func New(p Pusher, limit int, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{pusher: p, limit: limit, logger: logger}
}

// Push uploads every UPDATED_LOCAL annotation of doc, page note included,
// and waits for all of them to settle. A non-nil error is a *BatchError.
func (u *Uploader) Push(ctx context.Context, doc models.Document) (Result, error) {
	pending := reconcile.Pending(doc)
	if len(pending) == 0 {
		return Result{}, nil
	}
	u.logger.Info("upload: pushing annotations",
		slog.String("uri", doc.URI),
		slog.Int("count", len(pending)))

	results := make([]ItemResult, len(pending))

	// Item errors stay in results; the group never sees them, so every
	// push runs to completion.
	var g errgroup.Group
	if u.limit > 0 {
		g.SetLimit(u.limit)
	}
	for i, a := range pending {
		g.Go(func() error {
			err := u.pusher.PushUpdate(ctx, a.ID, a.Text, a.Note, a.Tags)
			results[i] = ItemResult{ID: a.ID, Err: err}
			if err != nil {
				u.logger.Warn("upload: push failed",
					slog.String("uri", doc.URI),
					slog.String("id", a.ID),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Items: results}
	var failed []ItemResult
	for _, it := range results {
		if it.Err != nil {
			failed = append(failed, it)
		}
	}
	if len(failed) > 0 {
		return res, &BatchError{URI: doc.URI, Failed: failed, Total: len(results)}
	}
	return res, nil
}
