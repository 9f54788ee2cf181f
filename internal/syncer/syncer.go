// Package syncer drives synchronization sessions: it fetches remote
// changes, reconciles every document against its local copy, pushes local
// edits upstream and writes the merged result back to the vault.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/starford/margin/internal/apperr"
	"github.com/starford/margin/internal/hypothesis"
	"github.com/starford/margin/internal/models"
	"github.com/starford/margin/internal/parser"
	"github.com/starford/margin/internal/reconcile"
	"github.com/starford/margin/internal/upload"
)

// Remote is the annotation service.
type Remote interface {
	Profile(ctx context.Context) (models.Profile, error)
	Groups(ctx context.Context) ([]models.Group, error)
	FetchSince(ctx context.Context, since time.Time) ([]hypothesis.Entry, error)
	FetchByURI(ctx context.Context, uri string) ([]hypothesis.Entry, error)
	upload.Pusher
}

// Grouper turns fetched rows into documents, keeping only selected groups.
type Grouper func(entries []hypothesis.Entry, selected []string, activeUser string) []models.Document

// Storage holds the local copies of documents.
type Storage interface {
	// ReadSnapshot returns nil, nil when no local copy exists.
	ReadSnapshot(ctx context.Context, doc models.Document) (*models.LocalSnapshot, error)
	WriteDocument(ctx context.Context, doc models.Document) (created bool, err error)
	ListModifiedSince(ctx context.Context, since time.Time) ([]models.LocalSnapshot, error)
}

// StateStore persists sync watermarks, group selection and history.
type StateStore interface {
	LastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, t time.Time) error
	LastLocalScan(ctx context.Context) (time.Time, error)
	SetLastLocalScan(ctx context.Context, t time.Time) error
	// SelectedGroups records the available groups and returns the ids of
	// the selected ones.
	SelectedGroups(ctx context.Context, available []models.Group) ([]string, error)
	RecordSession(ctx context.Context, r *Report) error
}

// Kind distinguishes how a session chose its documents.
type Kind string

const (
	KindFull  Kind = "full"  // everything updated since the last sync
	KindURI   Kind = "uri"   // one source
	KindLocal Kind = "local" // documents edited in the vault
)

// Session is the explicit context of one run, threaded through the loop.
type Session struct {
	ID         string
	Kind       Kind
	Target     string
	Started    time.Time
	ActiveUser string
	Groups     []string

	report *Report
}

// Orchestrator runs sessions one at a time.
type Orchestrator struct {
	remote   Remote
	storage  Storage
	store    StateStore
	group    Grouper
	uploader *upload.Uploader
	reporter Reporter
	logger   *slog.Logger
	now      func() time.Time

	uploadLimit int

	running atomic.Bool
	mu      sync.Mutex
	status  Status
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithReporter sets the progress event sink.
func WithReporter(r Reporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithGrouper replaces hypothesis.GroupEntries.
func WithGrouper(g Grouper) Option {
	return func(o *Orchestrator) { o.group = g }
}

// WithUploadConcurrency bounds concurrent pushes per document. Zero means
// unbounded.
func WithUploadConcurrency(n int) Option {
	return func(o *Orchestrator) { o.uploadLimit = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(remote Remote, storage Storage, store StateStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		remote:   remote,
		storage:  storage,
		store:    store,
		group:    hypothesis.GroupEntries,
		reporter: nopReporter{},
		logger:   slog.Default(),
		now:      time.Now,
		status:   Status{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.uploader = upload.New(remote, o.uploadLimit, o.logger)
	return o
}

// Status returns a snapshot of the current and last session.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Phase:   o.status.Phase,
		Current: o.status.Current.clone(),
		Last:    o.status.Last.clone(),
		Error:   o.status.Error,
	}
}

// StartSync runs one session. An empty uri fetches everything updated since
// the last untargeted session; otherwise only that source is synchronized.
// Errors before the document loop abort the session and are returned; per
// document failures are recorded in the report.
func (o *Orchestrator) StartSync(ctx context.Context, uri string) (*Report, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, apperr.ErrSessionRunning
	}
	defer o.running.Store(false)

	kind := KindFull
	if uri != "" {
		kind = KindURI
	}
	sess := o.begin(ctx, kind, uri)

	fetch := func(ctx context.Context) ([]hypothesis.Entry, error) {
		if uri != "" {
			return o.remote.FetchByURI(ctx, uri)
		}
		since, err := o.store.LastSync(ctx)
		if err != nil {
			return nil, fmt.Errorf("read last sync: %w", err)
		}
		return o.remote.FetchSince(ctx, since)
	}
	return o.execute(ctx, sess, fetch)
}

// SyncModified re-synchronizes every document edited in the vault since the
// later of the last sync and the last local scan.
func (o *Orchestrator) SyncModified(ctx context.Context) (*Report, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, apperr.ErrSessionRunning
	}
	defer o.running.Store(false)

	sess := o.begin(ctx, KindLocal, "")

	fetch := func(ctx context.Context) ([]hypothesis.Entry, error) {
		since, err := o.localWatermark(ctx)
		if err != nil {
			return nil, err
		}
		modified, err := o.storage.ListModifiedSince(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("list modified: %w", err)
		}
		var entries []hypothesis.Entry
		for _, snap := range modified {
			rows, err := o.remote.FetchByURI(ctx, snap.URI)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", snap.URI, err)
			}
			entries = append(entries, rows...)
		}
		return entries, nil
	}
	return o.execute(ctx, sess, fetch)
}

func (o *Orchestrator) localWatermark(ctx context.Context) (time.Time, error) {
	last, err := o.store.LastSync(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read last sync: %w", err)
	}
	scan, err := o.store.LastLocalScan(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read last local scan: %w", err)
	}
	if scan.After(last) {
		return scan, nil
	}
	return last, nil
}

func (o *Orchestrator) begin(ctx context.Context, kind Kind, target string) *Session {
	sess := &Session{
		ID:      uuid.New().String(),
		Kind:    kind,
		Target:  target,
		Started: o.now(),
	}
	sess.report = &Report{
		SessionID: sess.ID,
		Kind:      kind,
		Target:    target,
		Started:   sess.Started,
		Jobs:      []JobResult{},
	}
	o.mu.Lock()
	o.status.Phase = PhaseSyncing
	o.status.Current = sess.report
	o.status.Error = ""
	o.mu.Unlock()

	o.reporter.Emit(ctx, Event{Type: EventSessionStarted, SessionID: sess.ID, Target: target})
	return sess
}

func (o *Orchestrator) execute(ctx context.Context, sess *Session, fetch func(context.Context) ([]hypothesis.Entry, error)) (*Report, error) {
	docs, err := o.prepare(ctx, sess, fetch)
	if err != nil {
		o.fail(ctx, sess, err)
		return nil, err
	}

	o.update(func() {
		sess.report.Jobs = make([]JobResult, len(docs))
		for i, d := range docs {
			sess.report.Jobs[i] = JobResult{URI: d.URI, Title: d.Metadata.Title, Status: JobPending}
		}
	})
	o.reporter.Emit(ctx, Event{Type: EventSessionJobs, SessionID: sess.ID, Target: sess.Target, Jobs: o.jobs(sess)})

	for i, doc := range docs {
		o.runJob(ctx, sess, i, doc)
	}

	return o.finish(ctx, sess), nil
}

// prepare runs the steps whose failure is fatal to the session.
func (o *Orchestrator) prepare(ctx context.Context, sess *Session, fetch func(context.Context) ([]hypothesis.Entry, error)) ([]models.Document, error) {
	profile, err := o.remote.Profile(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: authenticate: %w", err)
	}
	sess.ActiveUser = profile.UserID

	groups, err := o.remote.Groups(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: fetch groups: %w", err)
	}
	selected, err := o.store.SelectedGroups(ctx, groups)
	if err != nil {
		return nil, fmt.Errorf("sync: resolve groups: %w", err)
	}
	sess.Groups = selected

	entries, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: fetch: %w", err)
	}
	return o.group(entries, selected, sess.ActiveUser), nil
}

func (o *Orchestrator) runJob(ctx context.Context, sess *Session, i int, doc models.Document) {
	var job JobResult
	o.update(func() {
		sess.report.Jobs[i].Status = JobRunning
		job = sess.report.Jobs[i]
	})
	o.reporter.Emit(ctx, Event{Type: EventJobStarted, SessionID: sess.ID, Job: &job})

	out, err := o.syncDocument(ctx, sess, doc)

	o.update(func() {
		r := sess.report
		j := &r.Jobs[i]
		j.Pushed, j.PushFailed, j.States = out.pushed, out.pushFailed, out.states
		r.Pushed += out.pushed
		r.PushFailed += out.pushFailed
		if err != nil {
			j.Status = JobErrored
			j.Error = err.Error()
			r.Errored++
		} else {
			j.Status = JobCompleted
			j.Created = out.created
			j.Annotations = out.annotations
			if out.created {
				r.NewDocuments++
			} else {
				r.UpdatedDocuments++
			}
			r.Annotations += out.annotations
		}
		job = *j
	})

	if err != nil {
		o.reporter.Emit(ctx, Event{Type: EventJobErrored, SessionID: sess.ID, Job: &job, Error: err.Error()})
		return
	}
	o.reporter.Emit(ctx, Event{Type: EventJobCompleted, SessionID: sess.ID, Job: &job})
}

type jobOutcome struct {
	created     bool
	annotations int
	pushed      int
	pushFailed  int
	states      map[string]int
}

// syncDocument is the per-document boundary: every failure, panics
// included, comes back as an error.
func (o *Orchestrator) syncDocument(ctx context.Context, sess *Session, doc models.Document) (out jobOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync: %s: panic: %v", doc.URI, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return out, err
	}

	snap, err := o.storage.ReadSnapshot(ctx, doc)
	var perr *parser.ParseError
	switch {
	case errors.As(err, &perr):
		o.logger.Warn("sync: unreadable local document, treating as absent",
			slog.String("session", sess.ID),
			slog.String("uri", doc.URI),
			slog.String("error", err.Error()))
		snap = nil
	case err != nil:
		return out, fmt.Errorf("sync: read %s: %w", doc.URI, err)
	}

	if doc, err = o.complete(ctx, sess, doc, snap); err != nil {
		return out, err
	}

	merged := reconcile.Reconcile(doc, snap)

	counts := reconcile.Histogram(merged)
	out.states = histogram(counts)
	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 && counts[models.StateSynchronized] != total {
		o.logger.Info("sync: annotation state",
			slog.String("uri", doc.URI),
			slog.Any("states", out.states))
	}

	res, err := o.uploader.Push(ctx, merged)
	out.pushed, out.pushFailed = res.Pushed(), res.Failed()
	if err != nil {
		return out, err
	}

	created, err := o.storage.WriteDocument(ctx, merged)
	if err != nil {
		return out, fmt.Errorf("sync: write %s: %w", doc.URI, err)
	}
	out.created = created
	out.annotations = len(merged.Annotations)
	return out, nil
}

// complete refetches the whole source when an incremental changeset holds
// only part of a document the vault already has. Without it, annotations
// the remote did not resend would reconcile as local-only.
func (o *Orchestrator) complete(ctx context.Context, sess *Session, doc models.Document, snap *models.LocalSnapshot) (models.Document, error) {
	if snap == nil || sess.Kind != KindFull {
		return doc, nil
	}
	known := make(map[string]struct{}, len(doc.Annotations)+1)
	for _, a := range doc.Annotations {
		known[a.ID] = struct{}{}
	}
	if doc.PageNote != nil && doc.PageNote.ID != "" {
		known[doc.PageNote.ID] = struct{}{}
	}
	local := snap.Annotations
	if snap.PageNote != nil {
		local = append(slices.Clone(local), *snap.PageNote)
	}
	missing := slices.ContainsFunc(local, func(l models.LocalAnnotation) bool {
		if l.ID == "" || l.State == models.StateLocalOnly {
			return false
		}
		_, ok := known[l.ID]
		return !ok
	})
	if !missing {
		return doc, nil
	}

	rows, err := o.remote.FetchByURI(ctx, doc.URI)
	if err != nil {
		return doc, fmt.Errorf("sync: refetch %s: %w", doc.URI, err)
	}
	for _, full := range o.group(rows, sess.Groups, sess.ActiveUser) {
		if full.URI == doc.URI {
			o.logger.Debug("sync: completed partial document",
				slog.String("uri", doc.URI),
				slog.Int("fetched", len(doc.Annotations)),
				slog.Int("total", len(full.Annotations)))
			return full, nil
		}
	}
	return doc, nil
}

func (o *Orchestrator) finish(ctx context.Context, sess *Session) *Report {
	finished := o.now()
	o.update(func() { sess.report.Finished = finished })
	report := o.snapshot(sess)

	if err := o.store.RecordSession(ctx, report); err != nil {
		o.logger.Error("sync: record session failed",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}
	switch sess.Kind {
	case KindFull:
		if err := o.store.SetLastSync(ctx, sess.Started); err != nil {
			o.logger.Error("sync: persist last sync failed", slog.String("error", err.Error()))
		}
	case KindLocal:
		if err := o.store.SetLastLocalScan(ctx, sess.Started); err != nil {
			o.logger.Error("sync: persist local scan failed", slog.String("error", err.Error()))
		}
	case KindURI:
	}

	o.mu.Lock()
	o.status.Phase = PhaseComplete
	o.status.Current = nil
	o.status.Last = report
	o.mu.Unlock()

	o.reporter.Emit(ctx, Event{Type: EventSessionCompleted, SessionID: sess.ID, Target: sess.Target, Report: report.clone()})
	return report
}

func (o *Orchestrator) fail(ctx context.Context, sess *Session, err error) {
	o.mu.Lock()
	o.status.Phase = PhaseFailed
	o.status.Current = nil
	o.status.Error = err.Error()
	o.mu.Unlock()
	o.reporter.Emit(ctx, Event{Type: EventSessionFailed, SessionID: sess.ID, Target: sess.Target, Error: err.Error()})
}

func (o *Orchestrator) update(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn()
}

func (o *Orchestrator) snapshot(sess *Session) *Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sess.report.clone()
}

func (o *Orchestrator) jobs(sess *Session) []JobResult {
	return o.snapshot(sess).Jobs
}
