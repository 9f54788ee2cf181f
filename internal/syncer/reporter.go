package syncer

import (
	"context"
	"log/slog"

	"github.com/starford/margin/internal/sse"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventSessionJobs      EventType = "session.jobs"
	EventJobStarted       EventType = "job.started"
	EventJobCompleted     EventType = "job.completed"
	EventJobErrored       EventType = "job.errored"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
)

// Event is one progress notification.
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Target    string      `json:"target,omitempty"`
	Job       *JobResult  `json:"job,omitempty"`
	Jobs      []JobResult `json:"jobs,omitempty"`
	Report    *Report     `json:"report,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Reporter consumes progress events. Emit must not block for long; it is
// called from the session loop.
type Reporter interface {
	Emit(ctx context.Context, e Event)
}

// LogReporter writes events to a structured logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Emit(ctx context.Context, e Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{slog.String("session", e.SessionID)}
	if e.Target != "" {
		attrs = append(attrs, slog.String("target", e.Target))
	}
	level := slog.LevelInfo

	switch e.Type {
	case EventSessionJobs:
		attrs = append(attrs, slog.Int("jobs", len(e.Jobs)))
	case EventJobStarted:
		level = slog.LevelDebug
		attrs = append(attrs, slog.String("uri", e.Job.URI))
	case EventJobCompleted:
		attrs = append(attrs,
			slog.String("uri", e.Job.URI),
			slog.Bool("created", e.Job.Created),
			slog.Int("annotations", e.Job.Annotations),
			slog.Int("pushed", e.Job.Pushed))
	case EventJobErrored:
		level = slog.LevelError
		attrs = append(attrs,
			slog.String("uri", e.Job.URI),
			slog.String("title", e.Job.Title),
			slog.String("error", e.Error))
	case EventSessionCompleted:
		attrs = append(attrs,
			slog.Int("new_documents", e.Report.NewDocuments),
			slog.Int("updated_documents", e.Report.UpdatedDocuments),
			slog.Int("annotations", e.Report.Annotations),
			slog.Int("errored", e.Report.Errored),
			slog.Int("pushed", e.Report.Pushed),
			slog.Duration("duration", e.Report.Finished.Sub(e.Report.Started)))
	case EventSessionFailed:
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", e.Error))
	}
	logger.LogAttrs(ctx, level, "sync: "+string(e.Type), attrs...)
}

// MultiReporter fans events out to several reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) Emit(ctx context.Context, e Event) {
	for _, r := range m {
		if r != nil {
			r.Emit(ctx, e)
		}
	}
}

// Publisher is the part of the SSE broker a BrokerReporter needs.
type Publisher interface {
	Publish(event sse.Event)
}

// BrokerReporter forwards events to connected SSE clients.
type BrokerReporter struct {
	Broker Publisher
}

func (r BrokerReporter) Emit(_ context.Context, e Event) {
	r.Broker.Publish(sse.Event{Type: string(e.Type), Data: e})
}

type nopReporter struct{}

func (nopReporter) Emit(context.Context, Event) {}
