package syncer

import (
	"time"

	"github.com/starford/margin/internal/models"
)

// JobStatus is the lifecycle state of one document within a session.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobErrored   JobStatus = "errored"
)

// JobResult describes the processing of one document.
type JobResult struct {
	URI         string         `json:"uri"`
	Title       string         `json:"title"`
	Status      JobStatus      `json:"status"`
	Created     bool           `json:"created"`
	Annotations int            `json:"annotations"`
	Pushed      int            `json:"pushed"`
	PushFailed  int            `json:"push_failed"`
	States      map[string]int `json:"states,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Report summarizes a session. It is produced whenever the per-document
// loop starts, even if some documents failed.
type Report struct {
	SessionID        string      `json:"session_id"`
	Kind             Kind        `json:"kind"`
	Target           string      `json:"target,omitempty"`
	Started          time.Time   `json:"started"`
	Finished         time.Time   `json:"finished"`
	NewDocuments     int         `json:"new_documents"`
	UpdatedDocuments int         `json:"updated_documents"`
	Annotations      int         `json:"annotations"`
	Errored          int         `json:"errored"`
	Pushed           int         `json:"pushed"`
	PushFailed       int         `json:"push_failed"`
	Jobs             []JobResult `json:"jobs"`
}

// Succeeded returns the number of documents that completed.
func (r *Report) Succeeded() int {
	return len(r.Jobs) - r.Errored
}

func (r *Report) clone() *Report {
	if r == nil {
		return nil
	}
	out := *r
	out.Jobs = make([]JobResult, len(r.Jobs))
	copy(out.Jobs, r.Jobs)
	return &out
}

// Phase is the orchestrator's session state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseSyncing  Phase = "syncing"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Status is a point-in-time view of the orchestrator.
type Status struct {
	Phase   Phase   `json:"phase"`
	Current *Report `json:"current,omitempty"`
	Last    *Report `json:"last,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func histogram(counts map[models.State]int) map[string]int {
	out := make(map[string]int, len(counts))
	for s, n := range counts {
		out[s.String()] = n
	}
	return out
}
