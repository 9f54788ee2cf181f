package api

import (
	"time"

	"github.com/starford/margin/internal/docservice"
	"github.com/starford/margin/internal/index"
	"github.com/starford/margin/internal/models"
	"github.com/starford/margin/internal/syncer"
)

// UpdateDocumentRequest is the request body for editing a document.
type UpdateDocumentRequest struct {
	Content string `json:"content" example:"---\ndoc_type: hypothesis-highlights\n..." validate:"required"`
}

// SyncRequest is the optional request body of POST /sync.
type SyncRequest struct {
	URI string `json:"uri,omitempty" example:"https://example.com/post"`
}

// SelectGroupRequest is the request body for toggling a group.
type SelectGroupRequest struct {
	Selected bool `json:"selected" example:"true"`
}

// DocumentDetail is the full document response type (aliased from the domain layer).
type DocumentDetail = docservice.DocumentDetail

// DocumentListItem is a lightweight item in a list response (aliased from the domain layer).
type DocumentListItem = docservice.DocumentListItem

// DocumentListResponse wraps paginated document listings.
type DocumentListResponse struct {
	Documents []DocumentListItem `json:"documents" validate:"required"`
	Total     int                `json:"total" example:"42" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []index.SearchResult `json:"results" validate:"required"`
}

// SyncAccepted is returned when a session was started in the background.
type SyncAccepted struct {
	Status string `json:"status" example:"started"`
	Kind   string `json:"kind" example:"full"`
	Target string `json:"target,omitempty"`
}

// StatusResponse combines the live orchestrator state with stored history.
type StatusResponse struct {
	syncer.Status
	LastSync *time.Time     `json:"last_sync,omitempty"`
	Totals   index.Totals   `json:"totals"`
	States   map[string]int `json:"states"`
}

// SessionsResponse wraps the session history.
type SessionsResponse struct {
	Sessions []syncer.Report `json:"sessions" validate:"required"`
}

// GroupsResponse wraps the known groups.
type GroupsResponse struct {
	Groups []models.Group `json:"groups" validate:"required"`
}
