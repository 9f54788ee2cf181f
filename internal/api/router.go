package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/margin/internal/docservice"
	"github.com/starford/margin/internal/index"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(docs *docservice.Service, sync Syncer, state index.Index, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(docs, sync, state)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Documents.
	r.Get("/documents", h.ListDocuments)
	r.Get("/documents/*", h.GetDocument)
	r.Put("/documents/*", h.UpdateDocument)

	r.Get("/search", h.Search)

	// Sessions.
	r.Post("/sync", h.StartSync)
	r.Post("/sync/local", h.SyncLocal)
	r.Get("/status", h.Status)
	r.Get("/sessions", h.Sessions)

	r.Get("/groups", h.ListGroups)
	r.Put("/groups/{id}", h.SelectGroup)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
