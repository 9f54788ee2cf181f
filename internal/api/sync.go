package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/starford/margin/internal/apperr"
	"github.com/starford/margin/internal/syncer"
)

// Syncer runs synchronization sessions.
type Syncer interface {
	StartSync(ctx context.Context, uri string) (*syncer.Report, error)
	SyncModified(ctx context.Context) (*syncer.Report, error)
	Status() syncer.Status
}

// StartSync handles POST /api/sync.
//
// The session runs in the background and progress is streamed over /events.
// With ?wait=true the request blocks until the session ends and returns its
// report.
//
//	@Summary		Start a synchronization session
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Param			uri		query		string		false	"Only synchronize this source"
//	@Param			wait	query		bool		false	"Block until the session finishes"
//	@Param			body	body		SyncRequest	false	"Optional target"
//	@Success		200		{object}	syncer.Report
//	@Success		202		{object}	SyncAccepted
//	@Failure		409		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync [post]
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req SyncRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
			return
		}
	}
	if uri := r.URL.Query().Get("uri"); uri != "" {
		req.URI = uri
	}

	kind := syncer.KindFull
	if req.URI != "" {
		kind = syncer.KindURI
	}
	h.run(w, r, kind, req.URI, func(ctx context.Context) (*syncer.Report, error) {
		return h.sync.StartSync(ctx, req.URI)
	})
}

// SyncLocal handles POST /api/sync/local.
//
//	@Summary		Synchronize documents edited in the vault
//	@Tags			sync
//	@Produce		json
//	@Param			wait	query		bool	false	"Block until the session finishes"
//	@Success		200		{object}	syncer.Report
//	@Success		202		{object}	SyncAccepted
//	@Failure		409		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync/local [post]
func (h *Handler) SyncLocal(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, syncer.KindLocal, "", h.sync.SyncModified)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, kind syncer.Kind, target string, session func(context.Context) (*syncer.Report, error)) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		report, err := session(r.Context())
		if err != nil {
			writeSyncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if h.sync.Status().Phase == syncer.PhaseSyncing {
		writeJSON(w, http.StatusConflict, errorBody(apperr.ErrSessionRunning.Error()))
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := session(ctx); err != nil && !errors.Is(err, apperr.ErrSessionRunning) {
			slog.Error("background sync failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		}
	}()
	writeJSON(w, http.StatusAccepted, SyncAccepted{Status: "started", Kind: string(kind), Target: target})
}

func writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrSessionRunning):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrUnauthorized):
		writeJSON(w, http.StatusBadGateway, errorBody("annotation service rejected the credentials"))
	default:
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
	}
}

// Status handles GET /api/status.
//
//	@Summary		Current session state, watermark and totals
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: h.sync.Status()}

	last, err := h.state.LastSync(r.Context())
	if err != nil {
		slog.Error("read last sync failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if !last.IsZero() {
		resp.LastSync = &last
	}
	if resp.Totals, err = h.state.Totals(r.Context()); err != nil {
		slog.Error("read totals failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if resp.States, err = h.state.StateCounts(); err != nil {
		slog.Error("read state counts failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Sessions handles GET /api/sessions.
//
//	@Summary		Recent session reports, newest first
//	@Tags			sync
//	@Produce		json
//	@Param			limit	query		int	false	"Max sessions"
//	@Success		200		{object}	SessionsResponse
//	@Security		BearerAuth
//	@Router			/sessions [get]
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	sessions, err := h.state.Sessions(r.Context(), limit)
	if err != nil {
		slog.Error("list sessions failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if sessions == nil {
		sessions = []syncer.Report{}
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

// ListGroups handles GET /api/groups.
//
//	@Summary		Groups seen on the annotation service
//	@Tags			groups
//	@Produce		json
//	@Success		200	{object}	GroupsResponse
//	@Security		BearerAuth
//	@Router			/groups [get]
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.state.Groups(r.Context())
	if err != nil {
		slog.Error("list groups failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, GroupsResponse{Groups: groups})
}

// SelectGroup handles PUT /api/groups/{id}.
//
//	@Summary		Include or exclude a group from synchronization
//	@Tags			groups
//	@Accept			json
//	@Param			id		path	string				true	"Group id"
//	@Param			body	body	SelectGroupRequest	true	"Selection"
//	@Success		204
//	@Failure		400	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/groups/{id} [put]
func (h *Handler) SelectGroup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	id := chi.URLParam(r, "id")
	var req SelectGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := h.state.SetGroupSelected(r.Context(), id, req.Selected); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("select group failed", slog.String("group", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
