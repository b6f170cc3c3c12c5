package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/pinnote/internal/apperr"
	"github.com/starford/pinnote/internal/models"
	"github.com/starford/pinnote/internal/noteservice"
	"github.com/starford/pinnote/internal/search"
)

const maxBodyBytes = 1 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *noteservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service) *Handler {
	return &Handler{svc: svc}
}

// ListNotes handles GET /api/notes.
//
//	@Summary		List visible notes, newest first
//	@Tags			notes
//	@Produce		json
//	@Param			tag		query		string	false	"Filter by tag"
//	@Success		200		{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	notes := h.svc.ListVisible(r.Context())
	if tag := models.NormalizeTag(r.URL.Query().Get("tag")); tag != "" {
		filtered := notes[:0]
		for _, n := range notes {
			for _, t := range n.Tags {
				if t == tag {
					filtered = append(filtered, n)
					break
				}
			}
		}
		notes = filtered
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: len(notes)})
}

// GetNote handles GET /api/notes/{id}.
//
//	@Summary		Get a single note
//	@Tags			notes
//	@Produce		json
//	@Param			id	path		string	true	"Note id"
//	@Success		200	{object}	models.Note
//	@Failure		404	{object}	errResponse
//	@Failure		410	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	note, err := h.svc.GetNote(r.Context(), id)
	if err != nil {
		writeError(w, "get note", id, err)
		return
	}
	w.Header().Set("ETag", etag(note))
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
//
//	@Summary		Create a note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNoteRequest	true	"Note to create"
//	@Success		201		{object}	models.Note
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req CreateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	note, err := h.svc.CreateNote(r.Context(), req.ID, req.patch())
	if err != nil {
		writeError(w, "create note", req.ID, err)
		return
	}
	w.Header().Set("ETag", etag(note))
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PATCH /api/notes/{id}.
//
//	@Summary		Patch a note with optimistic concurrency
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			id			path	string				true	"Note id"
//	@Param			If-Match	header	string				false	"last_modified the client last saw"
//	@Param			body		body	UpdateNoteRequest	true	"Fields to change"
//	@Success		200		{object}	models.Note
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		410		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [patch]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	id := chi.URLParam(r, "id")

	var req UpdateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	var ifMatch int64
	if raw := strings.Trim(r.Header.Get("If-Match"), `"`); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("If-Match must be a last_modified value"))
			return
		}
		ifMatch = v
	}

	note, err := h.svc.UpdateNote(r.Context(), id, req.patch(), ifMatch)
	if err != nil {
		writeError(w, "update note", id, err)
		return
	}
	w.Header().Set("ETag", etag(note))
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{id}.
//
//	@Summary		Delete a note
//	@Tags			notes
//	@Param			id	path	string	true	"Note id"
//	@Success		204	"Note deleted"
//	@Failure		404	{object}	errResponse
//	@Failure		410	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [delete]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.DeleteNote(r.Context(), id); err != nil {
		writeError(w, "delete note", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search.
//
//	@Summary		Search notes by tags and content
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	false	"Search query"
//	@Param			content	query		bool	false	"Match content (default true)"
//	@Param			tags	query		bool	false	"Match tags (default true)"
//	@Param			case	query		bool	false	"Case sensitive"
//	@Param			exact	query		bool	false	"Exact tag match"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := search.DefaultOptions()

	var err error
	for _, p := range []struct {
		name string
		dst  *bool
	}{
		{"content", &opts.MatchContent},
		{"tags", &opts.MatchTags},
		{"case", &opts.CaseSensitive},
		{"exact", &opts.ExactMatch},
	} {
		if raw := q.Get(p.name); raw != "" {
			if *p.dst, err = strconv.ParseBool(raw); err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody("invalid boolean for "+p.name))
				return
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if opts.Limit, err = strconv.Atoi(raw); err != nil || opts.Limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a non-negative integer"))
			return
		}
	}

	query := q.Get("q")
	writeJSON(w, http.StatusOK, SearchResponse{
		Query:   query,
		Results: h.svc.Search(r.Context(), query, opts),
	})
}

// Reconcile handles POST /api/reconcile.
//
//	@Summary		Reload the durable store and rebuild the index
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	ReconcileResponse
//	@Failure		503	{object}	ReconcileResponse
//	@Security		BearerAuth
//	@Router			/reconcile [post]
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Reconcile(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ReconcileResponse{Status: "ok", Stats: h.svc.Stats()})
	case errors.Is(err, apperr.ErrUnavailable):
		// the index was rebuilt from the last good snapshot
		writeJSON(w, http.StatusServiceUnavailable, ReconcileResponse{
			Status: "degraded",
			Error:  err.Error(),
			Stats:  h.svc.Stats(),
		})
	default:
		writeError(w, "reconcile", "", err)
	}
}

// Stats handles GET /api/stats.
//
//	@Summary		Index, session and sync counters
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	noteservice.Stats
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

func etag(n models.Note) string {
	return `"` + strconv.FormatInt(n.LastModified, 10) + `"`
}
