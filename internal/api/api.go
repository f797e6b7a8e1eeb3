// Package api serves read-only queries over persisted transcription sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/sessionstore"
)

// SessionReader is the read side of the session store.
type SessionReader interface {
	Get(ctx context.Context, id string) (sessionstore.Session, error)
	List(ctx context.Context, offset, limit int) ([]sessionstore.Session, error)
}

type Handler struct {
	store SessionReader
	log   *slog.Logger
}

func New(store SessionReader, log *slog.Logger) *Handler {
	return &Handler{store: store, log: log.With(slog.String("component", "api"))}
}

// Mount registers the root banner and the session routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.handleRoot)
	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
	})
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Real-Time Transcription API is running"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offsetParam := "offset"
	if q.Get(offsetParam) == "" && q.Get("skip") != "" {
		offsetParam = "skip"
	}
	offset, err := queryInt(q.Get(offsetParam), 0)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, offsetParam+" must be a non-negative integer")
		return
	}
	limit, err := queryInt(q.Get("limit"), sessionstore.DefaultListLimit)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "limit must be a non-negative integer")
		return
	}

	sessions, err := h.store.List(r.Context(), offset, limit)
	if err != nil {
		if errors.Is(err, sessionstore.ErrInvalidArgument) {
			writeDetail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.log.Error("list sessions failed", slogError(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewSessionSummaries(sessions))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "session id must be a UUID")
		return
	}

	sess, err := h.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, sessionstore.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	case err != nil:
		h.log.Error("get session failed", slog.String("session_id", id), slogError(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewSessionDetail(sess))
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("negative value")
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
