package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"docsync/internal/crdt"
	"docsync/internal/models"
	"docsync/internal/services/collaboration"
	"docsync/internal/storage"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
type Handler struct {
	tabs      TabService
	wsHandler *collaboration.WebSocketHandler
}

func NewHandler(tabs TabService, wsHandler *collaboration.WebSocketHandler) *Handler {
	return &Handler{
		tabs:      tabs,
		wsHandler: wsHandler,
	}
}

// TabResponse is returned by every endpoint that reports on one tab
type TabResponse struct {
	Tab  models.Tab  `json:"tab"`
	View models.View `json:"view"`
}

type createTabRequest struct {
	Participant *models.Participant `json:"participant,omitempty"`
}

type setTextRequest struct {
	Text string `json:"text"`
}

type insertRequest struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type deleteRequest struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// Tab handlers

func (h *Handler) CreateTab(w http.ResponseWriter, r *http.Request) {
	var req createTabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var opts []collaboration.TabOption
	if req.Participant != nil {
		opts = append(opts, collaboration.WithParticipant(*req.Participant))
	}

	tab, err := h.tabs.Open(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TabResponse{Tab: tab.Info(), View: tab.View()})
}

func (h *Handler) ListTabs(w http.ResponseWriter, r *http.Request) {
	tabs := h.tabs.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tabs":  tabs,
		"count": len(tabs),
	})
}

func (h *Handler) GetTab(w http.ResponseWriter, r *http.Request) {
	tab, err := h.tabs.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TabResponse{Tab: tab.Info(), View: tab.View()})
}

func (h *Handler) SetText(w http.ResponseWriter, r *http.Request) {
	var req setTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.editTab(w, r, func(tab *collaboration.Tab) error {
		return tab.SetText(r.Context(), req.Text)
	})
}

func (h *Handler) InsertText(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.editTab(w, r, func(tab *collaboration.Tab) error {
		return tab.Insert(r.Context(), req.Index, req.Text)
	})
}

func (h *Handler) DeleteText(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.editTab(w, r, func(tab *collaboration.Tab) error {
		return tab.Delete(r.Context(), req.Index, req.Length)
	})
}

func (h *Handler) editTab(w http.ResponseWriter, r *http.Request, edit func(*collaboration.Tab) error) {
	tab, err := h.tabs.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := edit(tab); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TabResponse{Tab: tab.Info(), View: tab.View()})
}

func (h *Handler) CloseTab(w http.ResponseWriter, r *http.Request) {
	if err := h.tabs.Close(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"tabs":   len(h.tabs.List()),
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, collaboration.ErrTabNotFound):
		return http.StatusNotFound
	case errors.Is(err, collaboration.ErrTabClosed):
		return http.StatusGone
	case errors.Is(err, crdt.ErrOutOfRange), errors.Is(err, models.ErrInvalidParticipant):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
