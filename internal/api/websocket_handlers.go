package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleTabWebSocket streams views of one tab and accepts edits for it
func (h *Handler) HandleTabWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleTabConnection(w, r)
}
