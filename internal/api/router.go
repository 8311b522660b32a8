package api

import (
	"net/http"

	"docsync/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Tab endpoints
	api.HandleFunc("/tabs", h.CreateTab).Methods("POST")
	api.HandleFunc("/tabs", h.ListTabs).Methods("GET")
	api.HandleFunc("/tabs/{id}", h.GetTab).Methods("GET")
	api.HandleFunc("/tabs/{id}", h.CloseTab).Methods("DELETE")

	// Editing
	api.HandleFunc("/tabs/{id}/text", h.SetText).Methods("PUT")
	api.HandleFunc("/tabs/{id}/insert", h.InsertText).Methods("POST")
	api.HandleFunc("/tabs/{id}/delete", h.DeleteText).Methods("POST")

	api.HandleFunc("/health", h.Health).Methods("GET")

	// Preflights only need a matching route; CORSMiddleware answers them
	api.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	// WebSocket routes
	r.HandleFunc("/ws/tabs/{id}", h.HandleTabWebSocket)

	return r
}
