package api

import (
	"github.com/betomoedano/sketch-app/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware)          // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Canvas endpoints
	api.HandleFunc("/canvases/{id}", h.GetCanvas).Methods("GET")
	api.HandleFunc("/canvases/{id}/elements", h.ListElements).Methods("GET")
	api.HandleFunc("/canvases/{id}/changes", h.ListChanges).Methods("GET")
	api.HandleFunc("/canvases/{id}/render.png", h.RenderCanvas).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/canvas/{id}", h.HandleCanvasWebSocket)

	return r
}
