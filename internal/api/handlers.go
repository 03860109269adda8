package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/betomoedano/sketch-app/internal/middleware"
	"github.com/betomoedano/sketch-app/internal/models"
	"github.com/betomoedano/sketch-app/internal/render"
	"github.com/betomoedano/sketch-app/internal/services"
	"github.com/betomoedano/sketch-app/internal/services/collaboration"

	"github.com/gorilla/mux"
)

const (
	defaultChangeLimit = 500
	maxChangeLimit     = 5000
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	canvases  CanvasReader
	presence  PresenceReader
	wsHandler *collaboration.WebSocketHandler
}

func NewHandler(canvases CanvasReader, presence PresenceReader, wsHandler *collaboration.WebSocketHandler) *Handler {
	return &Handler{
		canvases:  canvases,
		presence:  presence,
		wsHandler: wsHandler,
	}
}

// Canvas handlers

func (h *Handler) GetCanvas(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	elements, seq, err := h.canvases.Stats(r.Context(), id)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var online []models.Presence
	if h.presence != nil {
		online = h.presence.Presence(id)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       id,
		"elements": elements,
		"seq":      seq,
		"online":   online,
	})
}

func (h *Handler) ListElements(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	states, seq, err := h.canvases.Snapshot(r.Context(), id)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if states == nil {
		states = []models.ElementState{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"canvas_id": id,
		"seq":       seq,
		"elements":  states,
	})
}

func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	since, err := queryUint(r, "since", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryUint(r, "limit", defaultChangeLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit == 0 || limit > maxChangeLimit {
		limit = maxChangeLimit
	}

	changes, err := h.canvases.ChangesSince(r.Context(), id, since, int(limit))
	if errors.Is(err, services.ErrChangesCompacted) {
		// The caller has to start over from /elements
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if changes == nil {
		changes = []models.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"canvas_id": id,
		"since":     since,
		"changes":   changes,
	})
}

// RenderCanvas draws the live elements as a PNG.
func (h *Handler) RenderCanvas(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	states, _, err := h.canvases.Snapshot(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	elements := make([]models.Element, len(states))
	for i, s := range states {
		elements[i] = s.Element
	}

	opts := render.DefaultOptions()
	opts.Selected = r.URL.Query().Get("selected")
	w.Header().Set("Content-Type", "image/png")
	if err := render.WritePNG(w, elements, opts); err != nil {
		middleware.AddSpanError(r.Context(), err)
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WebSocket endpoints

func (h *Handler) HandleCanvasWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleCanvasConnection(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryUint(r *http.Request, key string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}
