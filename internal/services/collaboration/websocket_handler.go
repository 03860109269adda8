package collaboration

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/betomoedano/sketch-app/internal/middleware"
	"github.com/betomoedano/sketch-app/internal/wire"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.
CheckOrigin accepts everything: the sketch client is a native program,
not a browser page.
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler handles WebSocket connections for canvas collaboration
type WebSocketHandler struct {
	sessionManager *SessionManager
}

func NewWebSocketHandler(sessionManager *SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
	}
}

// HandleCanvasConnection serves /ws/canvas/{id}?client_id=&user_name=
func (h *WebSocketHandler) HandleCanvasConnection(w http.ResponseWriter, r *http.Request) {
	canvasID := mux.Vars(r)["id"]
	clientID := r.URL.Query().Get("client_id")
	userName := r.URL.Query().Get("user_name")

	if canvasID == "" || clientID == "" {
		http.Error(w, "canvas id and client_id are required", http.StatusBadRequest)
		return
	}
	if userName == "" {
		userName = "Anonymous"
	}

	// The request context ends when this handler returns; the pumps outlive it.
	ctx := context.WithoutCancel(r.Context())
	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("canvas.id", canvasID),
		attribute.String("client.id", clientID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := newSession(h.sessionManager, conn, canvasID, clientID, userName)
	h.sessionManager.Register(session)

	// Learning: Separate goroutines prevent deadlock between reading and writing
	go session.WritePump(ctx)
	go session.ReadPump(ctx)

	log.Printf("✓ WebSocket connection established for canvas %s (user: %s, client: %s)",
		canvasID, userName, clientID)
}

func errCanvasMismatch(got string) error {
	return fmt.Errorf("frame for canvas %q on a different canvas connection", got)
}

func errUnexpectedFrame(t wire.FrameType) error {
	return fmt.Errorf("%w: %q is not sent by clients", wire.ErrUnknownFrame, t)
}
