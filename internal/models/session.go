package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active WebSocket connection to a canvas
type Session struct {
	ID           string    `json:"id"`
	CanvasID     string    `json:"canvas_id"`
	ClientID     string    `json:"client_id"`
	UserName     string    `json:"user_name"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Presence represents what a user is doing right now (selection, drag).
// Learning: This is separate from canvas content - it's ephemeral user state
// and is never written to the database
type Presence struct {
	ClientID string    `json:"client_id"`
	UserName string    `json:"user_name,omitempty"`
	Color    string    `json:"color,omitempty"` // Hex color for the remote cursor
	Selected string    `json:"selected,omitempty"`
	Dragging string    `json:"dragging,omitempty"`
	Cursor   *Position `json:"cursor,omitempty"`
}

func NewSession(canvasID, clientID, userName string) *Session {
	return &Session{
		ID:           ksuid.New().String(),
		CanvasID:     canvasID,
		ClientID:     clientID,
		UserName:     userName,
		ConnectedAt:  time.Now(),
		LastActiveAt: time.Now(),
	}
}
