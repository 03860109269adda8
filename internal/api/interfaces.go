package api

import (
	"context"

	"github.com/betomoedano/sketch-app/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.
The handler only declares the methods it calls, which keeps it testable with
small fakes and free of import cycles.
*/

// CanvasReader is what the REST handlers need from the element service.
type CanvasReader interface {
	Snapshot(ctx context.Context, canvasID string) ([]models.ElementState, uint64, error)
	ChangesSince(ctx context.Context, canvasID string, since uint64, limit int) ([]models.ChangeEvent, error)
	Stats(ctx context.Context, canvasID string) (elements int64, seq uint64, err error)
}

// PresenceReader lists who is connected to a canvas.
type PresenceReader interface {
	Presence(canvasID string) []models.Presence
}
