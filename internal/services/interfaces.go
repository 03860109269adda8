package services

import (
	"context"

	"github.com/betomoedano/sketch-app/internal/models"
)

/*
LEARNING: GO INTERFACE BEST PRACTICE

"Accept interfaces, return structs"

Interfaces are defined where they are USED, not where implemented. The
element service only needs to hand accepted changes to someone; whether
that is an in-process fan-out or Redis is decided in main.
*/

// ChangePublisher delivers accepted changes to every connected replica.
type ChangePublisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}
