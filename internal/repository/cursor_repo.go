package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/betomoedano/sketch-app/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CursorRepositoryImpl hands out the per-canvas change sequence.
type CursorRepositoryImpl struct {
	db *gorm.DB
}

func NewCursorRepository(db *gorm.DB) *CursorRepositoryImpl {
	return &CursorRepositoryImpl{db: db}
}

// Lock makes sure the canvas has a cursor row and takes its row lock by
// touching it, so concurrent writers to one canvas serialize. It returns
// the current seq. Must run inside a transaction.
func (r *CursorRepositoryImpl) Lock(ctx context.Context, canvasID string) (uint64, error) {
	db := r.db.WithContext(ctx)

	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.CanvasCursor{CanvasID: canvasID}).Error
	if err != nil {
		return 0, fmt.Errorf("failed to create cursor: %w", err)
	}

	err = db.Model(&models.CanvasCursor{}).
		Where("canvas_id = ?", canvasID).
		UpdateColumn("updated_at", time.Now()).Error
	if err != nil {
		return 0, fmt.Errorf("failed to lock cursor: %w", err)
	}

	return r.Current(ctx, canvasID)
}

// Advance increments the canvas seq and returns the new value.
func (r *CursorRepositoryImpl) Advance(ctx context.Context, canvasID string) (uint64, error) {
	err := r.db.WithContext(ctx).
		Model(&models.CanvasCursor{}).
		Where("canvas_id = ?", canvasID).
		UpdateColumn("seq", gorm.Expr("seq + ?", 1)).Error
	if err != nil {
		return 0, fmt.Errorf("failed to advance cursor: %w", err)
	}
	return r.Current(ctx, canvasID)
}

// Current returns the last seq handed out, 0 for an unknown canvas.
func (r *CursorRepositoryImpl) Current(ctx context.Context, canvasID string) (uint64, error) {
	var cur models.CanvasCursor
	err := r.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Limit(1).
		Find(&cur).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return cur.Seq, nil
}

// Canvases lists every canvas that has ever been written to.
func (r *CursorRepositoryImpl) Canvases(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.CanvasCursor{}).
		Order("canvas_id ASC").
		Pluck("canvas_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list canvases: %w", err)
	}
	return ids, nil
}
