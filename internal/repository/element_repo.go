package repository

import (
	"context"
	"fmt"

	"github.com/betomoedano/sketch-app/internal/models"

	"gorm.io/gorm"
)

// ElementRepositoryImpl stores the authoritative state of canvas elements.
// Learning: This is the IMPLEMENTATION. It doesn't know about any interface.
// The services package declares the interface it needs.
type ElementRepositoryImpl struct {
	db *gorm.DB
}

// NewElementRepository returns the concrete type - "Accept interfaces, return structs"
func NewElementRepository(db *gorm.DB) *ElementRepositoryImpl {
	return &ElementRepositoryImpl{db: db}
}

// Get returns the row for id, tombstones included, or nil if the id was never seen.
func (r *ElementRepositoryImpl) Get(ctx context.Context, canvasID, id string) (*models.ElementRecord, error) {
	var rec models.ElementRecord

	result := r.db.WithContext(ctx).
		Where("canvas_id = ? AND id = ?", canvasID, id).
		Limit(1).
		Find(&rec)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get element: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	return &rec, nil
}

// Save inserts or fully overwrites a row.
// Learning: GORM's Save() writes every column, zero values included, which
// is what a tombstone (Deleted=true, everything else unchanged) needs.
func (r *ElementRepositoryImpl) Save(ctx context.Context, rec *models.ElementRecord) error {
	if err := r.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save element %s: %w", rec.ID, err)
	}
	return nil
}

// ListLive returns the non-deleted elements of a canvas in creation order.
func (r *ElementRepositoryImpl) ListLive(ctx context.Context, canvasID string) ([]*models.ElementRecord, error) {
	var recs []*models.ElementRecord

	err := r.db.WithContext(ctx).
		Where("canvas_id = ? AND deleted = ?", canvasID, false).
		Order("created_seq ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list elements: %w", err)
	}

	return recs, nil
}

// CountLive returns the number of live elements on a canvas.
func (r *ElementRepositoryImpl) CountLive(ctx context.Context, canvasID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ElementRecord{}).
		Where("canvas_id = ? AND deleted = ?", canvasID, false).
		Count(&count).Error
	return count, err
}
