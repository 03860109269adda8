package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/betomoedano/sketch-app/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"gorm.io/gorm"
)

/*
LEARNING: CHANGE LOG PERSISTENCE

Every accepted change is appended with its canvas seq. That gives:
1. Clients that were away a cheap catch-up (changes since N)
2. Idempotent writes: a mutation id that is already logged is a replay
3. An audit trail of who wrote what, in server order

Query patterns:
- Append: one row per accepted change
- FindByMutation: replay detection
- Since: incremental sync
- DeleteOld: bound the log per canvas
*/

// ChangeRepositoryImpl handles the per-canvas change log
type ChangeRepositoryImpl struct {
	db *gorm.DB
}

func NewChangeRepository(db *gorm.DB) *ChangeRepositoryImpl {
	return &ChangeRepositoryImpl{db: db}
}

// Append logs an accepted change
func (r *ChangeRepositoryImpl) Append(ctx context.Context, ev *models.ChangeEvent) error {
	payload, err := encodeChange(ev)
	if err != nil {
		return err
	}

	rec := &models.ChangeRecord{
		CanvasID:   ev.CanvasID,
		Seq:        ev.Seq,
		MutationID: ev.MutationID,
		ElementID:  ev.ElementID,
		Payload:    payload,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}

	return nil
}

// FindByMutation returns the change a mutation produced, or nil if it was
// never applied (or has been compacted away).
func (r *ChangeRepositoryImpl) FindByMutation(ctx context.Context, mutationID string) (*models.ChangeEvent, error) {
	var rec models.ChangeRecord

	// Find instead of First: a miss is the common case and not worth a log line
	result := r.db.WithContext(ctx).
		Where("mutation_id = ?", mutationID).
		Limit(1).
		Find(&rec)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find change: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	return decodeChange(rec.Payload)
}

// Since returns changes with seq > after in seq order
// Used for incremental sync
func (r *ChangeRepositoryImpl) Since(ctx context.Context, canvasID string, after uint64, limit int) ([]models.ChangeEvent, error) {
	var recs []*models.ChangeRecord

	q := r.db.WithContext(ctx).
		Where("canvas_id = ? AND seq > ?", canvasID, after).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to get changes: %w", err)
	}

	out := make([]models.ChangeEvent, 0, len(recs))
	for _, rec := range recs {
		ev, err := decodeChange(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", rec.Seq, err)
		}
		out = append(out, *ev)
	}

	return out, nil
}

// OldestSeq returns the smallest seq still logged for the canvas, 0 if none.
func (r *ChangeRepositoryImpl) OldestSeq(ctx context.Context, canvasID string) (uint64, error) {
	var rec models.ChangeRecord

	err := r.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Order("seq ASC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get oldest change: %w", err)
	}

	return rec.Seq, nil
}

// DeleteOld keeps only the newest keepCount changes of a canvas
// Call periodically to prevent unbounded growth
func (r *ChangeRepositoryImpl) DeleteOld(ctx context.Context, canvasID string, keepCount int) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.ChangeRecord{}).
		Where("canvas_id = ?", canvasID).
		Count(&count).Error; err != nil {
		return 0, err
	}

	if count <= int64(keepCount) {
		return 0, nil // Nothing to delete
	}

	// Find the oldest change that stays
	var cutoff models.ChangeRecord
	if err := r.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Order("seq ASC").
		Offset(int(count - int64(keepCount))).
		First(&cutoff).Error; err != nil {
		return 0, err
	}

	result := r.db.WithContext(ctx).
		Where("canvas_id = ? AND seq < ?", canvasID, cutoff.Seq).
		Delete(&models.ChangeRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old changes: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// encodeChange uses the json field names so stored payloads read the same
// as the wire format.
func encodeChange(ev *models.ChangeEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(ev); err != nil {
		return nil, fmt.Errorf("failed to encode change: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeChange(data []byte) (*models.ChangeEvent, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")

	var ev models.ChangeEvent
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("failed to decode change: %w", err)
	}
	return &ev, nil
}
