package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: AUTHORITATIVE ELEMENT STORAGE

The server keeps two tables per canvas:

  elements  -> current state of every element (deleted ones become tombstones)
  changes   -> append-only log of accepted changes, ordered by seq

Flow:
  Client write → validate → merge into elements → seq++ → append change
  → broadcast change → clients reconcile

Tombstones keep deletes idempotent: deleting twice finds the tombstone and
does nothing.
*/

// ElementRecord is the stored authoritative state of one element.
type ElementRecord struct {
	CanvasID  string    `gorm:"type:varchar(64);primaryKey" json:"canvas_id"`
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Kind      Kind      `gorm:"type:varchar(16);not null" json:"kind"`
	X         float64   `gorm:"not null" json:"x"`
	Y         float64   `gorm:"not null" json:"y"`
	Color     string    `gorm:"type:varchar(16);not null" json:"color"`
	Width     float64   `gorm:"not null" json:"width"`
	Height    float64   `gorm:"not null" json:"height"`
	BornAt    int64     `gorm:"column:element_created_at;not null" json:"element_created_at"`
	Seq       uint64    `gorm:"not null;index" json:"seq"`
	BornSeq   uint64    `gorm:"column:created_seq;not null;default:0" json:"created_seq"` // orders the canvas
	Deleted   bool      `gorm:"not null;default:false" json:"deleted"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ElementRecord) TableName() string {
	return "elements"
}

// NewElementRecord converts a live element into its row.
func NewElementRecord(canvasID string, el *Element) *ElementRecord {
	return &ElementRecord{
		CanvasID: canvasID,
		ID:       el.ID,
		Kind:     el.Kind,
		X:        el.Position.X,
		Y:        el.Position.Y,
		Color:    el.Style.Color,
		Width:    el.Style.Width,
		Height:   el.Style.Height,
		BornAt:   el.CreatedAt,
	}
}

// Element materializes the row back into an element.
func (r *ElementRecord) Element() Element {
	return Element{
		ID:        r.ID,
		Kind:      r.Kind,
		Position:  Position{X: r.X, Y: r.Y},
		Style:     Style{Color: r.Color, Width: r.Width, Height: r.Height},
		CreatedAt: r.BornAt,
	}
}

// ChangeRecord stores a single accepted change
type ChangeRecord struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	CanvasID   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_canvas_seq" json:"canvas_id"`
	Seq        uint64    `gorm:"not null;uniqueIndex:idx_canvas_seq" json:"seq"`
	MutationID string    `gorm:"type:varchar(27);not null;uniqueIndex" json:"mutation_id"`
	ElementID  string    `gorm:"type:varchar(64);not null;index" json:"element_id"`
	Payload    []byte    `gorm:"not null" json:"-"` // msgpack encoded ChangeEvent
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate generates KSUID
func (c *ChangeRecord) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (ChangeRecord) TableName() string {
	return "changes"
}

// CanvasCursor holds the last seq handed out for a canvas.
type CanvasCursor struct {
	CanvasID  string    `gorm:"type:varchar(64);primaryKey" json:"canvas_id"`
	Seq       uint64    `gorm:"not null;default:0" json:"seq"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CanvasCursor) TableName() string {
	return "canvas_cursors"
}
