package models

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Kind is the shape variant of an element. It never changes after creation.
type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindCircle    Kind = "circle"
	KindTriangle  Kind = "triangle"
)

// DefaultColor is used when an element is created without a color.
const DefaultColor = "#1f77b4"

var (
	ErrInvalidElement = errors.New("invalid element")

	colorPattern = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)
)

// Valid reports whether k belongs to the closed set of shape kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRectangle, KindCircle, KindTriangle:
		return true
	}
	return false
}

// DefaultSize returns the width and height used when a style leaves them out.
func (k Kind) DefaultSize() (width, height float64) {
	switch k {
	case KindCircle:
		return 80, 80
	case KindTriangle:
		return 90, 80
	default:
		return 120, 80
	}
}

// Position is the top-left corner of an element's bounding box.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Style is the fully materialized visual style of an element.
type Style struct {
	Color  string  `json:"color"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// StyleInput is a partial style as supplied by a gesture.
// Nil sizes fall back to the kind defaults.
type StyleInput struct {
	Color  string
	Width  *float64
	Height *float64
}

// Element is one shape placed on the canvas.
// Learning: Elements are replaced, never mutated in place, so a copy handed
// to the renderer can't change underneath it.
type Element struct {
	ID        string   `json:"id"`
	Kind      Kind     `json:"kind"`
	Position  Position `json:"position"`
	Style     Style    `json:"style"`
	CreatedAt int64    `json:"created_at"` // unix nanos, tie-breaking only
}

// ElementState pairs an element with the server sequence that produced it.
type ElementState struct {
	Element Element `json:"element"`
	Seq     uint64  `json:"seq"`
}

// NewElementID returns a client-generated element id.
func NewElementID() string {
	return uuid.NewString()
}

// NewElement builds a fully materialized element with a fresh id.
func NewElement(kind Kind, pos Position, in StyleInput) (Element, error) {
	w, h := kind.DefaultSize()
	if in.Width != nil {
		w = *in.Width
	}
	if in.Height != nil {
		h = *in.Height
	}
	color := in.Color
	if color == "" {
		color = DefaultColor
	}

	el := Element{
		ID:        NewElementID(),
		Kind:      kind,
		Position:  pos,
		Style:     Style{Color: color, Width: w, Height: h},
		CreatedAt: time.Now().UnixNano(),
	}
	if err := el.Validate(); err != nil {
		return Element{}, err
	}
	return el, nil
}

// Validate checks that every field is present and well formed.
func (e *Element) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidElement)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidElement, e.Kind)
	}
	if err := e.Position.Validate(); err != nil {
		return err
	}
	if !finite(e.Style.Width) || !finite(e.Style.Height) || e.Style.Width <= 0 || e.Style.Height <= 0 {
		return fmt.Errorf("%w: size must be positive, got %vx%v", ErrInvalidElement, e.Style.Width, e.Style.Height)
	}
	return ValidateColor(e.Style.Color)
}

// Validate rejects NaN and infinite coordinates.
func (p Position) Validate() error {
	if !finite(p.X) || !finite(p.Y) {
		return fmt.Errorf("%w: non-finite position (%v, %v)", ErrInvalidElement, p.X, p.Y)
	}
	return nil
}

// ValidateColor accepts #rgb and #rrggbb hex colors.
func ValidateColor(c string) error {
	if !colorPattern.MatchString(c) {
		return fmt.Errorf("%w: bad color %q", ErrInvalidElement, c)
	}
	return nil
}

// Contains reports whether p falls inside the element's shape.
func (e *Element) Contains(p Position) bool {
	x := p.X - e.Position.X
	y := p.Y - e.Position.Y
	w, h := e.Style.Width, e.Style.Height
	if x < 0 || y < 0 || x > w || y > h {
		return false
	}

	switch e.Kind {
	case KindCircle:
		rx, ry := w/2, h/2
		dx, dy := (x-rx)/rx, (y-ry)/ry
		return dx*dx+dy*dy <= 1
	case KindTriangle:
		// apex at top center, base along the bottom edge
		half := (w / 2) * (y / h)
		return math.Abs(x-w/2) <= half
	default:
		return true
	}
}

// Center returns the middle of the bounding box.
func (e *Element) Center() Position {
	return Position{X: e.Position.X + e.Style.Width/2, Y: e.Position.Y + e.Style.Height/2}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
