package models

import (
	"fmt"
	"strings"

	"github.com/segmentio/ksuid"
)

/*
LEARNING: FIELD GROUPS AND LAST-WRITER-WINS

An element is split into independently versioned field groups:

	existence -> created / deleted
	position  -> x, y
	style     -> color (and size)

Two concurrent writes only conflict when their groups intersect, so a
recolor from one client never fights with a drag from another client.
Deletion touches existence, which intersects everything.
*/

// FieldGroup is a bit set of the parts of an element a change writes.
type FieldGroup uint8

const (
	GroupExistence FieldGroup = 1 << iota
	GroupPosition
	GroupStyle

	GroupAll = GroupExistence | GroupPosition | GroupStyle
)

// Intersects treats existence as overlapping every group.
func (g FieldGroup) Intersects(other FieldGroup) bool {
	if g == 0 || other == 0 {
		return false
	}
	if g&GroupExistence != 0 || other&GroupExistence != 0 {
		return true
	}
	return g&other != 0
}

func (g FieldGroup) String() string {
	var parts []string
	if g&GroupExistence != 0 {
		parts = append(parts, "existence")
	}
	if g&GroupPosition != 0 {
		parts = append(parts, "position")
	}
	if g&GroupStyle != 0 {
		parts = append(parts, "style")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

type MutationType string

const (
	MutationCreate  MutationType = "create"
	MutationMove    MutationType = "move"
	MutationRecolor MutationType = "recolor"
	MutationDelete  MutationType = "delete"
)

// Mutation is one local edit of one element.
type Mutation struct {
	ID        string       `json:"id"` // KSUID, idempotency key on the server
	Type      MutationType `json:"type"`
	ElementID string       `json:"element_id"`
	ClientID  string       `json:"client_id"`
	LocalSeq  uint64       `json:"local_seq"`
	Clock     uint64       `json:"clock"` // Lamport write-time

	Element  *Element  `json:"element,omitempty"`  // create
	Position *Position `json:"position,omitempty"` // move
	Color    string    `json:"color,omitempty"`    // recolor
}

// NewMutationID returns a time-ordered mutation id.
func NewMutationID() string {
	return ksuid.New().String()
}

// CreateMutation builds a create for a materialized element.
func CreateMutation(el Element) Mutation {
	return Mutation{Type: MutationCreate, ElementID: el.ID, Element: &el}
}

func MoveMutation(id string, pos Position) Mutation {
	return Mutation{Type: MutationMove, ElementID: id, Position: &pos}
}

func RecolorMutation(id, color string) Mutation {
	return Mutation{Type: MutationRecolor, ElementID: id, Color: color}
}

func DeleteMutation(id string) Mutation {
	return Mutation{Type: MutationDelete, ElementID: id}
}

// Groups returns the field groups written by m.
func (m *Mutation) Groups() FieldGroup {
	switch m.Type {
	case MutationCreate:
		return GroupAll
	case MutationMove:
		return GroupPosition
	case MutationRecolor:
		return GroupStyle
	case MutationDelete:
		return GroupExistence
	}
	return 0
}

// WriteTime is the logical time at which m was issued.
func (m *Mutation) WriteTime() WriteTime {
	return WriteTime{Clock: m.Clock, ClientID: m.ClientID}
}

// ValidateMutation checks that the payload matches the mutation type.
func ValidateMutation(m *Mutation) error {
	if m.ElementID == "" {
		return fmt.Errorf("%w: mutation without element id", ErrInvalidElement)
	}

	switch m.Type {
	case MutationCreate:
		if m.Element == nil {
			return fmt.Errorf("%w: create without element", ErrInvalidElement)
		}
		if m.Element.ID != m.ElementID {
			return fmt.Errorf("%w: create id mismatch %q != %q", ErrInvalidElement, m.Element.ID, m.ElementID)
		}
		return m.Element.Validate()
	case MutationMove:
		if m.Position == nil {
			return fmt.Errorf("%w: move without position", ErrInvalidElement)
		}
		return m.Position.Validate()
	case MutationRecolor:
		return ValidateColor(m.Color)
	case MutationDelete:
		return nil
	}
	return fmt.Errorf("%w: unknown mutation type %q", ErrInvalidElement, m.Type)
}

// WriteTime orders writes by Lamport clock, then client id.
type WriteTime struct {
	Clock    uint64 `json:"clock"`
	ClientID string `json:"client_id"`
}

// After reports whether t is strictly newer than other.
func (t WriteTime) After(other WriteTime) bool {
	if t.Clock != other.Clock {
		return t.Clock > other.Clock
	}
	return t.ClientID > other.ClientID
}
