package models

import (
	"errors"
	"fmt"
)

// ErrMalformedEvent marks remote changes that can't be applied.
var ErrMalformedEvent = errors.New("malformed change event")

// ChangeEvent is one accepted change broadcast by the backing store.
type ChangeEvent struct {
	CanvasID   string     `json:"canvas_id"`
	ElementID  string     `json:"element_id"`
	Kind       Kind       `json:"kind"`
	Fields     FieldGroup `json:"fields"`
	Element    *Element   `json:"element,omitempty"` // new value, nil when deleted
	Deleted    bool       `json:"deleted"`
	Seq        uint64     `json:"seq"` // server-assigned, per canvas
	Clock      uint64     `json:"clock"`
	ClientID   string     `json:"client_id"`
	MutationID string     `json:"mutation_id,omitempty"`
}

// WriteTime is the logical time of the write that produced the event.
func (e *ChangeEvent) WriteTime() WriteTime {
	return WriteTime{Clock: e.Clock, ClientID: e.ClientID}
}

// Validate rejects events that would leave a partially specified element.
func (e *ChangeEvent) Validate() error {
	if e.ElementID == "" {
		return fmt.Errorf("%w: missing element id", ErrMalformedEvent)
	}
	if e.Fields == 0 {
		return fmt.Errorf("%w: no fields for %s", ErrMalformedEvent, e.ElementID)
	}
	if e.Deleted {
		return nil
	}
	if e.Element == nil {
		return fmt.Errorf("%w: missing value for %s", ErrMalformedEvent, e.ElementID)
	}
	if e.Element.ID != e.ElementID {
		return fmt.Errorf("%w: id mismatch %q != %q", ErrMalformedEvent, e.Element.ID, e.ElementID)
	}
	if err := e.Element.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.Kind != "" && e.Kind != e.Element.Kind {
		return fmt.Errorf("%w: kind %q does not match element kind %q", ErrMalformedEvent, e.Kind, e.Element.Kind)
	}
	return nil
}

// ChangeFromMutation describes the accepted effect of m at seq.
// el is the post-merge element, nil for deletions.
func ChangeFromMutation(canvasID string, m *Mutation, el *Element, seq uint64) ChangeEvent {
	ev := ChangeEvent{
		CanvasID:   canvasID,
		ElementID:  m.ElementID,
		Fields:     m.Groups(),
		Seq:        seq,
		Clock:      m.Clock,
		ClientID:   m.ClientID,
		MutationID: m.ID,
	}
	if el == nil {
		ev.Deleted = true
		return ev
	}
	cp := *el
	ev.Element = &cp
	ev.Kind = el.Kind
	return ev
}

type WriteStatus string

const (
	WriteAccepted WriteStatus = "accepted"
	WriteRejected WriteStatus = "rejected"
)

// WriteResult is the backing store's verdict on one mutation.
// Accepted results carry the authoritative state of the element after the merge.
type WriteResult struct {
	MutationID string      `json:"mutation_id"`
	LocalSeq   uint64      `json:"local_seq"`
	Status     WriteStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	Seq        uint64      `json:"seq"`
	Element    *Element    `json:"element,omitempty"`
	Deleted    bool        `json:"deleted"`
}

func (r *WriteResult) Accepted() bool {
	return r.Status == WriteAccepted
}

// AsChange turns an accepted result into a full-state change for reconciliation.
func (r *WriteResult) AsChange(canvasID, elementID string) ChangeEvent {
	ev := ChangeEvent{
		CanvasID:   canvasID,
		ElementID:  elementID,
		Fields:     GroupAll,
		Seq:        r.Seq,
		MutationID: r.MutationID,
		Deleted:    r.Deleted,
	}
	if r.Element != nil && !r.Deleted {
		cp := *r.Element
		ev.Element = &cp
		ev.Kind = cp.Kind
	}
	return ev
}
