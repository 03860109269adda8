// Package wire defines the frames exchanged between sketch clients and the
// canvas server over a websocket, encoded as MessagePack.
package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/betomoedano/sketch-app/internal/models"
)

type FrameType string

const (
	// client -> server
	TypeWrite           FrameType = "write"
	TypeSnapshotRequest FrameType = "snapshot_request"
	TypePresence        FrameType = "presence"

	// server -> client
	TypeResult   FrameType = "result"
	TypeChange   FrameType = "change"
	TypeSnapshot FrameType = "snapshot"
	TypeLeave    FrameType = "leave"
	TypeError    FrameType = "error"
)

var ErrUnknownFrame = errors.New("unknown frame type")

// Frame is the single envelope for every message. Only the fields that
// belong to Type are set.
type Frame struct {
	Type      FrameType `json:"type" msgpack:"type"`
	RequestID string    `json:"request_id,omitempty" msgpack:"request_id,omitempty"`
	CanvasID  string    `json:"canvas_id,omitempty" msgpack:"canvas_id,omitempty"`

	Mutations []models.Mutation     `json:"mutations,omitempty" msgpack:"mutations,omitempty"`
	Results   []models.WriteResult  `json:"results,omitempty" msgpack:"results,omitempty"`
	Change    *models.ChangeEvent   `json:"change,omitempty" msgpack:"change,omitempty"`
	Elements  []models.ElementState `json:"elements,omitempty" msgpack:"elements,omitempty"`
	Seq       uint64                `json:"seq,omitempty" msgpack:"seq,omitempty"`
	Presence  *models.Presence      `json:"presence,omitempty" msgpack:"presence,omitempty"`
	Error     string                `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Encode marshals f. Nested model types are keyed by their json tags so the
// wire names match the REST API.
func Encode(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return buf.Bytes(), nil
}

// Decode unmarshals and checks a frame.
func Decode(data []byte) (*Frame, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that the payload required by Type is present.
func (f *Frame) Validate() error {
	switch f.Type {
	case TypeWrite:
		if len(f.Mutations) == 0 {
			return fmt.Errorf("write frame without mutations")
		}
	case TypeResult:
		if f.RequestID == "" {
			return fmt.Errorf("result frame without request id")
		}
	case TypeChange:
		if f.Change == nil {
			return fmt.Errorf("change frame without change")
		}
	case TypePresence, TypeLeave:
		if f.Presence == nil {
			return fmt.Errorf("%s frame without presence", f.Type)
		}
	case TypeSnapshotRequest, TypeSnapshot, TypeError:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
	return nil
}

func WriteFrame(requestID, canvasID string, muts []models.Mutation) *Frame {
	return &Frame{Type: TypeWrite, RequestID: requestID, CanvasID: canvasID, Mutations: muts}
}

func ResultFrame(requestID string, results []models.WriteResult) *Frame {
	return &Frame{Type: TypeResult, RequestID: requestID, Results: results}
}

func ChangeFrame(ev models.ChangeEvent) *Frame {
	return &Frame{Type: TypeChange, CanvasID: ev.CanvasID, Change: &ev, Seq: ev.Seq}
}

func SnapshotFrame(requestID, canvasID string, states []models.ElementState, seq uint64) *Frame {
	return &Frame{Type: TypeSnapshot, RequestID: requestID, CanvasID: canvasID, Elements: states, Seq: seq}
}

func ErrorFrame(requestID string, err error) *Frame {
	return &Frame{Type: TypeError, RequestID: requestID, Error: err.Error()}
}
