package canvas

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/betomoedano/sketch-app/internal/models"
)

// Editor is what an EditorSession needs from the element store.
type Editor interface {
	Add(kind models.Kind, pos models.Position, style models.StyleInput) (models.Element, error)
	Recolor(id, color string) error
	Delete(id string) error
	Clear() int
	BeginDrag(id string) error
	DragTo(pos models.Position) error
	EndDrag() error
	CancelDrag()
	Snapshot() Snapshot
}

// PresenceSink receives ephemeral presence updates for other clients.
type PresenceSink interface {
	SendPresence(p models.Presence) error
}

// Tool is the active tool: select, or one shape kind to place.
type Tool string

const ToolSelect Tool = "select"

// ShapeTool returns the placement tool for kind.
func ShapeTool(kind models.Kind) Tool {
	return Tool(kind)
}

// Kind returns the shape placed by t, if it is a shape tool.
func (t Tool) Kind() (models.Kind, bool) {
	k := models.Kind(t)
	return k, k.Valid()
}

// EditorSession holds the UI state of one user (tool, color, selection)
// and turns gestures into store operations. Safe for concurrent use.
type EditorSession struct {
	editor   Editor
	presence PresenceSink
	clientID string
	userName string

	// presence updates during a drag are throttled to this interval
	PresenceInterval time.Duration

	mu           sync.Mutex
	tool         Tool
	color        string
	selected     string
	lastPresence time.Time
}

func NewEditorSession(editor Editor, clientID, userName string) *EditorSession {
	return &EditorSession{
		editor:           editor,
		clientID:         clientID,
		userName:         userName,
		PresenceInterval: 50 * time.Millisecond,
		tool:             ToolSelect,
		color:            models.DefaultColor,
	}
}

// SetPresenceSink attaches a sink for presence updates.
func (s *EditorSession) SetPresenceSink(p PresenceSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = p
}

func (s *EditorSession) SetTool(t Tool) error {
	if _, ok := t.Kind(); !ok && t != ToolSelect {
		return fmt.Errorf("unknown tool %q", t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tool = t
	return nil
}

func (s *EditorSession) Tool() Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tool
}

// SetColor changes the color for new elements and recolors the selection.
func (s *EditorSession) SetColor(color string) error {
	if err := models.ValidateColor(color); err != nil {
		return err
	}
	s.mu.Lock()
	s.color = color
	selected := s.selected
	s.mu.Unlock()

	if selected == "" {
		return nil
	}
	return s.editor.Recolor(selected, color)
}

func (s *EditorSession) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Tap places a shape with a shape tool, or selects the topmost element
// under pos with the select tool. It returns the affected element id.
func (s *EditorSession) Tap(pos models.Position) (string, error) {
	s.mu.Lock()
	tool, color := s.tool, s.color
	s.mu.Unlock()

	if kind, ok := tool.Kind(); ok {
		el, err := s.editor.Add(kind, pos, models.StyleInput{Color: color})
		if err != nil {
			return "", err
		}
		s.selectID(el.ID)
		return el.ID, nil
	}

	el, ok := s.editor.Snapshot().HitTest(pos)
	if !ok {
		s.selectID("")
		return "", nil
	}
	s.selectID(el.ID)
	return el.ID, nil
}

// BeginDrag grabs the topmost element under pos.
func (s *EditorSession) BeginDrag(pos models.Position) (string, error) {
	el, ok := s.editor.Snapshot().HitTest(pos)
	if !ok {
		return "", fmt.Errorf("%w at (%v, %v)", ErrUnknownElement, pos.X, pos.Y)
	}
	if err := s.editor.BeginDrag(el.ID); err != nil {
		return "", err
	}
	s.selectID(el.ID)
	return el.ID, nil
}

// DragTo moves the grabbed element to pos. Only the drag slot changes;
// peers see it through throttled presence, not through writes.
func (s *EditorSession) DragTo(pos models.Position) error {
	if err := s.editor.DragTo(pos); err != nil {
		return err
	}

	s.mu.Lock()
	sink := s.presence
	due := time.Since(s.lastPresence) >= s.PresenceInterval
	if due {
		s.lastPresence = time.Now()
	}
	p := models.Presence{ClientID: s.clientID, UserName: s.userName, Selected: s.selected, Dragging: s.selected, Cursor: &pos}
	s.mu.Unlock()

	if sink != nil && due {
		if err := sink.SendPresence(p); err != nil {
			log.Printf("⚠️  Presence update failed: %v", err)
		}
	}
	return nil
}

// EndDrag commits the drag as one durable Move.
func (s *EditorSession) EndDrag() error {
	err := s.editor.EndDrag()
	s.publishSelection()
	return err
}

func (s *EditorSession) CancelDrag() {
	s.editor.CancelDrag()
}

// DeleteSelected removes the selected element.
func (s *EditorSession) DeleteSelected() error {
	s.mu.Lock()
	id := s.selected
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	if err := s.editor.Delete(id); err != nil {
		return err
	}
	s.selectID("")
	return nil
}

// Clear deletes every element currently on the canvas.
func (s *EditorSession) Clear() int {
	s.selectID("")
	return s.editor.Clear()
}

func (s *EditorSession) selectID(id string) {
	s.mu.Lock()
	s.selected = id
	s.mu.Unlock()
	s.publishSelection()
}

func (s *EditorSession) publishSelection() {
	s.mu.Lock()
	sink := s.presence
	p := models.Presence{ClientID: s.clientID, UserName: s.userName, Selected: s.selected}
	s.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.SendPresence(p); err != nil {
		log.Printf("⚠️  Presence update failed: %v", err)
	}
}
