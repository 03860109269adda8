package collaboration

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/betomoedano/sketch-app/internal/middleware"
	"github.com/betomoedano/sketch-app/internal/models"
	"github.com/betomoedano/sketch-app/internal/pubsub"
	"github.com/betomoedano/sketch-app/internal/wire"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET SESSION MANAGER

One room per canvas. A single event loop goroutine owns every session's
Send channel: registering, unregistering, broadcasting and direct replies
all go through it, so a channel is never written after it was closed.

  ReadPump  (per socket)  → decode frame → ElementService / presence
  event loop (one)        → Send channels
  WritePump (per socket)  ← Send channel → socket

Accepted changes do not come back through ReadPump: the element service
publishes them, the fan-out (local or Redis) hands them to every replica,
and each replica broadcasts them to its own rooms.
*/

// ElementStore is what sessions need from the element service.
type ElementStore interface {
	Write(ctx context.Context, canvasID string, muts []models.Mutation) ([]models.WriteResult, error)
	Snapshot(ctx context.Context, canvasID string) ([]models.ElementState, uint64, error)
}

// ChangeSource delivers every accepted change, whichever replica accepted it.
type ChangeSource interface {
	Subscribe(ctx context.Context, h pubsub.Handler) error
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 1 << 20
	sendBuffer = 256
)

// SessionManager manages all active canvas sessions
type SessionManager struct {
	canvases   map[string]map[*Session]bool // canvasID -> set of sessions
	register   chan *Session
	unregister chan *Session
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	// Presence (selection, drag, cursor) per canvas and client
	presence map[string]map[string]*models.Presence
	presMu   sync.RWMutex

	elements    ElementStore
	idleTimeout time.Duration

	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
}

// Session is one connected client.
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *SessionManager

	lastActive atomic.Int64 // unix nanos
}

// BroadcastMessage goes to every session of a canvas except Sender, or only
// to Target when set.
type BroadcastMessage struct {
	CanvasID string
	Message  []byte
	Sender   *Session
	Target   *Session
}

func NewSessionManager(elements ElementStore, idleTimeout time.Duration) *SessionManager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &SessionManager{
		canvases:    make(map[string]map[*Session]bool),
		register:    make(chan *Session),
		unregister:  make(chan *Session),
		broadcast:   make(chan *BroadcastMessage, sendBuffer),
		presence:    make(map[string]map[string]*models.Presence),
		elements:    elements,
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start subscribes to accepted changes and runs the event loop.
func (sm *SessionManager) Start(ctx context.Context, source ChangeSource) error {
	log.Println("🔄 Starting canvas session manager...")

	ctx, sm.cancel = context.WithCancel(ctx)
	if source != nil {
		err := source.Subscribe(ctx, func(ev models.ChangeEvent) {
			data, err := wire.Encode(wire.ChangeFrame(ev))
			if err != nil {
				log.Printf("❌ Failed to encode change %d: %v", ev.Seq, err)
				return
			}
			sm.Broadcast(ev.CanvasID, data, nil)
		})
		if err != nil {
			sm.cancel()
			return err
		}
	}

	go sm.run()
	go sm.cleanupLoop()

	log.Println("✓ Canvas session manager started")
	return nil
}

func (sm *SessionManager) run() {
	defer close(sm.stopped)
	for {
		select {
		case <-sm.done:
			sm.closeAll()
			return

		case session := <-sm.register:
			sm.handleRegister(session)

		case session := <-sm.unregister:
			sm.handleUnregister(session)

		case msg := <-sm.broadcast:
			sm.handleBroadcast(msg)
		}
	}
}

func (sm *SessionManager) handleRegister(session *Session) {
	sm.mu.Lock()
	if sm.canvases[session.CanvasID] == nil {
		sm.canvases[session.CanvasID] = make(map[*Session]bool)
	}
	sm.canvases[session.CanvasID][session] = true
	total := len(sm.canvases[session.CanvasID])
	sm.mu.Unlock()

	log.Printf("  Session %s (%s) joined canvas %s (total: %d users)",
		session.ID, session.ClientID, session.CanvasID, total)

	// Tell the newcomer who is here, then tell everyone about the newcomer.
	for _, p := range sm.Presence(session.CanvasID) {
		if p.ClientID == session.ClientID {
			continue
		}
		sm.deliver(&BroadcastMessage{CanvasID: session.CanvasID, Message: encodePresence(wire.TypePresence, p), Target: session})
	}
	joined := sm.updatePresence(session.CanvasID, models.Presence{ClientID: session.ClientID, UserName: session.UserName})
	sm.deliver(&BroadcastMessage{CanvasID: session.CanvasID, Message: encodePresence(wire.TypePresence, *joined), Sender: session})
}

func (sm *SessionManager) handleUnregister(session *Session) {
	sm.mu.Lock()
	sessions, ok := sm.canvases[session.CanvasID]
	if !ok || !sessions[session] {
		sm.mu.Unlock()
		return
	}
	delete(sessions, session)
	close(session.Send)
	remaining := len(sessions)
	if remaining == 0 {
		delete(sm.canvases, session.CanvasID)
	}
	sm.mu.Unlock()

	log.Printf("  Session %s left canvas %s (remaining: %d users)", session.ID, session.CanvasID, remaining)

	sm.presMu.Lock()
	if pres, exists := sm.presence[session.CanvasID]; exists {
		delete(pres, session.ClientID)
		if len(pres) == 0 {
			delete(sm.presence, session.CanvasID)
		}
	}
	sm.presMu.Unlock()

	left := models.Presence{ClientID: session.ClientID, UserName: session.UserName}
	sm.deliver(&BroadcastMessage{CanvasID: session.CanvasID, Message: encodePresence(wire.TypeLeave, left)})
}

// handleBroadcast runs on the event loop only.
func (sm *SessionManager) handleBroadcast(msg *BroadcastMessage) {
	sm.deliver(msg)
}

func (sm *SessionManager) deliver(msg *BroadcastMessage) {
	if msg.Message == nil {
		return
	}

	var targets []*Session
	sm.mu.RLock()
	if msg.Target != nil {
		if sm.canvases[msg.CanvasID][msg.Target] {
			targets = append(targets, msg.Target)
		}
	} else {
		for session := range sm.canvases[msg.CanvasID] {
			if session != msg.Sender {
				targets = append(targets, session)
			}
		}
	}
	sm.mu.RUnlock()

	for _, session := range targets {
		select {
		case session.Send <- msg.Message:
		default:
			// Buffer full - connection is slow or dead
			log.Printf("⚠️  Session %s buffer full, closing connection", session.ID)
			session.Conn.Close()
			sm.handleUnregister(session)
		}
	}
}

// Broadcast queues message for every session on canvasID except sender.
func (sm *SessionManager) Broadcast(canvasID string, message []byte, sender *Session) {
	sm.enqueue(&BroadcastMessage{CanvasID: canvasID, Message: message, Sender: sender})
}

// Reply queues message for one session.
func (sm *SessionManager) Reply(session *Session, message []byte) {
	sm.enqueue(&BroadcastMessage{CanvasID: session.CanvasID, Message: message, Target: session})
}

func (sm *SessionManager) enqueue(msg *BroadcastMessage) {
	select {
	case sm.broadcast <- msg:
	case <-sm.done:
	}
}

// Register adds a session to its canvas room.
func (sm *SessionManager) Register(session *Session) {
	select {
	case sm.register <- session:
	case <-sm.done:
		session.Conn.Close()
	}
}

// Unregister removes a session; safe to call more than once.
func (sm *SessionManager) Unregister(session *Session) {
	select {
	case sm.unregister <- session:
	case <-sm.done:
	}
}

// GetSessions returns all active sessions for a canvas
func (sm *SessionManager) GetSessions(canvasID string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := sm.canvases[canvasID]
	result := make([]*Session, 0, len(sessions))
	for session := range sessions {
		result = append(result, session)
	}
	return result
}

// Presence returns copies of the presence states on a canvas.
func (sm *SessionManager) Presence(canvasID string) []models.Presence {
	sm.presMu.RLock()
	defer sm.presMu.RUnlock()

	out := make([]models.Presence, 0, len(sm.presence[canvasID]))
	for _, p := range sm.presence[canvasID] {
		out = append(out, *p)
	}
	return out
}

// updatePresence stores p, assigning the client's cursor color.
func (sm *SessionManager) updatePresence(canvasID string, p models.Presence) *models.Presence {
	p.Color = cursorColor(p.ClientID)

	sm.presMu.Lock()
	defer sm.presMu.Unlock()
	if sm.presence[canvasID] == nil {
		sm.presence[canvasID] = make(map[string]*models.Presence)
	}
	sm.presence[canvasID][p.ClientID] = &p
	return &p
}

// cleanupLoop periodically drops sessions that stopped answering pings.
func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.cleanup(time.Now())
		}
	}
}

func (sm *SessionManager) cleanup(now time.Time) {
	var stale []*Session
	sm.mu.RLock()
	for _, sessions := range sm.canvases {
		for session := range sessions {
			if now.Sub(session.LastActive()) > sm.idleTimeout {
				stale = append(stale, session)
			}
		}
	}
	sm.mu.RUnlock()

	for _, session := range stale {
		log.Printf("  Cleaning up inactive session %s", session.ID)
		session.Conn.Close()
		sm.Unregister(session)
	}
}

func (sm *SessionManager) closeAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sessions := range sm.canvases {
		for session := range sessions {
			close(session.Send)
			session.Conn.Close()
		}
	}
	sm.canvases = make(map[string]map[*Session]bool)
}

// Shutdown gracefully closes all connections
func (sm *SessionManager) Shutdown() {
	log.Println("🛑 Shutting down session manager...")

	if sm.cancel != nil {
		sm.cancel()
	}
	close(sm.done)
	<-sm.stopped

	log.Println("✓ Session manager shutdown complete")
}

// Session methods

func newSession(sm *SessionManager, conn *websocket.Conn, canvasID, clientID, userName string) *Session {
	s := &Session{
		Session: models.NewSession(canvasID, clientID, userName),
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		Manager: sm,
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive is the time of the last frame or pong from the client.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// ReadPump reads frames from the socket until it fails.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.Manager.Unregister(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(maxFrame)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		s.touch()
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := wire.Decode(message)
		if err != nil {
			log.Printf("⚠️  Session %s sent a bad frame: %v", s.ID, err)
			s.reply(wire.ErrorFrame("", err))
			continue
		}
		s.handleFrame(ctx, frame, len(message))
	}
}

func (s *Session) handleFrame(ctx context.Context, f *wire.Frame, size int) {
	ctx, span := middleware.StartSpan(ctx, "ws."+string(f.Type),
		attribute.String("session.id", s.ID),
		attribute.String("canvas.id", s.CanvasID),
		attribute.String("client.id", s.ClientID),
		attribute.Int("message.size", size),
	)
	defer span.End()

	if f.CanvasID != "" && f.CanvasID != s.CanvasID {
		s.reply(wire.ErrorFrame(f.RequestID, errCanvasMismatch(f.CanvasID)))
		return
	}

	switch f.Type {
	case wire.TypeWrite:
		results, err := s.Manager.elements.Write(ctx, s.CanvasID, f.Mutations)
		if err != nil {
			log.Printf("❌ Write from %s failed: %v", s.ClientID, err)
			middleware.AddSpanError(ctx, err)
			s.reply(wire.ErrorFrame(f.RequestID, err))
			return
		}
		s.reply(wire.ResultFrame(f.RequestID, results))

	case wire.TypeSnapshotRequest:
		states, seq, err := s.Manager.elements.Snapshot(ctx, s.CanvasID)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			s.reply(wire.ErrorFrame(f.RequestID, err))
			return
		}
		s.reply(wire.SnapshotFrame(f.RequestID, s.CanvasID, states, seq))

	case wire.TypePresence:
		p := *f.Presence
		p.ClientID, p.UserName = s.ClientID, s.UserName
		stored := s.Manager.updatePresence(s.CanvasID, p)
		s.Manager.Broadcast(s.CanvasID, encodePresence(wire.TypePresence, *stored), s)

	default:
		s.reply(wire.ErrorFrame(f.RequestID, errUnexpectedFrame(f.Type)))
	}
}

func (s *Session) reply(f *wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		log.Printf("❌ Failed to encode %s frame: %v", f.Type, err)
		return
	}
	s.Manager.Reply(s, data)
}

// WritePump writes queued frames, one websocket message each, and pings.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.Conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

			// Flush whatever queued up meanwhile
			n := len(s.Send)
			for i := 0; i < n; i++ {
				next, ok := <-s.Send
				if !ok {
					s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := s.Conn.WriteMessage(websocket.BinaryMessage, next); err != nil {
					return
				}
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encodePresence(t wire.FrameType, p models.Presence) []byte {
	data, err := wire.Encode(&wire.Frame{Type: t, Presence: &p})
	if err != nil {
		log.Printf("❌ Failed to encode presence: %v", err)
		return nil
	}
	return data
}

var cursorPalette = []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#42d4f4", "#f032e6", "#469990"}

// cursorColor gives every client a stable color.
func cursorColor(clientID string) string {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return cursorPalette[h.Sum32()%uint32(len(cursorPalette))]
}
