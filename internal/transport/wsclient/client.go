// Package wsclient connects a sync engine to the canvas server over a
// websocket. One Client serves one canvas connection at a time; the engine
// redials through Subscribe whenever the stream closes.
package wsclient

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/betomoedano/sketch-app/internal/canvas"
	"github.com/betomoedano/sketch-app/internal/models"
	"github.com/betomoedano/sketch-app/internal/wire"
)

var (
	// ErrNotConnected is returned by requests made while no connection is up.
	ErrNotConnected = fmt.Errorf("%w: not connected to canvas server", canvas.ErrOffline)
	// ErrDisconnected is returned to requests whose connection dropped.
	// The server dedupes by mutation id, so a write caught here is safe to resend.
	ErrDisconnected = fmt.Errorf("%w: connection to canvas server lost", canvas.ErrOffline)
)

const (
	writeWait   = 10 * time.Second
	eventBuffer = 256
)

// Client implements canvas.BackingStore, canvas.SnapshotLoader and
// canvas.PresenceSink.
type Client struct {
	baseURL  string
	clientID string
	userName string
	dialer   *websocket.Dialer

	// OnPresence is called for presence updates of other clients; left is
	// true when the client disconnected.
	OnPresence func(p models.Presence, left bool)

	mu   sync.Mutex
	conn *conn
}

// conn is one websocket connection and its in-flight requests.
type conn struct {
	ws       *websocket.Conn
	canvasID string
	writeMu  sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *wire.Frame
	closed  bool
}

// New returns a client for a server at baseURL (ws://host:port).
func New(baseURL, clientID, userName string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		userName: userName,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Subscribe dials the canvas and returns its change stream. The channel is
// closed when the connection drops or ctx is done.
func (c *Client) Subscribe(ctx context.Context, canvasID string) (<-chan models.ChangeEvent, error) {
	target, err := c.endpoint(canvasID)
	if err != nil {
		return nil, err
	}

	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	cn := &conn{ws: ws, canvasID: canvasID, pending: make(map[string]chan *wire.Frame)}

	c.mu.Lock()
	old := c.conn
	c.conn = cn
	c.mu.Unlock()
	if old != nil {
		old.ws.Close()
	}

	events := make(chan models.ChangeEvent, eventBuffer)
	go c.readLoop(ctx, cn, events)

	log.Printf("✓ Connected to canvas %s at %s", canvasID, c.baseURL)
	return events, nil
}

func (c *Client) endpoint(canvasID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/canvas/" + url.PathEscape(canvasID)
	q := u.Query()
	q.Set("client_id", c.clientID)
	if c.userName != "" {
		q.Set("user_name", c.userName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(ctx context.Context, cn *conn, events chan<- models.ChangeEvent) {
	defer func() {
		close(events)
		c.drop(cn)
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			cn.ws.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("⚠️  Canvas connection closed: %v", err)
			}
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			log.Printf("⚠️  Ignoring bad frame from server: %v", err)
			continue
		}

		switch f.Type {
		case wire.TypeChange:
			select {
			case events <- *f.Change:
			case <-ctx.Done():
				return
			}
		case wire.TypePresence, wire.TypeLeave:
			if c.OnPresence != nil && f.Presence.ClientID != c.clientID {
				c.OnPresence(*f.Presence, f.Type == wire.TypeLeave)
			}
		default:
			if f.RequestID == "" {
				if f.Type == wire.TypeError {
					log.Printf("⚠️  Server error: %s", f.Error)
				}
				continue
			}
			cn.resolve(f)
		}
	}
}

// drop fails the connection's pending requests and forgets it.
func (c *Client) drop(cn *conn) {
	cn.ws.Close()

	cn.mu.Lock()
	cn.closed = true
	for id, ch := range cn.pending {
		close(ch)
		delete(cn.pending, id)
	}
	cn.mu.Unlock()

	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (cn *conn) resolve(f *wire.Frame) {
	cn.mu.Lock()
	ch, ok := cn.pending[f.RequestID]
	delete(cn.pending, f.RequestID)
	cn.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (cn *conn) send(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return cn.ws.WriteMessage(websocket.BinaryMessage, data)
}

// request sends f and waits for the frame answering it.
func (c *Client) request(ctx context.Context, canvasID string, f *wire.Frame) (*wire.Frame, error) {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return nil, ErrNotConnected
	}
	if cn.canvasID != canvasID {
		return nil, fmt.Errorf("connected to canvas %q, not %q", cn.canvasID, canvasID)
	}

	f.RequestID = ksuid.New().String()
	f.CanvasID = canvasID
	reply := make(chan *wire.Frame, 1)

	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return nil, ErrNotConnected
	}
	cn.pending[f.RequestID] = reply
	cn.mu.Unlock()

	forget := func() {
		cn.mu.Lock()
		delete(cn.pending, f.RequestID)
		cn.mu.Unlock()
	}

	if err := cn.send(f); err != nil {
		forget()
		return nil, fmt.Errorf("failed to send %s: %w", f.Type, err)
	}

	select {
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case resp, ok := <-reply:
		if !ok {
			return nil, ErrDisconnected
		}
		if resp.Type == wire.TypeError {
			return nil, fmt.Errorf("server: %s", resp.Error)
		}
		return resp, nil
	}
}

// Write sends a batch and returns the server's per-mutation results.
func (c *Client) Write(ctx context.Context, canvasID string, mutations []models.Mutation) ([]models.WriteResult, error) {
	resp, err := c.request(ctx, canvasID, wire.WriteFrame("", canvasID, mutations))
	if err != nil {
		return nil, err
	}
	if resp.Type != wire.TypeResult {
		return nil, fmt.Errorf("unexpected %s frame for write", resp.Type)
	}
	return resp.Results, nil
}

// Load returns the authoritative state of the canvas.
func (c *Client) Load(ctx context.Context, canvasID string) ([]models.ElementState, error) {
	resp, err := c.request(ctx, canvasID, &wire.Frame{Type: wire.TypeSnapshotRequest})
	if err != nil {
		return nil, err
	}
	if resp.Type != wire.TypeSnapshot {
		return nil, fmt.Errorf("unexpected %s frame for snapshot", resp.Type)
	}
	return resp.Elements, nil
}

// SendPresence publishes this client's selection and drag state. Presence
// is ephemeral, so it is dropped while offline.
func (c *Client) SendPresence(p models.Presence) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return nil
	}
	p.ClientID = c.clientID
	return cn.send(&wire.Frame{Type: wire.TypePresence, CanvasID: cn.canvasID, Presence: &p})
}

// Connected reports whether a canvas connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close drops the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return nil
	}
	cn.writeMu.Lock()
	cn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	cn.writeMu.Unlock()
	return cn.ws.Close()
}
