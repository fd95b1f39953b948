package ws

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/204313508/iflow2web/internal/event"
)

// socket is the write side of a websocket connection. *websocket.Conn
// satisfies it.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live browser connection. Clients are compared by pointer.
type Client struct {
	id   string
	conn socket

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps a websocket connection.
func NewClient(conn socket) *Client {
	return &Client{
		id:     uuid.New().String(),
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// ID returns the connection id used in logs.
func (c *Client) ID() string {
	return c.id
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// write sends one text frame. Writes are serialized.
func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ping sends a protocol-level ping.
func (c *Client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close sends a close frame and closes the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
	})
}

// Hub tracks live connections and the session each one is bound to.
type Hub struct {
	logger zerolog.Logger

	mu       sync.Mutex
	active   []*Client
	bindings map[*Client]string
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		bindings: make(map[*Client]string),
	}
}

// Register adds c to the active set bound to sessionID. Registering the same
// client twice records it twice; Unregister removes every record.
func (h *Hub) Register(c *Client, sessionID string) {
	h.mu.Lock()
	h.active = append(h.active, c)
	h.bindings[c] = sessionID
	n := len(h.active)
	h.mu.Unlock()

	h.logger.Info().Str("conn_id", c.id).Str("session_id", sessionID).Int("connections", n).Msg("connection registered")
}

// Unregister removes c and its binding. It is a no-op for an unknown client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	before := len(h.active)
	h.active = slices.DeleteFunc(h.active, func(other *Client) bool { return other == c })
	removed := before != len(h.active)
	sessionID, bound := h.bindings[c]
	delete(h.bindings, c)
	n := len(h.active)
	h.mu.Unlock()

	if removed || bound {
		h.logger.Info().Str("conn_id", c.id).Str("session_id", sessionID).Int("connections", n).Msg("connection unregistered")
	}
}

// SessionIDOf returns the session c is bound to.
func (h *Hub) SessionIDOf(c *Client) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.bindings[c]
	return id, ok
}

// Count returns the number of active membership records.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// Send writes ev to c. On a write failure c is unregistered. Send never
// panics or returns an error; the result reports whether the frame was written.
func (h *Hub) Send(c *Client, ev event.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("conn_id", c.id).Str("type", string(ev.Type())).Msg("failed to marshal event")
		return false
	}

	if err := c.write(data); err != nil {
		h.logger.Warn().Err(err).Str("conn_id", c.id).Msg("failed to send message")
		h.Unregister(c)
		return false
	}
	return true
}

// CloseAll closes every registered connection and clears the hub.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.active
	h.active = nil
	h.bindings = make(map[*Client]string)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
