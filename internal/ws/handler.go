package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/204313508/iflow2web/internal/event"
	"github.com/204313508/iflow2web/internal/model"
	"github.com/204313508/iflow2web/internal/pool"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	defaultReceiveTimeout = 30 * time.Second
)

// Messages sent to the client as error frames.
const (
	msgSessionIDRequired = "Session ID is required"
	msgSessionNotFound   = "Session not found"
	msgSessionBusy       = "Session is busy, please wait..."
)

var (
	errTooManyConnections = errors.New("too many connections")
	errShuttingDown       = errors.New("server shutting down")
)

// Inbound frame types.
const (
	frameUserMessage = "user_message"
	framePing        = "ping"
)

// Sessions is the part of the session registry the handler needs.
type Sessions interface {
	Get(id string) (model.Session, bool)
	Touch(id string)
}

// Options configures the connection handler. Zero durations disable the
// corresponding timer, except ReceiveTimeout which defaults to 30s.
type Options struct {
	// ReceiveTimeout is how long the loop waits for a client frame before
	// sending a keepalive pong.
	ReceiveTimeout time.Duration
	// PingInterval is the period of protocol-level pings.
	PingInterval time.Duration
	// PingTimeout is the read deadline, refreshed by pongs and data frames.
	PingTimeout time.Duration
	// MaxConnections caps open connections, including ones still in the
	// handshake. Zero means no limit.
	MaxConnections int
	Logger         zerolog.Logger
}

// Handler upgrades HTTP requests and drives each websocket connection.
type Handler struct {
	sessions Sessions
	pool     *pool.Pool
	hub      *Hub
	opts     Options
	ctx      context.Context
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	// mu guards active and closing, and orders admissions against wait.
	mu      sync.Mutex
	active  int
	closing bool
	wg      sync.WaitGroup
}

// NewHandler creates a Handler. Connections are torn down when ctx is done.
func NewHandler(ctx context.Context, sessions Sessions, p *pool.Pool, hub *Hub, opts Options) *Handler {
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = defaultReceiveTimeout
	}

	return &Handler{
		sessions: sessions,
		pool:     p,
		hub:      hub,
		opts:     opts,
		ctx:      ctx,
		logger:   opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.admit(); err != nil {
		h.logger.Warn().Err(err).Int("max", h.opts.MaxConnections).Msg("websocket connection refused")
		msg := "Too many connections"
		if errors.Is(err, errShuttingDown) {
			msg = "Server shutting down"
		}
		http.Error(w, msg, http.StatusServiceUnavailable)
		return
	}
	defer h.release()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.serve(conn)
}

// Serve drives an already upgraded connection and blocks until it is closed.
// A connection over the limit or arriving during shutdown is closed at once.
func (h *Handler) Serve(conn *websocket.Conn) {
	if err := h.admit(); err != nil {
		h.logger.Warn().Err(err).Msg("websocket connection refused")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer h.release()
	h.serve(conn)
}

func (h *Handler) serve(conn *websocket.Conn) {
	client := NewClient(conn)
	stop := context.AfterFunc(h.ctx, client.Close)
	defer stop()

	ctx, cancel := context.WithCancel(h.ctx)
	c := &connection{
		h:      h,
		conn:   conn,
		client: client,
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger.With().Str("conn_id", client.ID()).Logger(),
	}
	c.run()
}

// admit reserves a connection slot before the upgrade.
func (h *Handler) admit() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing || h.ctx.Err() != nil {
		return errShuttingDown
	}
	if h.opts.MaxConnections > 0 && h.active >= h.opts.MaxConnections {
		return errTooManyConnections
	}
	h.active++
	h.wg.Add(1)
	return nil
}

func (h *Handler) release() {
	h.mu.Lock()
	h.active--
	h.mu.Unlock()
	h.wg.Done()
}

// Active returns the number of admitted connections.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// wait stops admitting connections and blocks until every connection served
// by h has closed.
func (h *Handler) wait() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.wg.Wait()
}

// state is the lifecycle position of one connection.
type state int

const (
	stateAwaitingHandshake state = iota
	stateBound
	stateProcessing
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateAwaitingHandshake:
		return "awaiting_handshake"
	case stateBound:
		return "bound"
	case stateProcessing:
		return "processing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// inbound is a client frame after the handshake.
type inbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// connection is the state machine of one socket. Everything except the read
// pump and the running exchange happens on the goroutine that calls run.
type connection struct {
	h      *Handler
	conn   *websocket.Conn
	client *Client
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	state     state
	sessionID string
	// exchangeDone receives the outcome of the running exchange: false when
	// forwarding to the client failed.
	exchangeDone chan bool
}

func (c *connection) run() {
	defer c.close()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("session_id", c.sessionID).Msg("connection driver panicked")
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if !c.handshake() {
		return
	}
	c.loop()
}

func (c *connection) handshake() bool {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.logger.Debug().Err(err).Msg("connection closed before handshake")
		return false
	}

	var hs struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &hs); err != nil {
		c.logger.Debug().Err(err).Msg("invalid handshake frame")
		return false
	}

	if hs.SessionID == "" {
		c.send(event.NewError(msgSessionIDRequired))
		return false
	}
	if _, ok := c.h.sessions.Get(hs.SessionID); !ok {
		c.logger.Info().Str("session_id", hs.SessionID).Msg("handshake for unknown session")
		c.send(event.NewError(msgSessionNotFound))
		return false
	}

	c.sessionID = hs.SessionID
	c.logger = c.logger.With().Str("session_id", c.sessionID).Logger()
	c.h.hub.Register(c.client, c.sessionID)
	c.state = stateBound

	return c.send(event.Pong{})
}

func (c *connection) loop() {
	frames := make(chan []byte)
	readErr := make(chan error, 1)

	if t := c.h.opts.PingTimeout; t > 0 {
		c.conn.SetReadDeadline(time.Now().Add(t))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(t))
		})
	}
	go c.readPump(frames, readErr)

	var pings <-chan time.Time
	if c.h.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.h.opts.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	idle := time.NewTimer(c.h.opts.ReceiveTimeout)
	defer idle.Stop()

	for {
		select {
		case <-c.client.Done():
			return

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket receive failed")
			} else {
				c.logger.Debug().Err(err).Msg("websocket closed")
			}
			return

		case data := <-frames:
			idle.Reset(c.h.opts.ReceiveTimeout)
			if !c.dispatch(data) {
				return
			}

		case <-idle.C:
			idle.Reset(c.h.opts.ReceiveTimeout)
			if c.state == stateBound && !c.send(event.Pong{}) {
				return
			}

		case <-pings:
			if err := c.client.ping(); err != nil {
				c.logger.Debug().Err(err).Msg("failed to send ping")
				return
			}

		case ok := <-c.exchangeDone:
			c.exchangeDone = nil
			c.state = stateBound
			if !ok {
				return
			}
		}
	}
}

// readPump delivers client frames to the loop. It is the only reader of the socket.
func (c *connection) readPump(frames chan<- []byte, errs chan<- error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		if t := c.h.opts.PingTimeout; t > 0 {
			c.conn.SetReadDeadline(time.Now().Add(t))
		}

		select {
		case frames <- data:
		case <-c.client.Done():
			return
		}
	}
}

// dispatch handles one frame. It returns false when the connection must close.
func (c *connection) dispatch(data []byte) bool {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug().Err(err).Msg("dropping malformed frame")
		return true
	}

	switch msg.Type {
	case framePing:
		return c.send(event.Pong{})
	case frameUserMessage:
		return c.startExchange(msg.Content)
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("ignoring frame")
		return true
	}
}

func (c *connection) startExchange(text string) bool {
	if c.state == stateProcessing {
		c.logger.Debug().Stringer("state", c.state).Msg("rejecting message while busy")
		return c.send(event.NewError(msgSessionBusy))
	}

	c.state = stateProcessing
	c.h.sessions.Touch(c.sessionID)

	if !c.send(event.NewUser(text)) {
		return false
	}

	session, ok := c.h.sessions.Get(c.sessionID)
	if !ok {
		c.state = stateBound
		return c.send(event.NewError("Error: " + model.ErrSessionNotFound.Error()))
	}

	handle := c.h.pool.GetOrCreate(c.sessionID, session.WorkingDir, session.Model)

	done := make(chan bool, 1)
	c.exchangeDone = done
	go func() {
		done <- c.exchange(handle, text)
	}()
	return true
}

// exchange forwards the agent's reply to the client. It reports false only
// when the client could not be written to.
func (c *connection) exchange(handle *pool.Handle, text string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("agent exchange panicked")
			ok = true
		}
	}()

	start := time.Now()
	for ev, err := range c.h.pool.SendMessage(c.ctx, handle, text) {
		if err != nil {
			if c.ctx.Err() != nil {
				return false
			}
			c.logger.Error().Err(err).Msg("agent exchange failed")
			return c.send(event.NewError("Error: " + err.Error()))
		}
		if !c.send(ev) {
			return false
		}
	}

	c.logger.Debug().Dur("elapsed", time.Since(start)).Msg("agent exchange finished")
	return true
}

func (c *connection) send(ev event.Event) bool {
	return c.h.hub.Send(c.client, ev)
}

// close unregisters the connection, stops a running exchange and closes the
// socket. It runs once, on the connection's own goroutine.
func (c *connection) close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed

	c.h.hub.Unregister(c.client)
	c.cancel()
	c.client.Close()

	if c.exchangeDone != nil {
		<-c.exchangeDone
		c.exchangeDone = nil
	}
	c.logger.Debug().Msg("connection closed")
}
