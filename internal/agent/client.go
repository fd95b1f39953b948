package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/acp-go-sdk"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a frame to the agent.
	writeWait = 10 * time.Second

	// Buffered messages per turn before the SDK's handler blocks on the consumer.
	turnBuffer = 64

	// Upper bound on waiting for session updates that were read before a
	// prompt's response but not yet handed to the turn.
	updateDrainTimeout = 500 * time.Millisecond
)

// Client is a Transport speaking ACP to the iFlow CLI. When Config.URL is empty
// the CLI is spawned on a free loopback port and torn down by Disconnect.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	stream    *wsStream
	conn      *acp.ClientSideConnection
	proc      *Process
	sessionID acp.SessionId
	turn      *turn
	closed    bool
	cause     error

	done     chan struct{}
	doneOnce sync.Once

	// session/update notifications read off the wire and handled so far.
	updatesRead    atomic.Int64
	updatesHandled atomic.Int64
	handled        chan struct{}

	toolMu    sync.Mutex
	toolNames map[string]string
}

// NewClient creates a Client. No I/O happens until Connect.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:       cfg,
		logger:    logger.With().Str("session_id", cfg.SessionID).Logger(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		done:      make(chan struct{}),
		handled:   make(chan struct{}, 1),
		toolNames: make(map[string]string),
	}
}

// Connect starts the CLI if needed, opens the websocket and creates the ACP session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.isDone() {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	url := c.cfg.URL
	var proc *Process
	if url == "" {
		port, err := freePort()
		if err != nil {
			return err
		}

		dir := ""
		if info, statErr := os.Stat(c.cfg.WorkingDir); statErr == nil && info.IsDir() {
			dir = c.cfg.WorkingDir
		}

		proc, err = StartProcess(ProcessOptions{
			Command:  c.cfg.Command,
			Args:     portArgs(port),
			Dir:      dir,
			TailSize: c.cfg.OutputTailSize,
		}, c.logger)
		if err != nil {
			return err
		}
		url = fmt.Sprintf("ws://127.0.0.1:%d/acp", port)
	}

	ws, err := c.dial(ctx, url, proc)
	if err != nil {
		if proc != nil {
			proc.Stop(c.cfg.StopGrace)
		}
		return err
	}

	stream := newWSStream(ws, c.observeFrame, c.lost)
	conn := acp.NewClientSideConnection(&callbacks{c: c}, stream, stream)

	c.mu.Lock()
	c.stream = stream
	c.conn = conn
	c.proc = proc
	c.mu.Unlock()

	if proc != nil {
		go c.watchProcess(proc)
	}

	if err := c.handshake(ctx, conn); err != nil {
		c.Disconnect()
		return err
	}

	c.logger.Info().Str("url", url).Str("model", c.cfg.Model).Str("working_dir", c.cfg.WorkingDir).Msg("agent session ready")
	return nil
}

func (c *Client) dial(ctx context.Context, url string, proc *Process) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() (*websocket.Conn, error) {
		attempt++
		if proc != nil {
			select {
			case <-proc.Done():
				return nil, backoff.Permanent(fmt.Errorf("agent exited during startup (%v): %s", proc.ExitErr(), proc.Tail()))
			default:
			}
		}

		conn, _, err := c.dialer.DialContext(ctx, url, nil)
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("agent not accepting connections yet")
			return nil, err
		}
		return conn, nil
	}

	conn, err := backoff.RetryWithData(op, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", url, err)
	}
	return conn, nil
}

func (c *Client) handshake(ctx context.Context, conn *acp.ClientSideConnection) error {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	if _, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion:    acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{Fs: acp.FileSystemCapability{}},
	}); err != nil {
		return fmt.Errorf("failed to initialize agent: %w", c.transportErr(err))
	}

	req := acp.NewSessionRequest{
		Cwd:        c.cfg.WorkingDir,
		McpServers: []acp.McpServer{},
	}
	if c.cfg.Model != "" {
		req.Meta = map[string]any{"model": c.cfg.Model}
	}

	sess, err := conn.NewSession(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create agent session: %w", c.transportErr(err))
	}
	if sess.SessionId == "" {
		return errors.New("failed to create agent session: empty session id")
	}

	c.mu.Lock()
	c.sessionID = sess.SessionId
	c.mu.Unlock()
	return nil
}

// Send starts a prompt turn. The turn's messages are read with Receive. If the
// previous turn was abandoned by its reader, Send waits for the agent to end it.
// ErrTransportClosed from Send means nothing reached the agent.
func (c *Client) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	for {
		if c.closed || c.isDone() {
			c.mu.Unlock()
			return ErrTransportClosed
		}
		if c.conn == nil || c.sessionID == "" {
			c.mu.Unlock()
			return ErrNotConnected
		}

		prev := c.turn
		if prev == nil || prev.isFinished() {
			break
		}
		if !prev.isAbandoned() {
			c.mu.Unlock()
			return ErrTurnInProgress
		}

		c.mu.Unlock()
		select {
		case <-prev.finished:
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}

	t := newTurn()
	c.turn = t
	conn := c.conn
	sessionID := c.sessionID
	c.mu.Unlock()

	go c.runPrompt(conn, sessionID, t, text)
	return nil
}

// runPrompt blocks on session/prompt while the turn is fed by SessionUpdate.
func (c *Client) runPrompt(conn *acp.ClientSideConnection, sessionID acp.SessionId, t *turn, text string) {
	ctx, cancel := c.bind(context.Background())
	defer cancel()

	resp, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	if err != nil {
		t.end(c.transportErr(err))
		return
	}

	c.drainUpdates(c.updatesRead.Load())
	t.deliver(Message{Kind: KindTaskFinish, StopReason: string(resp.StopReason)}, c.done)
	t.end(nil)
}

// Receive yields the messages of the current turn, ending with KindTaskFinish.
func (c *Client) Receive(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		c.mu.Lock()
		t := c.turn
		c.mu.Unlock()

		if t == nil {
			yield(Message{}, ErrNoTurn)
			return
		}
		defer t.abandon()

		for {
			select {
			case msg, ok := <-t.ch:
				if !ok {
					if t.err != nil {
						yield(Message{}, t.err)
					}
					return
				}
				if !yield(msg, nil) {
					return
				}
			case <-ctx.Done():
				yield(Message{}, ctx.Err())
				return
			}
		}
	}
}

// Interrupt cancels the running prompt turn, if any.
func (c *Client) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	sessionID := c.sessionID
	live := !c.closed && !c.isDone()
	c.mu.Unlock()

	if conn == nil || !live || sessionID == "" {
		return nil
	}
	return conn.Cancel(ctx, acp.CancelNotification{SessionId: sessionID})
}

// Done is closed once the client can no longer run turns, either because the
// agent went away or because Disconnect was called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Disconnect closes the socket and stops the spawned CLI.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream := c.stream
	proc := c.proc
	c.mu.Unlock()

	c.shutdown(nil)

	var errs []error
	if stream != nil {
		if err := stream.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if proc != nil {
		if err := proc.Stop(c.cfg.StopGrace); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop agent process: %w", err))
		}
	}

	c.logger.Info().Msg("agent session closed")
	return errors.Join(errs...)
}

// lost is called by the stream when the agent's socket fails.
func (c *Client) lost(err error) {
	c.logger.Debug().Err(err).Msg("agent connection lost")
	c.shutdown(err)
}

func (c *Client) watchProcess(proc *Process) {
	select {
	case <-proc.Done():
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()

		c.logger.Warn().Err(proc.ExitErr()).Str("output", proc.Tail()).Msg("agent process exited")
		c.shutdown(fmt.Errorf("agent process exited: %v", proc.ExitErr()))
		if stream != nil {
			stream.Close()
		}
	case <-c.done:
	}
}

// shutdown marks the transport dead and fails the running turn.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.cause == nil {
		c.cause = cause
	}
	t := c.turn
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })

	if t != nil {
		t.end(c.transportErr(nil))
	}
}

// isDone reports whether shutdown has run.
func (c *Client) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// transportErr maps err to ErrTransportClosed once the transport is dead.
func (c *Client) transportErr(err error) error {
	if !c.isDone() {
		return err
	}
	c.mu.Lock()
	cause := c.cause
	c.mu.Unlock()
	if cause != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, cause)
	}
	return ErrTransportClosed
}

// bind returns a context that is also cancelled when the transport dies.
func (c *Client) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// observeFrame counts session/update notifications as they come off the wire.
func (c *Client) observeFrame(data []byte) {
	var head struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return
	}
	if head.Method == "session/update" && len(head.ID) == 0 {
		c.updatesRead.Add(1)
	}
}

func (c *Client) updateHandled() {
	c.updatesHandled.Add(1)
	select {
	case c.handled <- struct{}{}:
	default:
	}
}

// drainUpdates waits until target session updates were handled so a prompt's
// finish never overtakes its own output.
func (c *Client) drainUpdates(target int64) {
	timer := time.NewTimer(updateDrainTimeout)
	defer timer.Stop()

	for c.updatesHandled.Load() < target {
		select {
		case <-c.handled:
		case <-c.done:
			return
		case <-timer.C:
			c.logger.Debug().Int64("read", target).Int64("handled", c.updatesHandled.Load()).Msg("session updates still pending at end of turn")
			return
		}
	}
}

func (c *Client) handleUpdate(n acp.SessionNotification) {
	raw, err := json.Marshal(n.Update)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping session update")
		return
	}

	c.toolMu.Lock()
	m := decodeUpdate(raw, c.toolNames)
	c.toolMu.Unlock()

	c.mu.Lock()
	t := c.turn
	c.mu.Unlock()
	if t == nil || t.isFinished() {
		c.logger.Debug().Stringer("kind", m.Kind).Msg("session update outside of a turn")
		return
	}
	t.deliver(m, c.done)
}

// turn carries the messages of one prompt from the ACP handlers to Receive.
type turn struct {
	mu       sync.Mutex
	ch       chan Message
	err      error
	ended    bool
	finished chan struct{}

	abandoned   chan struct{}
	abandonOnce sync.Once
}

func newTurn() *turn {
	return &turn{
		ch:        make(chan Message, turnBuffer),
		finished:  make(chan struct{}),
		abandoned: make(chan struct{}),
	}
}

func (t *turn) deliver(m Message, done <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	select {
	case t.ch <- m:
	case <-t.abandoned:
	case <-done:
	}
}

func (t *turn) end(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	t.err = err
	close(t.ch)
	close(t.finished)
}

func (t *turn) isFinished() bool {
	select {
	case <-t.finished:
		return true
	default:
		return false
	}
}

func (t *turn) isAbandoned() bool {
	select {
	case <-t.abandoned:
		return true
	default:
		return false
	}
}

func (t *turn) abandon() {
	t.abandonOnce.Do(func() { close(t.abandoned) })
}
