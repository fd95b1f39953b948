// Package pool owns one agent handle per logical session. Handles are created
// lazily, connect on first use and run at most one exchange at a time.
package pool

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/204313508/iflow2web/internal/agent"
	"github.com/204313508/iflow2web/internal/driver"
	"github.com/204313508/iflow2web/internal/event"
)

// ErrHandleClosed is returned when a handle was closed while still in use.
var ErrHandleClosed = errors.New("agent handle closed")

// TransportFactory builds the transport for a handle.
type TransportFactory func(cfg agent.Config) agent.Transport

// Options configures a Pool.
type Options struct {
	// Agent is the template for every handle's transport config. SessionID,
	// WorkingDir and Model are filled in per handle.
	Agent agent.Config
	// NewTransport defaults to an ACP client.
	NewTransport TransportFactory
	// Driver defaults to the iFlow driver.
	Driver driver.AgentDriver
	// Fs is used to check working directories. Defaults to the OS filesystem.
	Fs afero.Fs
	// InterruptTimeout bounds the interrupt sent when a consumer abandons an exchange.
	InterruptTimeout time.Duration
	Logger           zerolog.Logger
}

// Pool maps session ids to agent handles.
type Pool struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// Handle is the agent connection of one logical session.
type Handle struct {
	sessionID  string
	workingDir string
	model      string

	// guard is held for the whole of an exchange.
	guard *semaphore.Weighted

	mu        sync.Mutex
	transport agent.Transport
	closed    bool
}

// New creates a Pool.
func New(opts Options) *Pool {
	if opts.Driver == nil {
		opts.Driver = driver.NewIFlowDriver()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.InterruptTimeout <= 0 {
		opts.InterruptTimeout = 5 * time.Second
	}
	if opts.NewTransport == nil {
		logger := opts.Logger
		opts.NewTransport = func(cfg agent.Config) agent.Transport {
			return agent.NewClient(cfg, logger)
		}
	}

	return &Pool{
		opts:    opts,
		logger:  opts.Logger,
		handles: make(map[string]*Handle),
	}
}

// GetOrCreate returns the handle for id, creating an unconnected one if needed.
// workingDir and model are only used when the handle is created.
func (p *Pool) GetOrCreate(id, workingDir, model string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[id]; ok {
		return h
	}

	h := &Handle{
		sessionID:  id,
		workingDir: workingDir,
		model:      model,
		guard:      semaphore.NewWeighted(1),
	}
	p.handles[id] = h
	p.logger.Debug().Str("session_id", id).Str("model", model).Msg("agent handle created")
	return h
}

// Get returns the handle for id, if one exists.
func (p *Pool) Get(id string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[id]
	return h, ok
}

// Len returns the number of handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// SendMessage sends text to the handle's agent and yields the normalized events
// of the reply. The sequence ends after the finish event, when the agent's
// stream ends, or with a single error. The handle's guard is held while the
// sequence runs and released however it stops.
func (p *Pool) SendMessage(ctx context.Context, h *Handle, text string) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		if err := h.guard.Acquire(ctx, 1); err != nil {
			yield(nil, err)
			return
		}
		defer h.guard.Release(1)

		t, err := p.ensureConnected(ctx, h)
		if err != nil {
			yield(nil, err)
			return
		}

		err = t.Send(ctx, text)
		if errors.Is(err, agent.ErrTransportClosed) {
			// The agent went away after the liveness check; the text was not
			// delivered, so reconnect once and resend.
			p.discardIfDead(h, t, err)
			if t, err = p.ensureConnected(ctx, h); err != nil {
				yield(nil, err)
				return
			}
			err = t.Send(ctx, text)
		}
		if err != nil {
			p.discardIfDead(h, t, err)
			yield(nil, fmt.Errorf("failed to send message: %w", err))
			return
		}

		finished := false
		defer func() {
			if !finished {
				p.interrupt(h, t)
			}
		}()

		for msg, err := range t.Receive(ctx) {
			if err != nil {
				p.discardIfDead(h, t, err)
				yield(nil, err)
				return
			}

			ev, ok := p.opts.Driver.Translate(msg)
			if !ok {
				p.logger.Debug().Str("session_id", h.sessionID).Stringer("kind", msg.Kind).Msg("dropping unknown agent message")
				continue
			}

			if ev.Terminal() {
				finished = true
			}
			if !yield(ev, nil) || finished {
				return
			}
		}
		finished = true
	}
}

// ensureConnected returns the handle's live transport, replacing one that died
// since the last exchange.
func (p *Pool) ensureConnected(ctx context.Context, h *Handle) (agent.Transport, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandleClosed
	}
	t := h.transport
	h.mu.Unlock()

	if t != nil {
		select {
		case <-t.Done():
			p.drop(h, t)
			p.logger.Warn().Str("session_id", h.sessionID).Msg("agent transport went away while idle, reconnecting")
		default:
			return t, nil
		}
	}

	dir := h.workingDir
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if ok, err := afero.DirExists(p.opts.Fs, dir); err != nil || !ok {
		p.logger.Warn().Str("session_id", h.sessionID).Str("working_dir", dir).Msg("working directory does not exist")
	}

	cfg := p.opts.Agent
	cfg.SessionID = h.sessionID
	cfg.WorkingDir = dir
	cfg.Model = h.model

	t = p.opts.NewTransport(cfg)
	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect agent: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		t.Disconnect()
		return nil, ErrHandleClosed
	}
	h.transport = t
	h.mu.Unlock()

	p.logger.Info().Str("session_id", h.sessionID).Str("working_dir", dir).Str("model", h.model).Msg("agent connected")
	return t, nil
}

// discardIfDead drops a transport that reported it is closed so the next
// exchange reconnects.
func (p *Pool) discardIfDead(h *Handle, t agent.Transport, err error) {
	if !errors.Is(err, agent.ErrTransportClosed) {
		return
	}
	p.drop(h, t)
	p.logger.Warn().Err(err).Str("session_id", h.sessionID).Msg("agent transport lost")
}

// drop detaches t from h, if still attached, and disconnects it.
func (p *Pool) drop(h *Handle, t agent.Transport) {
	h.mu.Lock()
	if h.transport == t {
		h.transport = nil
	}
	h.mu.Unlock()

	t.Disconnect()
}

func (p *Pool) interrupt(h *Handle, t agent.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.InterruptTimeout)
	defer cancel()
	if err := t.Interrupt(ctx); err != nil {
		p.logger.Debug().Err(err).Str("session_id", h.sessionID).Msg("failed to interrupt agent")
	}
}

// Close tears down and removes the handle for id. Closing an unknown id is a no-op.
func (p *Pool) Close(id string) error {
	p.mu.Lock()
	h, ok := p.handles[id]
	delete(p.handles, id)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return h.close()
}

// CloseAll closes and removes every handle.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	handles := p.handles
	p.handles = make(map[string]*Handle)
	p.mu.Unlock()

	var errs []error
	for id, h := range handles {
		if err := h.close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// SessionID returns the logical session id the handle is bound to.
func (h *Handle) SessionID() string { return h.sessionID }

// WorkingDir returns the working directory captured at creation.
func (h *Handle) WorkingDir() string { return h.workingDir }

// Model returns the model captured at creation.
func (h *Handle) Model() string { return h.model }

// Connected reports whether the transport has been established.
func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transport != nil
}

func (h *Handle) close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	t := h.transport
	h.transport = nil
	h.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Disconnect()
}
