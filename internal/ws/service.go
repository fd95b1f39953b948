package ws

import (
	"context"
	"sync"

	"github.com/204313508/iflow2web/internal/pool"
)

// Service owns the connection hub and handler and shuts them down together
// with the agent pool.
type Service struct {
	hub     *Hub
	handler *Handler
	pool    *pool.Pool

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewService creates a Service serving sessions from the registry.
func NewService(sessions Sessions, p *pool.Pool, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(opts.Logger)

	return &Service{
		hub:     hub,
		handler: NewHandler(ctx, sessions, p, hub, opts),
		pool:    p,
		cancel:  cancel,
	}
}

// Handler returns the websocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Hub returns the connection hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Close disconnects every client, waits for their drivers to finish and closes
// every agent handle. Calling Close again returns the first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.hub.CloseAll()
		s.handler.wait()
		s.closeErr = s.pool.CloseAll()
	})
	return s.closeErr
}
