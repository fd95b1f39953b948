// Package driver translates raw agent messages into the normalized events
// streamed to the browser.
package driver

import (
	"github.com/204313508/iflow2web/internal/agent"
	"github.com/204313508/iflow2web/internal/event"
)

// AgentDriver maps the messages of one agent family onto normalized events.
type AgentDriver interface {
	// Name returns the driver name used in logs.
	Name() string
	// Translate converts msg. It returns false for messages that have no
	// normalized form; those are dropped.
	Translate(msg agent.Message) (event.Event, bool)
}
