// Package agent drives an external conversational agent over the Agent Client
// Protocol. It spawns the agent CLI, runs an ACP client connection over the
// CLI's websocket endpoint and exposes each prompt turn as a lazy sequence of
// raw messages.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

var (
	// ErrNotConnected is returned when an operation needs a live agent session.
	ErrNotConnected = errors.New("agent not connected")

	// ErrTransportClosed is returned when the connection to the agent went away.
	ErrTransportClosed = errors.New("agent transport closed")

	// ErrTurnInProgress is returned by Send while the previous prompt is still running.
	ErrTurnInProgress = errors.New("agent turn already in progress")

	// ErrNoTurn is returned by Receive when nothing was sent.
	ErrNoTurn = errors.New("no agent turn to receive from")
)

// Transport is a bidirectional message channel to one agent session.
type Transport interface {
	// Connect establishes the agent session. It must be called before Send.
	Connect(ctx context.Context) error
	// Send starts a new turn with the given user text. ErrTransportClosed means
	// the text never reached the agent.
	Send(ctx context.Context, text string) error
	// Receive yields the messages of the current turn. The sequence ends after a
	// KindTaskFinish message or with an error.
	Receive(ctx context.Context) iter.Seq2[Message, error]
	// Interrupt asks the agent to stop the current turn.
	Interrupt(ctx context.Context) error
	// Disconnect releases the session. Calling it more than once is a no-op.
	Disconnect() error
	// Done is closed once the transport can no longer carry turns.
	Done() <-chan struct{}
}

// ApprovalMode controls how tool permission requests from the agent are answered.
type ApprovalMode string

const (
	ApprovalDefault  ApprovalMode = "DEFAULT"
	ApprovalAutoEdit ApprovalMode = "AUTO_EDIT"
	ApprovalYolo     ApprovalMode = "YOLO"
	ApprovalPlan     ApprovalMode = "PLAN"
)

// ParseApprovalMode parses a mode name case-insensitively.
func ParseApprovalMode(s string) (ApprovalMode, error) {
	mode := ApprovalMode(strings.ToUpper(strings.TrimSpace(s)))
	switch mode {
	case ApprovalDefault, ApprovalAutoEdit, ApprovalYolo, ApprovalPlan:
		return mode, nil
	}
	return "", fmt.Errorf("unknown approval mode %q", s)
}

// Config configures one agent session.
type Config struct {
	SessionID    string
	WorkingDir   string
	Model        string
	ApprovalMode ApprovalMode

	// Command is the agent CLI, e.g. "iflow". Ignored when URL is set.
	Command string
	// URL of an already running ACP websocket endpoint.
	URL string
	// StartupTimeout bounds how long Connect waits for the CLI to accept connections.
	StartupTimeout time.Duration
	// StopGrace is how long Disconnect waits after interrupting the CLI before killing it.
	StopGrace time.Duration
	// OutputTailSize is the number of bytes of CLI output kept for diagnostics.
	OutputTailSize int
}

func (c *Config) setDefaults() {
	if c.Command == "" {
		c.Command = "iflow"
	}
	if c.ApprovalMode == "" {
		c.ApprovalMode = ApprovalYolo
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 3 * time.Second
	}
	if c.OutputTailSize <= 0 {
		c.OutputTailSize = 16 * 1024
	}
}
