// Package event defines the frames the server sends to the browser: the
// normalized agent events (assistant, tool, plan, finish) and the control
// frames (pong, error, user).
package event

import (
	"encoding/json"
)

// Type is the value of the "type" field on the wire.
type Type string

const (
	TypeAssistant Type = "assistant"
	TypeTool      Type = "tool"
	TypePlan      Type = "plan"
	TypeFinish    Type = "finish"

	TypePong  Type = "pong"
	TypeError Type = "error"
	TypeUser  Type = "user"
)

// DefaultFinishReason is reported when the agent gives no stop reason.
const DefaultFinishReason = "completed"

// Event is one outbound frame.
type Event interface {
	Type() Type
	// Terminal reports whether the event ends an exchange.
	Terminal() bool
}

// AgentInfo identifies the sub-agent behind an assistant or tool event.
// Unknown members are sent as null.
type AgentInfo struct {
	AgentID    *string `json:"agent_id"`
	TaskID     *string `json:"task_id"`
	AgentIndex *int    `json:"agent_index"`
}

// Assistant is an incremental chunk of assistant output.
type Assistant struct {
	Content   string     `json:"content"`
	IsStream  bool       `json:"is_stream"`
	AgentID   string     `json:"agent_id,omitempty"`
	AgentInfo *AgentInfo `json:"agent_info,omitempty"`
}

// Tool reports a tool invocation and its status.
type Tool struct {
	Content      string          `json:"content"`
	ToolName     string          `json:"tool_name"`
	Status       string          `json:"status"`
	IsStream     bool            `json:"is_stream"`
	Args         json.RawMessage `json:"args,omitempty"`
	Confirmation json.RawMessage `json:"confirmation,omitempty"`
	ToolContent  string          `json:"tool_content,omitempty"`
	Locations    json.RawMessage `json:"locations,omitempty"`
	AgentID      string          `json:"agent_id,omitempty"`
	AgentInfo    *AgentInfo      `json:"agent_info,omitempty"`
}

// Plan reports that the agent produced a task plan.
type Plan struct {
	Content  string `json:"content"`
	IsStream bool   `json:"is_stream"`
}

// Finish ends an exchange.
type Finish struct {
	Content  string `json:"content"`
	Reason   string `json:"reason"`
	IsStream bool   `json:"is_stream"`
}

// Pong acknowledges a handshake or ping, or keeps an idle connection alive.
type Pong struct{}

// Error reports a handshake failure, a busy session or a failed exchange.
type Error struct {
	Content string `json:"content"`
}

// User echoes the user's own message.
type User struct {
	Content string `json:"content"`
}

func (Assistant) Type() Type { return TypeAssistant }
func (Tool) Type() Type      { return TypeTool }
func (Plan) Type() Type      { return TypePlan }
func (Finish) Type() Type    { return TypeFinish }
func (Pong) Type() Type      { return TypePong }
func (Error) Type() Type     { return TypeError }
func (User) Type() Type      { return TypeUser }

func (Assistant) Terminal() bool { return false }
func (Tool) Terminal() bool      { return false }
func (Plan) Terminal() bool      { return false }
func (Finish) Terminal() bool    { return true }
func (Pong) Terminal() bool      { return false }
func (Error) Terminal() bool     { return false }
func (User) Terminal() bool      { return false }

// The MarshalJSON methods put "type" first, followed by the struct fields.

func (e Assistant) MarshalJSON() ([]byte, error) {
	type alias Assistant
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e Tool) MarshalJSON() ([]byte, error) {
	type alias Tool
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e Plan) MarshalJSON() ([]byte, error) {
	type alias Plan
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e Finish) MarshalJSON() ([]byte, error) {
	type alias Finish
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e Pong) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type Type `json:"type"`
	}{e.Type()})
}

func (e Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e User) MarshalJSON() ([]byte, error) {
	type alias User
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

// NewAssistant returns a streamed assistant chunk.
func NewAssistant(content string) Assistant {
	return Assistant{Content: content, IsStream: true}
}

// NewTool returns a tool event named after the tool.
func NewTool(name, status string) Tool {
	return Tool{Content: "Tool: " + name, ToolName: name, Status: status}
}

// NewPlan returns a plan event.
func NewPlan() Plan {
	return Plan{Content: "Plan created"}
}

// NewFinish returns the terminal event. An empty reason becomes DefaultFinishReason.
func NewFinish(reason string) Finish {
	if reason == "" {
		reason = DefaultFinishReason
	}
	return Finish{Content: "Task finished", Reason: reason}
}

// NewError returns an error frame.
func NewError(content string) Error {
	return Error{Content: content}
}

// NewUser returns an echo of the user's message.
func NewUser(content string) User {
	return User{Content: content}
}
