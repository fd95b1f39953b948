package agent

import "encoding/json"

// Kind classifies a raw message received from the agent.
type Kind int

const (
	KindUnknown Kind = iota
	KindAssistant
	KindToolCall
	KindPlan
	KindTaskFinish
)

func (k Kind) String() string {
	switch k {
	case KindAssistant:
		return "assistant"
	case KindToolCall:
		return "tool_call"
	case KindPlan:
		return "plan"
	case KindTaskFinish:
		return "task_finish"
	default:
		return "unknown"
	}
}

// AgentInfo identifies the sub-agent that produced a message.
type AgentInfo struct {
	AgentID    string `json:"agent_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	AgentIndex *int   `json:"agent_index,omitempty"`
}

// PlanEntry is one step of a plan reported by the agent.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Message is a raw message emitted by the agent during a turn. Only the fields
// relevant to Kind are populated.
type Message struct {
	Kind Kind

	// KindAssistant
	Text string

	AgentID   string
	AgentInfo *AgentInfo

	// KindToolCall
	ToolCallID   string
	ToolName     string
	Status       string
	Args         json.RawMessage
	Confirmation json.RawMessage
	ToolContent  string
	Locations    json.RawMessage

	// KindPlan
	Entries []PlanEntry

	// KindTaskFinish
	StopReason string

	// Raw holds the undecoded update for KindUnknown.
	Raw json.RawMessage
}
