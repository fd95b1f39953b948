package agent

import (
	"encoding/json"
	"strings"
)

type updateMeta struct {
	AgentID      string          `json:"agentId"`
	TaskID       string          `json:"taskId"`
	AgentIndex   *int            `json:"agentIndex"`
	Confirmation json.RawMessage `json:"confirmation"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// permissionOption is one answer offered by a permission request.
type permissionOption struct {
	OptionID string
	Kind     string
}

type sessionUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content"`
	ToolCallID    string          `json:"toolCallId"`
	Title         string          `json:"title"`
	Kind          string          `json:"kind"`
	Status        string          `json:"status"`
	RawInput      json.RawMessage `json:"rawInput"`
	Locations     json.RawMessage `json:"locations"`
	Entries       []PlanEntry     `json:"entries"`
	Meta          *updateMeta     `json:"_meta"`
}

type toolCallContent struct {
	Type    string    `json:"type"`
	Content textBlock `json:"content"`
	Path    string    `json:"path"`
}

// decodeUpdate maps the JSON of a session update onto a Message. iFlow's
// sub-agent and confirmation details travel in the untyped _meta object.
// toolNames carries the titles of tool calls seen earlier in the session,
// keyed by tool call id.
func decodeUpdate(raw json.RawMessage, toolNames map[string]string) Message {
	var u sessionUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return Message{Kind: KindUnknown, Raw: raw}
	}

	msg := Message{Raw: raw}
	if u.Meta != nil {
		msg.AgentID = u.Meta.AgentID
		if u.Meta.AgentID != "" || u.Meta.TaskID != "" || u.Meta.AgentIndex != nil {
			msg.AgentInfo = &AgentInfo{
				AgentID:    u.Meta.AgentID,
				TaskID:     u.Meta.TaskID,
				AgentIndex: u.Meta.AgentIndex,
			}
		}
	}

	switch u.SessionUpdate {
	case "agent_message_chunk":
		var block textBlock
		if err := json.Unmarshal(u.Content, &block); err != nil || block.Type != "text" {
			msg.Kind = KindUnknown
			return msg
		}
		msg.Kind = KindAssistant
		msg.Text = block.Text

	case "tool_call", "tool_call_update":
		msg.Kind = KindToolCall
		msg.ToolCallID = u.ToolCallID

		name := u.Title
		if name == "" {
			name = toolNames[u.ToolCallID]
		}
		if name == "" {
			name = u.Kind
		}
		if u.ToolCallID != "" && name != "" {
			toolNames[u.ToolCallID] = name
		}
		msg.ToolName = name

		msg.Status = u.Status
		if msg.Status == "" && u.SessionUpdate == "tool_call" {
			msg.Status = "pending"
		}
		if len(u.RawInput) > 0 && string(u.RawInput) != "null" {
			msg.Args = u.RawInput
		}
		if len(u.Locations) > 0 && string(u.Locations) != "null" && string(u.Locations) != "[]" {
			msg.Locations = u.Locations
		}
		msg.ToolContent = toolContentText(u.Content)
		if u.Meta != nil && len(u.Meta.Confirmation) > 0 && string(u.Meta.Confirmation) != "null" {
			msg.Confirmation = u.Meta.Confirmation
		}
		if u.Status == "completed" || u.Status == "failed" {
			delete(toolNames, u.ToolCallID)
		}

	case "plan":
		msg.Kind = KindPlan
		msg.Entries = u.Entries

	default:
		msg.Kind = KindUnknown
	}
	return msg
}

// toolContentText flattens the textual parts of a tool call's content list.
func toolContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var items []toolCallContent
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}

	var parts []string
	for _, item := range items {
		switch item.Type {
		case "content":
			if item.Content.Text != "" {
				parts = append(parts, item.Content.Text)
			}
		case "diff":
			if item.Path != "" {
				parts = append(parts, "diff: "+item.Path)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// choosePermission picks the option to answer a permission request with.
// It returns false when no option fits, in which case the request is cancelled.
func choosePermission(mode ApprovalMode, toolKind string, options []permissionOption) (string, bool) {
	allow := false
	switch mode {
	case ApprovalYolo:
		allow = true
	case ApprovalAutoEdit:
		allow = toolKind == "edit" || toolKind == "read"
	}

	preferred := []string{"reject_once", "reject_always"}
	if allow {
		preferred = []string{"allow_always", "allow_once"}
	}

	for _, kind := range preferred {
		for _, opt := range options {
			if opt.Kind == kind {
				return opt.OptionID, true
			}
		}
	}
	return "", false
}
