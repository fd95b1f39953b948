package driver

import (
	"github.com/204313508/iflow2web/internal/agent"
	"github.com/204313508/iflow2web/internal/event"
)

// IFlowDriver translates messages produced by the iFlow CLI.
type IFlowDriver struct{}

// NewIFlowDriver creates an IFlowDriver.
func NewIFlowDriver() *IFlowDriver {
	return &IFlowDriver{}
}

// Name returns "iflow".
func (d *IFlowDriver) Name() string {
	return "iflow"
}

// Translate implements AgentDriver.
func (d *IFlowDriver) Translate(msg agent.Message) (event.Event, bool) {
	switch msg.Kind {
	case agent.KindAssistant:
		e := event.NewAssistant(msg.Text)
		e.AgentID = msg.AgentID
		e.AgentInfo = agentInfo(msg.AgentInfo)
		return e, true

	case agent.KindToolCall:
		e := event.NewTool(msg.ToolName, msg.Status)
		e.Args = msg.Args
		e.Confirmation = msg.Confirmation
		e.ToolContent = msg.ToolContent
		e.Locations = msg.Locations
		e.AgentID = msg.AgentID
		e.AgentInfo = agentInfo(msg.AgentInfo)
		return e, true

	case agent.KindPlan:
		return event.NewPlan(), true

	case agent.KindTaskFinish:
		return event.NewFinish(msg.StopReason), true

	default:
		return nil, false
	}
}

func agentInfo(info *agent.AgentInfo) *event.AgentInfo {
	if info == nil {
		return nil
	}
	out := &event.AgentInfo{AgentIndex: info.AgentIndex}
	if info.AgentID != "" {
		id := info.AgentID
		out.AgentID = &id
	}
	if info.TaskID != "" {
		task := info.TaskID
		out.TaskID = &task
	}
	return out
}
