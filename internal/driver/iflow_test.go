package driver

import (
	"encoding/json"
	"testing"

	"github.com/204313508/iflow2web/internal/agent"
	"github.com/204313508/iflow2web/internal/event"
)

func TestIFlowDriver_Name(t *testing.T) {
	if name := NewIFlowDriver().Name(); name != "iflow" {
		t.Errorf("expected name 'iflow', got '%s'", name)
	}
}

func TestIFlowDriver_Translate(t *testing.T) {
	idx := 1
	d := NewIFlowDriver()

	testCases := []struct {
		name string
		msg  agent.Message
		want string
	}{
		{
			name: "assistant chunk",
			msg:  agent.Message{Kind: agent.KindAssistant, Text: "Hi"},
			want: `{"type":"assistant","content":"Hi","is_stream":true}`,
		},
		{
			name: "assistant from sub-agent",
			msg: agent.Message{
				Kind:      agent.KindAssistant,
				Text:      "x",
				AgentID:   "a1",
				AgentInfo: &agent.AgentInfo{AgentID: "a1", AgentIndex: &idx},
			},
			want: `{"type":"assistant","content":"x","is_stream":true,"agent_id":"a1","agent_info":{"agent_id":"a1","task_id":null,"agent_index":1}}`,
		},
		{
			name: "tool call",
			msg: agent.Message{
				Kind:     agent.KindToolCall,
				ToolName: "read_file",
				Status:   "in_progress",
				Args:     json.RawMessage(`{"path":"go.mod"}`),
			},
			want: `{"type":"tool","content":"Tool: read_file","tool_name":"read_file","status":"in_progress","is_stream":false,"args":{"path":"go.mod"}}`,
		},
		{
			name: "tool call awaiting confirmation",
			msg: agent.Message{
				Kind:         agent.KindToolCall,
				ToolName:     "write_file",
				Status:       "pending",
				Confirmation: json.RawMessage(`{"type":"edit","fileName":"a.go"}`),
			},
			want: `{"type":"tool","content":"Tool: write_file","tool_name":"write_file","status":"pending","is_stream":false,"confirmation":{"type":"edit","fileName":"a.go"}}`,
		},
		{
			name: "plan",
			msg:  agent.Message{Kind: agent.KindPlan, Entries: []agent.PlanEntry{{Content: "step"}}},
			want: `{"type":"plan","content":"Plan created","is_stream":false}`,
		},
		{
			name: "finish without reason",
			msg:  agent.Message{Kind: agent.KindTaskFinish},
			want: `{"type":"finish","content":"Task finished","reason":"completed","is_stream":false}`,
		},
		{
			name: "finish with reason",
			msg:  agent.Message{Kind: agent.KindTaskFinish, StopReason: "max_tokens"},
			want: `{"type":"finish","content":"Task finished","reason":"max_tokens","is_stream":false}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := d.Translate(tc.msg)
			if !ok {
				t.Fatal("expected message to translate")
			}
			data, err := json.Marshal(ev)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			if string(data) != tc.want {
				t.Errorf("got  %s\nwant %s", data, tc.want)
			}
		})
	}
}

func TestIFlowDriver_DropsUnknown(t *testing.T) {
	ev, ok := NewIFlowDriver().Translate(agent.Message{Kind: agent.KindUnknown, Raw: json.RawMessage(`{}`)})
	if ok || ev != nil {
		t.Errorf("expected unknown message to be dropped, got %v", ev)
	}
}

func TestIFlowDriver_OnlyFinishIsTerminal(t *testing.T) {
	d := NewIFlowDriver()
	for _, kind := range []agent.Kind{agent.KindAssistant, agent.KindToolCall, agent.KindPlan, agent.KindTaskFinish} {
		ev, ok := d.Translate(agent.Message{Kind: kind})
		if !ok {
			t.Fatalf("kind %v did not translate", kind)
		}
		if got, want := ev.Terminal(), kind == agent.KindTaskFinish; got != want {
			t.Errorf("kind %v: Terminal() = %v, want %v", kind, got, want)
		}
		if kind == agent.KindTaskFinish && ev.Type() != event.TypeFinish {
			t.Errorf("expected finish type, got %s", ev.Type())
		}
	}
}
