package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireMessage is any JSON-RPC frame the fake agent reads.
type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
}

// fakeAgent is a minimal ACP endpoint driven by the test.
type fakeAgent struct {
	onPrompt func(c *agentConn, id json.RawMessage, text string)

	mu      sync.Mutex
	prompts []string
	cancels int
	cwd     string
	meta    map[string]any
	replies chan json.RawMessage
	conns   chan *agentConn
}

type agentConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *agentConn) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteJSON(v)
}

func (c *agentConn) update(update map[string]any) {
	c.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params":  map[string]any{"sessionId": "acp-1", "update": update},
	})
}

func (c *agentConn) reply(id json.RawMessage, result any) {
	c.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		replies: make(chan json.RawMessage, 4),
		conns:   make(chan *agentConn, 4),
	}
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	c := &agentConn{conn: ws}
	f.conns <- c

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Method {
		case "initialize":
			c.reply(msg.ID, map[string]any{"protocolVersion": 1})
		case "session/new":
			var p struct {
				Cwd  string         `json:"cwd"`
				Meta map[string]any `json:"_meta"`
			}
			json.Unmarshal(msg.Params, &p)
			f.mu.Lock()
			f.cwd = p.Cwd
			f.meta = p.Meta
			f.mu.Unlock()
			c.reply(msg.ID, map[string]any{"sessionId": "acp-1"})
		case "session/prompt":
			var p struct {
				Prompt []struct {
					Text string `json:"text"`
				} `json:"prompt"`
			}
			json.Unmarshal(msg.Params, &p)
			text := ""
			if len(p.Prompt) > 0 {
				text = p.Prompt[0].Text
			}
			f.mu.Lock()
			f.prompts = append(f.prompts, text)
			f.mu.Unlock()
			if f.onPrompt != nil {
				go f.onPrompt(c, msg.ID, text)
			}
		case "session/cancel":
			f.mu.Lock()
			f.cancels++
			f.mu.Unlock()
		case "":
			f.replies <- msg.Result
		}
	}
}

func startFakeAgent(t *testing.T, f *fakeAgent) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/acp"
}

func connectClient(t *testing.T, url string, mode ApprovalMode) *Client {
	t.Helper()
	c := NewClient(Config{
		SessionID:    "s1",
		WorkingDir:   "/work/project",
		Model:        "glm-4.7",
		ApprovalMode: mode,
		URL:          url,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func collect(t *testing.T, c *Client) ([]Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var msgs []Message
	for msg, err := range c.Receive(ctx) {
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func TestClient_PromptTurn(t *testing.T) {
	f := newFakeAgent()
	f.onPrompt = func(c *agentConn, id json.RawMessage, text string) {
		c.update(map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]any{"type": "text", "text": "echo: " + text},
		})
		c.update(map[string]any{
			"sessionUpdate": "tool_call",
			"toolCallId":    "t1",
			"title":         "read_file",
			"kind":          "read",
			"status":        "pending",
			"rawInput":      map[string]any{"path": "main.go"},
		})
		c.update(map[string]any{
			"sessionUpdate": "tool_call_update",
			"toolCallId":    "t1",
			"status":        "completed",
			"content": []any{
				map[string]any{"type": "content", "content": map[string]any{"type": "text", "text": "package main"}},
			},
		})
		c.update(map[string]any{
			"sessionUpdate": "plan",
			"entries":       []any{map[string]any{"content": "step one", "priority": "high", "status": "pending"}},
		})
		c.update(map[string]any{
			"sessionUpdate": "agent_thought_chunk",
			"content":       map[string]any{"type": "text", "text": "thinking"},
		})
		c.reply(id, map[string]any{"stopReason": "end_turn"})
	}

	c := connectClient(t, startFakeAgent(t, f), ApprovalYolo)

	require.NoError(t, c.Send(context.Background(), "hello"))
	msgs, err := collect(t, c)
	require.NoError(t, err)

	kinds := make([]Kind, len(msgs))
	for i, m := range msgs {
		kinds[i] = m.Kind
	}
	assert.Equal(t, []Kind{KindAssistant, KindToolCall, KindToolCall, KindPlan, KindUnknown, KindTaskFinish}, kinds)

	assert.Equal(t, "echo: hello", msgs[0].Text)
	assert.Equal(t, "read_file", msgs[1].ToolName)
	assert.Equal(t, "pending", msgs[1].Status)
	assert.JSONEq(t, `{"path":"main.go"}`, string(msgs[1].Args))
	assert.Equal(t, "read_file", msgs[2].ToolName, "update should reuse the tool name")
	assert.Equal(t, "completed", msgs[2].Status)
	assert.Equal(t, "package main", msgs[2].ToolContent)
	require.Len(t, msgs[3].Entries, 1)
	assert.Equal(t, "step one", msgs[3].Entries[0].Content)
	assert.Equal(t, "end_turn", msgs[5].StopReason)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"hello"}, f.prompts)
	assert.Equal(t, "/work/project", f.cwd)
	assert.Equal(t, map[string]any{"model": "glm-4.7"}, f.meta)
}

func TestClient_SecondTurnAfterFinish(t *testing.T) {
	f := newFakeAgent()
	f.onPrompt = func(c *agentConn, id json.RawMessage, text string) {
		c.reply(id, map[string]any{"stopReason": "end_turn"})
	}
	c := connectClient(t, startFakeAgent(t, f), ApprovalYolo)

	for i := 0; i < 2; i++ {
		require.NoError(t, c.Send(context.Background(), "again"))
		msgs, err := collect(t, c)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, KindTaskFinish, msgs[0].Kind)
	}
}

func TestClient_TurnInProgress(t *testing.T) {
	f := newFakeAgent()
	c := connectClient(t, startFakeAgent(t, f), ApprovalYolo)

	require.NoError(t, c.Send(context.Background(), "first"))
	err := c.Send(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTurnInProgress)
}

func TestClient_SendWaitsForAbandonedTurn(t *testing.T) {
	f := newFakeAgent()
	f.onPrompt = func(c *agentConn, id json.RawMessage, text string) {
		if text != "first" {
			c.reply(id, map[string]any{"stopReason": "end_turn"})
			return
		}
		for i := 0; i < 100; i++ {
			f.mu.Lock()
			n := f.cancels
			f.mu.Unlock()
			if n > 0 {
				c.reply(id, map[string]any{"stopReason": "cancelled"})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	c := connectClient(t, startFakeAgent(t, f), ApprovalYolo)

	require.NoError(t, c.Send(context.Background(), "first"))

	// Stop reading the first turn right away.
	gone, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range c.Receive(gone) {
		assert.ErrorIs(t, err, context.Canceled)
	}
	require.NoError(t, c.Interrupt(context.Background()))

	ctx, cancelSend := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSend()
	require.NoError(t, c.Send(ctx, "second"))

	msgs, err := collect(t, c)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "end_turn", msgs[0].StopReason)
}

func TestClient_AgentLostWhileIdle(t *testing.T) {
	f := newFakeAgent()
	c := connectClient(t, startFakeAgent(t, f), ApprovalYolo)

	conn := <-f.conns
	conn.conn.Close()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the lost agent")
	}

	assert.ErrorIs(t, c.Send(context.Background(), "hello"), ErrTransportClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrTransportClosed)
	assert.NoError(t, c.Interrupt(context.Background()))
}

func TestClient_AgentLostMidTurn(t *testing.T) {
	f := newFakeAgent()
	f.onPrompt = func(c *agentConn, id json.RawMessage, text string) {
		c.update(map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]any{"type": "text", "text": "partial"},
		})
		time.Sleep(50 * time.Millisecond)
		c.conn.Close()
	}
	c := connectClient(t, startFakeAgent(t, f), ApprovalYolo)

	require.NoError(t, c.Send(context.Background(), "hello"))
	_, err := collect(t, c)
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestClient_PermissionAnsweredByMode(t *testing.T) {
	tests := []struct {
		name string
		mode ApprovalMode
		kind string
		want string
	}{
		{name: "yolo allows", mode: ApprovalYolo, kind: "execute", want: "always"},
		{name: "auto edit allows edits", mode: ApprovalAutoEdit, kind: "edit", want: "always"},
		{name: "auto edit rejects execute", mode: ApprovalAutoEdit, kind: "execute", want: "reject"},
		{name: "default rejects", mode: ApprovalDefault, kind: "edit", want: "reject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeAgent()
			f.onPrompt = func(c *agentConn, id json.RawMessage, text string) {
				c.send(map[string]any{
					"jsonrpc": "2.0",
					"id":      901,
					"method":  "session/request_permission",
					"params": map[string]any{
						"sessionId": "acp-1",
						"toolCall":  map[string]any{"toolCallId": "t1", "title": "run", "kind": tt.kind},
						"options": []any{
							map[string]any{"optionId": "once", "name": "Allow", "kind": "allow_once"},
							map[string]any{"optionId": "always", "name": "Always", "kind": "allow_always"},
							map[string]any{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
						},
					},
				})
				<-time.After(50 * time.Millisecond)
				c.reply(id, map[string]any{"stopReason": "end_turn"})
			}
			c := connectClient(t, startFakeAgent(t, f), tt.mode)

			require.NoError(t, c.Send(context.Background(), "do it"))

			select {
			case raw := <-f.replies:
				var res struct {
					Outcome struct {
						Outcome  string `json:"outcome"`
						OptionID string `json:"optionId"`
					} `json:"outcome"`
				}
				require.NoError(t, json.Unmarshal(raw, &res))
				assert.Equal(t, "selected", res.Outcome.Outcome)
				assert.Equal(t, tt.want, res.Outcome.OptionID)
			case <-time.After(5 * time.Second):
				t.Fatal("no permission reply received")
			}

			_, err := collect(t, c)
			require.NoError(t, err)
		})
	}
}

func TestClient_DisconnectFailsTurn(t *testing.T) {
	f := newFakeAgent()
	c := connectClient(t, startFakeAgent(t, f), ApprovalYolo)

	require.NoError(t, c.Send(context.Background(), "hang"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Disconnect()
	}()

	_, err := collect(t, c)
	assert.ErrorIs(t, err, ErrTransportClosed)

	assert.NoError(t, c.Disconnect(), "second disconnect is a no-op")
	assert.ErrorIs(t, c.Send(context.Background(), "after"), ErrTransportClosed)
}

func TestClient_InterruptSendsCancel(t *testing.T) {
	f := newFakeAgent()
	f.onPrompt = func(c *agentConn, id json.RawMessage, text string) {
		// Reply only after the cancel arrives.
		for i := 0; i < 100; i++ {
			f.mu.Lock()
			n := f.cancels
			f.mu.Unlock()
			if n > 0 {
				c.reply(id, map[string]any{"stopReason": "cancelled"})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	c := connectClient(t, startFakeAgent(t, f), ApprovalYolo)

	require.NoError(t, c.Send(context.Background(), "long task"))
	require.NoError(t, c.Interrupt(context.Background()))

	msgs, err := collect(t, c)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "cancelled", msgs[len(msgs)-1].StopReason)
}

func TestClient_PromptErrorEndsTurn(t *testing.T) {
	f := newFakeAgent()
	f.onPrompt = func(c *agentConn, id json.RawMessage, text string) {
		c.send(map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   map[string]any{"code": -32000, "message": "model unavailable"},
		})
	}
	c := connectClient(t, startFakeAgent(t, f), ApprovalYolo)

	require.NoError(t, c.Send(context.Background(), "hi"))
	_, err := collect(t, c)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransportClosed)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c := NewClient(Config{SessionID: "s1"}, zerolog.Nop())
	assert.ErrorIs(t, c.Send(context.Background(), "hi"), ErrNotConnected)

	for _, err := range c.Receive(context.Background()) {
		assert.ErrorIs(t, err, ErrNoTurn)
	}
	assert.NoError(t, c.Interrupt(context.Background()))
	assert.NoError(t, c.Disconnect())
}

func TestClient_ConnectReportsEarlyExit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	c := NewClient(Config{
		SessionID:      "s1",
		WorkingDir:     t.TempDir(),
		Command:        `sh -c "echo boom; exit 3"`,
		StartupTimeout: 5 * time.Second,
	}, zerolog.Nop())

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestClient_ConnectTimesOut(t *testing.T) {
	c := NewClient(Config{
		SessionID:      "s1",
		URL:            "ws://127.0.0.1:1/acp",
		StartupTimeout: 300 * time.Millisecond,
	}, zerolog.Nop())

	start := time.Now()
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
