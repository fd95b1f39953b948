package pool

import (
	"context"
	"iter"
	"sync"

	"github.com/204313508/iflow2web/internal/agent"
)

// timeline records transport activity across all fake transports of a test.
type timeline struct {
	mu     sync.Mutex
	events []string
}

func (tl *timeline) add(s string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.events = append(tl.events, s)
}

func (tl *timeline) snapshot() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.events...)
}

// fakeTransport replays a scripted reply for every Send.
type fakeTransport struct {
	cfg      agent.Config
	timeline *timeline

	// reply builds the messages for a prompt.
	reply func(text string) []agent.Message
	// hold, when set, delays the last message until it is closed.
	hold chan struct{}
	// recvErr is yielded after the scripted messages when set.
	recvErr    error
	connectErr error
	// sendErr is returned by the next Send, then cleared.
	sendErr error
	// dead is closed to simulate the agent going away; nil means alive.
	dead chan struct{}

	mu               sync.Mutex
	text             string
	connects         int
	disconnects      int
	interrupts       int
	pulledPastFinish bool
	stoppedEarly     bool
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	if err := f.sendErr; err != nil {
		f.sendErr = nil
		f.mu.Unlock()
		return err
	}
	f.text = text
	f.mu.Unlock()
	if f.timeline != nil {
		f.timeline.add("send:" + text)
	}
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) iter.Seq2[agent.Message, error] {
	return func(yield func(agent.Message, error) bool) {
		f.mu.Lock()
		text := f.text
		f.mu.Unlock()

		defer func() {
			if f.timeline != nil {
				f.timeline.add("end:" + text)
			}
		}()

		var msgs []agent.Message
		if f.reply != nil {
			msgs = f.reply(text)
		}

		for i, m := range msgs {
			if i == len(msgs)-1 && f.hold != nil {
				select {
				case <-f.hold:
				case <-ctx.Done():
					yield(agent.Message{}, ctx.Err())
					return
				}
			}
			if !yield(m, nil) {
				f.mu.Lock()
				f.stoppedEarly = true
				f.mu.Unlock()
				return
			}
			if m.Kind == agent.KindTaskFinish {
				f.mu.Lock()
				f.pulledPastFinish = true
				f.mu.Unlock()
			}
		}
		if f.recvErr != nil {
			yield(agent.Message{}, f.recvErr)
		}
	}
}

func (f *fakeTransport) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} {
	return f.dead
}

func (f *fakeTransport) sentText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text
}

func (f *fakeTransport) counts() (connects, disconnects, interrupts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.interrupts
}

func finishReply(text string) []agent.Message {
	return []agent.Message{
		{Kind: agent.KindAssistant, Text: text},
		{Kind: agent.KindTaskFinish, StopReason: "completed"},
	}
}
