package agent

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsStream carries the newline-delimited JSON-RPC stream of an ACP connection
// over a websocket that holds one message per text frame.
type wsStream struct {
	conn *websocket.Conn

	// onFrame sees every inbound message, in wire order, before it is read.
	onFrame func([]byte)
	// onLost is called once when reading or writing fails.
	onLost func(error)

	// Only the ACP connection's reader touches readBuf.
	readBuf []byte

	writeMu sync.Mutex
	line    []byte

	lostOnce  sync.Once
	closeOnce sync.Once
}

func newWSStream(conn *websocket.Conn, onFrame func([]byte), onLost func(error)) *wsStream {
	return &wsStream{conn: conn, onFrame: onFrame, onLost: onLost}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.readBuf) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.lost(err)
			return 0, io.EOF
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		if s.onFrame != nil {
			s.onFrame(data)
		}
		s.readBuf = append(data, '\n')
	}

	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

// Write buffers p and sends every complete line as its own frame.
func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.line = append(s.line, p...)
	for {
		i := bytes.IndexByte(s.line, '\n')
		if i < 0 {
			return len(p), nil
		}
		msg := bytes.TrimSpace(s.line[:i])
		if len(msg) > 0 {
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.line = s.line[:0]
				s.lost(err)
				return 0, fmt.Errorf("%w: %v", ErrTransportClosed, err)
			}
		}
		s.line = s.line[i+1:]
	}
}

// Close sends a close frame and closes the socket. Calling it more than once is a no-op.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) lost(err error) {
	s.lostOnce.Do(func() {
		s.conn.Close()
		if s.onLost != nil {
			s.onLost(err)
		}
	})
}
