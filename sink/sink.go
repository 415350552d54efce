// Package sink opens the destination the client writes the H.264 stream to:
// stdout, a file, or a websocket endpoint.
package sink

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stdout is the target name for standard output.
const Stdout = "-"

// Open returns a sink for target. Each Write on a websocket sink is sent as
// one binary message.
func Open(target string) (io.WriteCloser, error) {
	switch {
	case target == "" || target == Stdout:
		return nopCloser{os.Stdout}, nil
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		ws, err := DialWebSocket(target, nil)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}

	f, err := os.Create(target)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

type WebSocket struct {
	sem     sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func DialWebSocket(url string, header http.Header) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("sink: dial %s: %w", url, err)
	}
	return &WebSocket{conn: conn, timeout: 5 * time.Second}, nil
}

func (s *WebSocket) Write(b []byte) (int, error) {
	s.sem.Lock()
	defer s.sem.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return 0, err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a normal closure before closing the connection.
func (s *WebSocket) Close() error {
	s.sem.Lock()
	defer s.sem.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
