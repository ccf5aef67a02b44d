package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wsConn wraps a *websocket.Conn with mutex-guarded writes. Runner
// goroutines, the watcher, and the heartbeat all write to one connection;
// gorilla permits only one concurrent writer.
type wsConn struct {
	c      *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{c: c}
}

// Send marshals v as JSON and writes it as a text message.
func (wc *wsConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws marshal: %w", err)
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return fmt.Errorf("ws connection closed")
	}
	_ = wc.c.SetWriteDeadline(time.Now().Add(writeWait))
	return wc.c.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a WebSocket ping control frame.
func (wc *wsConn) Ping() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return fmt.Errorf("ws connection closed")
	}
	return wc.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close closes the underlying connection once.
func (wc *wsConn) Close() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if !wc.closed {
		wc.closed = true
		_ = wc.c.Close()
	}
}
