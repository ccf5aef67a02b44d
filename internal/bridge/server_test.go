package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/agentbridge/internal/config"
	"github.com/agentbridge/agentbridge/pkg/api"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Stop)
	return srv, ts
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestServer_ConnectedGreeting(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dial(t, wsURL(ts, ""), nil)
	msg := readMessage(t, conn)

	if msg["type"] != api.MessageTypeConnected {
		t.Errorf("type = %v, want connected", msg["type"])
	}
	if msg["version"] != api.ProtocolVersion {
		t.Errorf("version = %v, want %s", msg["version"], api.ProtocolVersion)
	}
	if msg["agent"] != "claude" {
		t.Errorf("agent = %v, want claude", msg["agent"])
	}
}

func TestServer_OriginRejected(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), header)
	if err == nil {
		t.Fatal("dial succeeded with a disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %v, want 403", resp)
	}
}

func TestServer_OriginAllowed(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	})

	header := http.Header{"Origin": []string{"http://localhost:3000"}}
	conn := dial(t, wsURL(ts, ""), header)
	msg := readMessage(t, conn)
	if msg["type"] != api.MessageTypeConnected {
		t.Errorf("type = %v, want connected", msg["type"])
	}
}

func TestServer_TokenRequired(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.AuthToken = "s3cret"
	})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	if err == nil {
		t.Fatal("dial succeeded without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "token=wrong"), nil)
	if err == nil {
		t.Fatal("dial succeeded with wrong token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}

	conn := dial(t, wsURL(ts, "token=s3cret"), nil)
	msg := readMessage(t, conn)
	if msg["type"] != api.MessageTypeConnected {
		t.Errorf("type = %v, want connected", msg["type"])
	}
}

func TestServer_ProtocolErrors(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dial(t, wsURL(ts, ""), nil)
	readMessage(t, conn) // connected

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != api.MessageTypeError || msg["message"] != "Invalid message format" {
		t.Errorf("malformed JSON reply = %v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = readMessage(t, conn)
	if msg["type"] != api.MessageTypeError || msg["message"] != "Unknown message type: subscribe" {
		t.Errorf("unknown type reply = %v", msg)
	}

	// Protocol errors keep the connection usable.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"prompt","requestId":"r1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = readMessage(t, conn)
	if msg["type"] != api.MessageTypeError || msg["message"] != "Prompt is required" {
		t.Errorf("invalid prompt reply = %v", msg)
	}
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var results map[string]struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, name := range []string{"claude", "codex"} {
		if _, ok := results[name]; !ok {
			t.Errorf("missing provider %q in health response", name)
		}
	}
}

func TestRejectionTracker(t *testing.T) {
	rt := newRejectionTracker(nil)

	// First rejection per origin logs immediately; later ones count.
	rt.reject("http://a.example", "origin not allowed")
	rt.reject("http://a.example", "origin not allowed")
	rt.reject("http://a.example", "origin not allowed")
	rt.reject("http://b.example", "invalid token")

	rt.mu.Lock()
	countA := rt.counts["http://a.example"]
	countB := rt.counts["http://b.example"]
	rt.mu.Unlock()
	if countA != 2 {
		t.Errorf("counts[a] = %d, want 2", countA)
	}
	if countB != 0 {
		t.Errorf("counts[b] = %d, want 0", countB)
	}

	rt.flush()
	rt.mu.Lock()
	remaining := len(rt.counts)
	rt.mu.Unlock()
	if remaining != 0 {
		t.Errorf("counts after flush = %d entries, want 0", remaining)
	}
}
