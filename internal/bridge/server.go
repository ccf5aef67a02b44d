// Package bridge implements the WebSocket bridge server: boundary checks
// on new connections, one Session per accepted connection, the liveness
// heartbeat, and global shutdown.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentbridge/agentbridge/internal/config"
	"github.com/agentbridge/agentbridge/internal/probe"
	"github.com/agentbridge/agentbridge/internal/runner"
	"github.com/agentbridge/agentbridge/internal/runner/claude"
	"github.com/agentbridge/agentbridge/internal/runner/codex"
	"github.com/agentbridge/agentbridge/internal/sessiondir"
	"github.com/agentbridge/agentbridge/internal/watcher"
	"github.com/agentbridge/agentbridge/pkg/api"
)

// Server accepts WebSocket connections and supervises their sessions. It
// is the only writer to the connection map: insert on accept, remove on
// close or heartbeat eviction.
type Server struct {
	cfg   *config.Config
	log   *slog.Logger
	store *sessiondir.Store

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	ln       net.Listener

	mu         sync.Mutex
	sessions   map[string]*sessionConn
	rejections *rejectionTracker
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// sessionConn pairs a Session with its transport so heartbeat eviction
// can close both.
type sessionConn struct {
	session *Session
	conn    *wsConn
}

// NewServer builds a Server from configuration. The session-directory
// base is created eagerly so a misconfigured base fails at startup, not
// on the first prompt.
func NewServer(cfg *config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	store, err := sessiondir.New(cfg.BaseDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		log:   log,
		store: store,
		upgrader: websocket.Upgrader{
			// Origin is enforced before the upgrade; see checkBoundary.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions:   make(map[string]*sessionConn),
		rejections: newRejectionTracker(log),
		stopCh:     make(chan struct{}),
	}
	return s, nil
}

// Router returns the HTTP handler serving the bridge endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/health", s.handleHealth)
	return r
}

// Start begins listening and launches the heartbeat and rejection-flush
// timers. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: s.Router()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.httpSrv.Serve(ln)
	}()

	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.rejectionFlushLoop()

	s.log.Info("bridge listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop cancels the timers, flushes pending rejection counts, disposes
// every tracked connection, and closes the listener.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	s.mu.Lock()
	conns := make([]*sessionConn, 0, len(s.sessions))
	for id, sc := range s.sessions {
		conns = append(conns, sc)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		sc.session.Close()
		sc.conn.Close()
	}

	s.rejections.flush()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
	s.wg.Wait()
}

// handleHealth reports CLI availability per configured provider.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]probe.Result, len(s.cfg.Providers))
	for name := range s.cfg.Providers {
		results[name] = probe.Check(r.Context(), s.cfg.Command(name))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(results)
}

// handleWS performs the boundary checks, upgrades, and runs the
// connection's read loop until it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkBoundary(w, r) {
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	raw.SetReadLimit(s.cfg.MaxMessageBytes)

	conn := newWSConn(raw)
	id := uuid.NewString()
	session := NewSession(id, conn, s.cfg, s.runnerFactory(), s.watcherFactory(), s.log)

	raw.SetPongHandler(func(string) error {
		session.MarkAlive()
		return nil
	})

	s.mu.Lock()
	s.sessions[id] = &sessionConn{session: session, conn: conn}
	s.mu.Unlock()

	session.sendMessage(api.ConnectedMessage{
		Type:    api.MessageTypeConnected,
		Version: api.ProtocolVersion,
		Agent:   s.cfg.DefaultProvider,
		Mode:    "default",
	})

	s.log.Info("connection accepted", "connection", id, "remote", r.RemoteAddr)
	s.readLoop(session, raw)

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	session.Close()
	conn.Close()
	s.log.Info("connection closed", "connection", id)
}

// checkBoundary enforces the origin allow-list and the auth token before
// the upgrade. Rejections use distinct HTTP statuses and are logged with
// flood dampening.
func (s *Server) checkBoundary(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.cfg.AllowedOrigins) > 0 && !originAllowed(origin, s.cfg.AllowedOrigins) {
		s.rejections.reject(origin, "origin not allowed")
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return false
	}
	if s.cfg.AuthToken != "" && r.URL.Query().Get("token") != s.cfg.AuthToken {
		s.rejections.reject(origin, "invalid token")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return false
	}
	return true
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return false
}

// readLoop decodes inbound messages until the connection drops. Protocol
// errors keep the connection open.
func (s *Server) readLoop(session *Session, raw *websocket.Conn) {
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}

		var env api.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			session.sendError("Invalid message format", "")
			continue
		}

		switch env.Type {
		case api.MessageTypePrompt:
			var msg api.PromptMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				session.sendError("Invalid prompt message", "")
				continue
			}
			session.HandlePrompt(&msg)
		case api.MessageTypeCancel:
			var msg api.CancelMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				session.sendError("Invalid cancel message", "")
				continue
			}
			session.HandleCancel(&msg)
		default:
			session.sendError("Unknown message type: "+env.Type, "")
		}
	}
}

// runnerFactory builds backend runners bound to this server's store.
func (s *Server) runnerFactory() runnerFactory {
	return func(provider string) runner.Runner {
		command := s.cfg.Command(provider)
		switch provider {
		case string(runner.ProviderCodex):
			return codex.New(command, s.store, s.log)
		default:
			return claude.New(command, s.store, s.log)
		}
	}
}

// watcherFactory builds change watchers rooted at a project's session
// directory.
func (s *Server) watcherFactory() watcherFactory {
	return func(projectID string, onChange func(watcher.Change)) requestWatcher {
		dir, err := s.store.Resolve(projectID)
		if err != nil {
			// Best effort: the runner will surface invalid projects.
			return nil
		}
		return watcher.New(dir, s.cfg.DebounceInterval, onChange, s.log)
	}
}

// heartbeatLoop probes every tracked connection on a fixed interval and
// evicts the ones whose transport died without a clean close.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.heartbeatSweep()
		}
	}
}

func (s *Server) heartbeatSweep() {
	s.mu.Lock()
	type probeTarget struct {
		id string
		sc *sessionConn
	}
	var dead, live []probeTarget
	for id, sc := range s.sessions {
		if sc.session.CheckAlive() {
			live = append(live, probeTarget{id, sc})
		} else {
			dead = append(dead, probeTarget{id, sc})
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, t := range dead {
		s.log.Info("evicting unresponsive connection", "connection", t.id)
		t.sc.session.Close()
		t.sc.conn.Close()
	}
	for _, t := range live {
		if err := t.sc.conn.Ping(); err != nil {
			s.log.Debug("heartbeat ping failed", "connection", t.id, "error", err)
		}
	}
}

// rejectionFlushLoop periodically emits aggregated rejection counts.
func (s *Server) rejectionFlushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RejectionFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.rejections.flush()
		}
	}
}

// rejectionTracker dampens rejection logging: the first rejection per
// distinct origin is logged immediately, later ones are counted and
// flushed as one aggregated line per interval.
type rejectionTracker struct {
	log *slog.Logger

	mu     sync.Mutex
	seen   map[string]bool
	counts map[string]int
}

func newRejectionTracker(log *slog.Logger) *rejectionTracker {
	if log == nil {
		log = slog.Default()
	}
	return &rejectionTracker{
		log:    log,
		seen:   make(map[string]bool),
		counts: make(map[string]int),
	}
}

func (rt *rejectionTracker) reject(origin, reason string) {
	if origin == "" {
		origin = "(no origin)"
	}
	rt.mu.Lock()
	first := !rt.seen[origin]
	if first {
		rt.seen[origin] = true
	} else {
		rt.counts[origin]++
	}
	rt.mu.Unlock()

	if first {
		rt.log.Warn("connection rejected", "origin", origin, "reason", reason)
	}
}

func (rt *rejectionTracker) flush() {
	rt.mu.Lock()
	counts := rt.counts
	rt.counts = make(map[string]int)
	rt.mu.Unlock()

	for origin, n := range counts {
		rt.log.Warn("connections rejected", "origin", origin, "count", n)
	}
}
