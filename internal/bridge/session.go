package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentbridge/agentbridge/internal/config"
	"github.com/agentbridge/agentbridge/internal/runner"
	"github.com/agentbridge/agentbridge/internal/watcher"
	"github.com/agentbridge/agentbridge/pkg/api"
)

// messageSender delivers one outbound wire message.
type messageSender interface {
	Send(v any) error
}

// requestWatcher is the slice of watcher.Watcher the session drives.
type requestWatcher interface {
	Start()
	Flush()
	Stop()
}

// runnerFactory creates the Runner for a provider on first use.
type runnerFactory func(provider string) runner.Runner

// watcherFactory creates a change watcher scoped to a project's session
// directory, delivering into onChange. Returns nil when the directory
// cannot be resolved or watching is unavailable.
type watcherFactory func(projectID string, onChange func(watcher.Change)) requestWatcher

// Session holds the per-connection admission and cancellation state
// machine. It owns the connection's Runners (one per provider, created
// lazily and reused for multi-turn continuation) and at most one active
// change watcher.
type Session struct {
	id    string
	send  messageSender
	cfg   *config.Config
	log   *slog.Logger
	alive atomic.Bool

	newRunner  runnerFactory
	newWatcher watcherFactory

	mu           sync.Mutex
	closed       bool
	activeReqID  string
	activeRunner runner.Runner
	watcher      requestWatcher
	runners      map[string]runner.Runner
}

// NewSession wires a session around an accepted connection.
func NewSession(id string, send messageSender, cfg *config.Config, newRunner runnerFactory, newWatcher watcherFactory, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		id:         id,
		send:       send,
		cfg:        cfg,
		log:        log.With("connection", id),
		newRunner:  newRunner,
		newWatcher: newWatcher,
		runners:    make(map[string]runner.Runner),
	}
	s.alive.Store(true)
	return s
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// MarkAlive records a heartbeat reply.
func (s *Session) MarkAlive() { s.alive.Store(true) }

// CheckAlive returns the liveness flag and clears it for the next probe
// round.
func (s *Session) CheckAlive() bool { return s.alive.Swap(false) }

// HandlePrompt admits one prompt turn. A second prompt while one is in
// flight is rejected without touching the active request.
func (s *Session) HandlePrompt(msg *api.PromptMessage) {
	if err := validatePrompt(msg); err != nil {
		s.sendError(err.Error(), msg.RequestID)
		return
	}

	provider := normalizeProvider(msg.Provider, s.cfg.DefaultProvider)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.activeReqID != "" {
		s.mu.Unlock()
		s.sendError("Request already in progress", msg.RequestID)
		return
	}
	s.activeReqID = msg.RequestID

	r, ok := s.runners[provider]
	if !ok {
		r = s.newRunner(provider)
		s.runners[provider] = r
	}
	s.activeRunner = r
	s.mu.Unlock()

	// Watcher setup walks the project tree; like the runner dispatch it
	// runs off the read loop and outside the session lock so cancels are
	// never stalled behind it.
	if msg.ProjectID != "" && s.newWatcher != nil {
		projectID, reqID := msg.ProjectID, msg.RequestID
		go func() {
			if w := s.startWatcher(projectID, reqID); w != nil {
				s.attachWatcher(w, reqID)
			}
		}()
	}

	opts := runner.Options{
		Prompt:         msg.Prompt,
		Model:          msg.Model,
		SystemPrompt:   msg.SystemPrompt,
		ProjectID:      msg.ProjectID,
		ThinkingTokens: thinkingTokens(msg),
		Timeout:        s.cfg.RunTimeout,
	}
	for _, img := range msg.Images {
		opts.Images = append(opts.Images, runner.ImageAttachment{MediaType: img.MediaType, Data: img.Data})
	}
	for _, f := range msg.Files {
		opts.Files = append(opts.Files, runner.FileAttachment{Path: f.Path, Content: f.Content})
	}

	reqID := msg.RequestID
	handlers := runner.Handlers{
		OnChunk: func(text string, thinking bool) {
			s.sendMessage(api.ChunkMessage{Type: api.MessageTypeChunk, Content: text, RequestID: reqID, Thinking: thinking})
		},
		OnToolEvent: func(ev runner.ToolEvent) {
			s.sendMessage(api.ToolEventMessage{
				Type:      api.MessageTypeToolEvent,
				RequestID: reqID,
				Event:     ev.Phase,
				ToolName:  ev.Name,
				ToolID:    ev.ID,
				Input:     ev.Input,
			})
		},
		OnFileChange: func(ch runner.FileChange) {
			s.sendMessage(api.FileChangeMessage{
				Type:       api.MessageTypeFileChange,
				RequestID:  reqID,
				Path:       ch.Path,
				ChangeType: ch.ChangeType,
				Content:    ch.Content,
			})
		},
		OnComplete: func() { s.finish(reqID, "") },
		OnError:    func(message string) { s.finish(reqID, message) },
	}

	// Run performs filesystem work before the spawn; keep it off the
	// connection's read loop.
	go r.Run(opts, handlers)
}

// startWatcher builds and starts the change watcher for one request.
// Watching is best effort; any failure leaves the request without
// file-change notifications.
func (s *Session) startWatcher(projectID, reqID string) requestWatcher {
	w := s.newWatcher(projectID, func(ch watcher.Change) {
		s.sendMessage(api.FileChangeMessage{
			Type:       api.MessageTypeFileChange,
			RequestID:  reqID,
			Path:       ch.Path,
			ChangeType: ch.ChangeType,
			Content:    ch.Content,
		})
	})
	if w == nil {
		return nil
	}
	w.Start()
	return w
}

// attachWatcher hands a started watcher to the session. If the request
// was cancelled or the session closed while the watcher was being set
// up, the watcher is stopped instead of attached.
func (s *Session) attachWatcher(w requestWatcher, reqID string) {
	s.mu.Lock()
	if s.closed || s.activeReqID != reqID {
		s.mu.Unlock()
		w.Stop()
		return
	}
	s.watcher = w
	s.mu.Unlock()
}

// finish delivers a request's terminal message, flushing the watcher
// first so every file change for the turn precedes complete/error.
func (s *Session) finish(reqID, errMessage string) {
	s.mu.Lock()
	if s.closed || s.activeReqID != reqID {
		// Superseded by cancellation or close; that path already
		// delivered the terminal message.
		s.mu.Unlock()
		return
	}
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if w != nil {
		w.Flush()
		w.Stop()
	}

	s.mu.Lock()
	if s.closed || s.activeReqID != reqID {
		s.mu.Unlock()
		return
	}
	s.activeReqID = ""
	s.activeRunner = nil
	s.mu.Unlock()

	if errMessage == "" {
		s.sendMessage(api.CompleteMessage{Type: api.MessageTypeComplete, RequestID: reqID})
	} else {
		s.sendError(errMessage, reqID)
	}
}

// HandleCancel aborts the active request, if any. The watcher is dropped
// without flushing: cancellation intentionally discards in-flight
// file-change notifications.
func (s *Session) HandleCancel(msg *api.CancelMessage) {
	s.mu.Lock()
	if s.closed || s.activeReqID == "" {
		s.mu.Unlock()
		return
	}
	prevID := s.activeReqID
	r := s.activeRunner
	w := s.watcher
	s.activeReqID = ""
	s.activeRunner = nil
	s.watcher = nil
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if r != nil {
		r.Kill()
	}
	s.sendError("Request cancelled", prevID)
}

// Close stops the watcher and disposes every runner. No flush: the
// connection is gone and nobody is listening.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	w := s.watcher
	s.watcher = nil
	s.activeReqID = ""
	s.activeRunner = nil
	runners := make([]runner.Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.runners = make(map[string]runner.Runner)
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	for _, r := range runners {
		r.Dispose()
	}
}

func (s *Session) sendMessage(v any) {
	if err := s.send.Send(v); err != nil {
		s.log.Debug("send failed", "error", err)
	}
}

func (s *Session) sendError(message, reqID string) {
	s.sendMessage(api.ErrorMessage{Type: api.MessageTypeError, Message: message, RequestID: reqID})
}

// normalizeProvider maps the wire provider field to a known backend,
// silently defaulting unknown values to the primary one.
func normalizeProvider(requested, fallback string) string {
	switch requested {
	case string(runner.ProviderClaude), string(runner.ProviderCodex):
		return requested
	default:
		return fallback
	}
}
