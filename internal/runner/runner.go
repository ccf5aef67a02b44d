// Package runner defines the backend-agnostic contract for running one
// prompt turn against an external CLI agent. Each backend implements
// Runner with its own argument building and line-stream translation; the
// canonical event vocabulary in Handlers is all the rest of the system
// sees.
package runner

import (
	"encoding/json"
	"os"
	"strings"
	"time"
)

// Provider names the supported backends.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
)

// ImageAttachment is a base64-encoded image included with a prompt.
type ImageAttachment struct {
	MediaType string
	Data      string
}

// FileAttachment is a text file to materialize in the session directory
// before the turn starts.
type FileAttachment struct {
	Path    string
	Content string
}

// Options configures one prompt turn.
type Options struct {
	Prompt       string
	Model        string
	SystemPrompt string
	ProjectID    string
	// ThinkingTokens < 0 means unset.
	ThinkingTokens int
	Images         []ImageAttachment
	Files          []FileAttachment
	Timeout        time.Duration
}

// ToolEvent reports a backend tool or command invocation boundary.
type ToolEvent struct {
	Phase string // "start" or "complete"
	Name  string
	ID    string
	Input json.RawMessage
}

// FileChange reports a file mutation announced by the backend itself.
type FileChange struct {
	Path       string
	ChangeType string // "create", "update", or "delete"
	Content    string
}

// Handlers receives the canonical events for one turn. Any field may be
// nil. Exactly one of OnComplete/OnError fires per Run call, unless the
// turn is killed, in which case neither does.
type Handlers struct {
	OnChunk      func(text string, thinking bool)
	OnToolEvent  func(ToolEvent)
	OnFileChange func(FileChange)
	OnComplete   func()
	OnError      func(message string)
}

// Chunk invokes OnChunk if set.
func (h Handlers) Chunk(text string, thinking bool) {
	if h.OnChunk != nil {
		h.OnChunk(text, thinking)
	}
}

// Tool invokes OnToolEvent if set.
func (h Handlers) Tool(ev ToolEvent) {
	if h.OnToolEvent != nil {
		h.OnToolEvent(ev)
	}
}

// File invokes OnFileChange if set.
func (h Handlers) File(ch FileChange) {
	if h.OnFileChange != nil {
		h.OnFileChange(ch)
	}
}

// Complete invokes OnComplete if set.
func (h Handlers) Complete() {
	if h.OnComplete != nil {
		h.OnComplete()
	}
}

// Error invokes OnError if set.
func (h Handlers) Error(message string) {
	if h.OnError != nil {
		h.OnError(message)
	}
}

// Runner runs one prompt turn at a time against one backend subprocess.
// A Runner is exclusively owned by one connection and never shared.
type Runner interface {
	// Run starts one turn. Setup errors and all streaming are reported
	// through the handlers; Run itself returns once the subprocess is
	// launched.
	Run(opts Options, h Handlers)
	// Kill best-effort terminates the live subprocess and suppresses its
	// terminal callback. Never fails, even with nothing running.
	Kill()
	// Dispose kills and permanently rejects future Run calls.
	Dispose()
}

// Environment variables passed through to backend subprocesses verbatim.
var envAllowNames = map[string]struct{}{
	"PATH":   {},
	"HOME":   {},
	"USER":   {},
	"SHELL":  {},
	"LANG":   {},
	"LC_ALL": {},
	"TERM":   {},
	"TMPDIR": {},
}

// Prefixes for provider credential and configuration variables.
var envAllowPrefixes = []string{
	"ANTHROPIC_",
	"CLAUDE_",
	"CODEX_",
	"OPENAI_",
	"XDG_",
}

// AllowedEnv filters the parent environment down to the allow-list and
// appends extra entries (KEY=VALUE form).
func AllowedEnv(extra ...string) []string {
	env := make([]string, 0, len(envAllowNames)+len(extra))
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, ok := envAllowNames[name]; ok {
			env = append(env, kv)
			continue
		}
		for _, prefix := range envAllowPrefixes {
			if strings.HasPrefix(name, prefix) {
				env = append(env, kv)
				break
			}
		}
	}
	return append(env, extra...)
}
