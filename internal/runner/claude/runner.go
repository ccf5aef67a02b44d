// Package claude runs prompt turns against the Claude Code CLI in
// programmatic mode (-p with stream-json input and output) and translates
// its NDJSON event stream into canonical runner events.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/process"
	"github.com/agentbridge/agentbridge/internal/runner"
	"github.com/agentbridge/agentbridge/internal/sessiondir"
	"github.com/agentbridge/agentbridge/internal/textclean"
)

const defaultTimeout = 10 * time.Minute

// scanBufferSize bounds one NDJSON line; assistant snapshots with large
// tool inputs can run to megabytes.
const scanBufferSize = 4 * 1024 * 1024

// Runner owns at most one live claude subprocess. It remembers the CLI's
// session id per project so later turns on the same project resume the
// same conversation.
type Runner struct {
	command string
	store   *sessiondir.Store
	log     *slog.Logger

	mu       sync.Mutex
	disposed bool
	// killRequested records a Kill that arrived before the admitted turn
	// registered its subprocess; the turn honors it instead of running
	// orphaned.
	killRequested bool
	turn          *runner.Turn
	sessions      map[string]string // project id -> claude session id
}

var _ runner.Runner = (*Runner)(nil)

// New creates a claude Runner invoking the given CLI command.
func New(command string, store *sessiondir.Store, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		command:  command,
		store:    store,
		log:      log,
		sessions: make(map[string]string),
	}
}

// Run starts one prompt turn. See runner.Runner.
func (r *Runner) Run(opts runner.Options, h runner.Handlers) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		h.Error("Runner has been disposed")
		return
	}
	if r.killRequested {
		// Cancelled before this turn could spawn; the canceller already
		// delivered the terminal message.
		r.killRequested = false
		r.mu.Unlock()
		return
	}
	prev := r.turn
	r.turn = nil
	resume := ""
	if opts.ProjectID != "" {
		resume = r.sessions[opts.ProjectID]
	}
	r.mu.Unlock()

	// One turn at a time: a still-live previous subprocess is superseded.
	if prev != nil {
		prev.Kill()
	}

	workDir, err := r.workDir(opts.ProjectID)
	if err != nil {
		if errors.Is(err, sessiondir.ErrInvalidProjectID) {
			h.Error("Invalid projectId")
		} else {
			h.Error("Failed to prepare working directory: " + err.Error())
		}
		return
	}

	r.materialize(workDir, opts.Files)

	env := runner.AllowedEnv()
	if opts.ThinkingTokens >= 0 {
		env = append(env, "MAX_THINKING_TOKENS="+strconv.Itoa(opts.ThinkingTokens))
	}

	handle, err := process.Start(context.Background(), process.Config{
		Command:    r.command,
		Args:       buildArgs(opts, resume),
		WorkingDir: workDir,
		Env:        env,
	})
	if err != nil {
		h.Error("Failed to start claude: " + err.Error())
		return
	}

	turn := runner.NewTurn(handle)
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		turn.Kill()
		h.Error("Runner has been disposed")
		return
	}
	if r.killRequested {
		r.killRequested = false
		r.mu.Unlock()
		turn.Kill()
		return
	}
	r.turn = turn
	r.mu.Unlock()
	r.log.Debug("claude started", "pid", handle.Pid())

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	turn.StartTimeout(timeout, func() {
		h.Error("Process timed out")
	})

	// The prompt can exceed the pipe buffer; write it off the caller's
	// goroutine and close stdin to signal end of input.
	go func() {
		stdin := handle.Stdin()
		if stdin == nil {
			return
		}
		_, _ = stdin.Write(buildUserMessage(opts))
		_ = stdin.Close()
	}()

	go r.drainStderr(handle)
	go r.consume(handle, turn, workDir, opts.ProjectID, h)
}

// Kill best-effort terminates the live subprocess. A kill landing before
// the admitted turn has registered its subprocess is remembered and
// honored at registration. See runner.Runner.
func (r *Runner) Kill() {
	r.mu.Lock()
	turn := r.turn
	if turn == nil {
		r.killRequested = true
	}
	r.mu.Unlock()
	if turn != nil {
		turn.Kill()
	}
}

// Dispose kills any subprocess and rejects all future runs.
func (r *Runner) Dispose() {
	r.mu.Lock()
	r.disposed = true
	turn := r.turn
	r.turn = nil
	r.mu.Unlock()
	if turn != nil {
		turn.Kill()
	}
}

// workDir resolves the session directory for a project, or a throwaway
// directory for project-less turns.
func (r *Runner) workDir(projectID string) (string, error) {
	if projectID != "" {
		return r.store.Resolve(projectID)
	}
	return os.MkdirTemp("", "agentbridge-")
}

// materialize writes file attachments into the working directory. Paths
// escaping the directory are skipped, not fatal.
func (r *Runner) materialize(workDir string, files []runner.FileAttachment) {
	for _, f := range files {
		if err := sessiondir.WriteFile(workDir, f.Path, f.Content); err != nil {
			r.log.Warn("skipping file attachment", "path", f.Path, "error", err)
		}
	}
}

func buildArgs(opts runner.Options, resume string) []string {
	args := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	return args
}

// buildUserMessage encodes the prompt and image attachments as one
// stream-json user message line.
func buildUserMessage(opts runner.Options) []byte {
	content := []any{
		map[string]any{"type": "text", "text": opts.Prompt},
	}
	for _, img := range opts.Images {
		content = append(content, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": img.MediaType,
				"data":       img.Data,
			},
		})
	}
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	data, _ := json.Marshal(msg)
	return append(data, '\n')
}

func (r *Runner) drainStderr(handle *process.Handle) {
	stderr := handle.Stderr()
	if stderr == nil {
		return
	}
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := textclean.Clean(scanner.Text()); line != "" {
			r.log.Debug("claude stderr", "line", line)
		}
	}
}

// consume reads stdout line by line, translating recognized messages and
// mapping the eventual exit status if no stream message claimed the
// terminal slot first.
func (r *Runner) consume(handle *process.Handle, turn *runner.Turn, workDir, projectID string, h runner.Handlers) {
	stdout := handle.Stdout()
	if stdout != nil {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			msg, err := ParseMessage(line)
			if err != nil {
				// Backends emit heterogeneous shapes; robustness over
				// strictness.
				continue
			}
			r.handleMessage(msg, turn, workDir, projectID, h)
		}
	}

	status := process.ExitStatusFromError(handle.Wait())
	if !turn.Claim() {
		return
	}
	switch {
	case status.Code == 0:
		h.Complete()
	case status.Signaled:
		h.Error("claude terminated by signal " + status.Signal)
	default:
		h.Error(fmt.Sprintf("claude exited with code %d", status.Code))
	}
}

// handleMessage maps one parsed message onto canonical events. Unknown
// message types are ignored.
func (r *Runner) handleMessage(msg Message, turn *runner.Turn, workDir, projectID string, h runner.Handlers) {
	switch msg.Type {
	case MessageTypeSystem:
		if sid, ok := msg.GetString("session_id"); ok && projectID != "" {
			r.mu.Lock()
			r.sessions[projectID] = sid
			r.mu.Unlock()
		}

	case MessageTypeContentBlockDelta:
		delta, ok := msg.GetMap("delta")
		if !ok {
			return
		}
		switch delta["type"] {
		case "text_delta":
			if text, ok := delta["text"].(string); ok && text != "" {
				h.Chunk(text, false)
			}
		case "thinking_delta":
			if text, ok := delta["thinking"].(string); ok && text != "" {
				h.Chunk(text, true)
			}
		}

	case MessageTypeContentBlockStart:
		block, ok := msg.GetMap("content_block")
		if !ok || block["type"] != "tool_use" {
			return
		}
		ev := runner.ToolEvent{Phase: "start"}
		ev.Name, _ = block["name"].(string)
		ev.ID, _ = block["id"].(string)
		if input, ok := block["input"].(map[string]any); ok && len(input) > 0 {
			ev.Input, _ = json.Marshal(input)
		}
		h.Tool(ev)

	case MessageTypeUser:
		// Tool results come back wrapped in a user message.
		content, ok := msg.GetArray("message", "content")
		if !ok {
			return
		}
		for _, item := range content {
			itemMap, ok := item.(map[string]any)
			if !ok || itemMap["type"] != "tool_result" {
				continue
			}
			ev := runner.ToolEvent{Phase: "complete"}
			ev.ID, _ = itemMap["tool_use_id"].(string)
			h.Tool(ev)
		}

	case MessageTypeAssistant:
		r.handleAssistant(msg, workDir, h)

	case MessageTypeResult:
		subtype, _ := msg.GetString("subtype")
		if !turn.Claim() {
			return
		}
		if subtype == "success" {
			h.Complete()
			return
		}
		errText, ok := msg.GetString("result")
		if !ok || errText == "" {
			errText = "claude reported " + subtype
		}
		h.Error(errText)

	case MessageTypeError:
		message, ok := msg.GetString("error", "message")
		if !ok {
			message = "Unknown error"
		}
		if turn.Claim() {
			h.Error(message)
		}
	}
}

// handleAssistant scans a full assistant snapshot for file-mutating tool
// invocations and reports them as file changes.
func (r *Runner) handleAssistant(msg Message, workDir string, h runner.Handlers) {
	content, ok := msg.GetArray("message", "content")
	if !ok {
		return
	}
	for _, item := range content {
		block, ok := item.(map[string]any)
		if !ok || block["type"] != "tool_use" {
			continue
		}
		name, _ := block["name"].(string)
		input, _ := block["input"].(map[string]any)
		if input == nil {
			continue
		}
		path, _ := input["file_path"].(string)
		if path == "" {
			continue
		}
		if rel, err := filepath.Rel(workDir, path); err == nil && !filepath.IsAbs(rel) && rel != "." && !isUpward(rel) {
			path = filepath.ToSlash(rel)
		}

		switch name {
		case "Write":
			content, _ := input["content"].(string)
			h.File(runner.FileChange{Path: path, ChangeType: "create", Content: content})
		case "Edit", "MultiEdit", "NotebookEdit":
			h.File(runner.FileChange{Path: path, ChangeType: "update"})
		}
	}
}

func isUpward(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
