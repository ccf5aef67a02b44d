// Package codex runs prompt turns against the Codex CLI in non-interactive
// mode (codex exec --json) and translates its item-oriented JSONL event
// stream into canonical runner events.
package codex

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/process"
	"github.com/agentbridge/agentbridge/internal/runner"
	"github.com/agentbridge/agentbridge/internal/sessiondir"
	"github.com/agentbridge/agentbridge/internal/textclean"
)

const defaultTimeout = 10 * time.Minute

const scanBufferSize = 4 * 1024 * 1024

// Runner owns at most one live codex subprocess. The thread id from the
// first event of a turn is remembered per project, so later turns resume
// the same thread.
type Runner struct {
	command string
	store   *sessiondir.Store
	log     *slog.Logger

	mu       sync.Mutex
	disposed bool
	turn     *runner.Turn
	threads  map[string]string // project id -> codex thread id

	// killRequested records a Kill that arrived before the admitted turn
	// registered its subprocess; the turn honors it instead of running
	// orphaned.
	killRequested bool
}

var _ runner.Runner = (*Runner)(nil)

// New creates a codex Runner invoking the given CLI command.
func New(command string, store *sessiondir.Store, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		command: command,
		store:   store,
		log:     log,
		threads: make(map[string]string),
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
		resume = r.threads[opts.ProjectID]
	}
	r.mu.Unlock()

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
	imagePaths := r.writeImages(workDir, opts.Images)

	handle, err := process.Start(context.Background(), process.Config{
		Command:    r.command,
		Args:       buildArgs(opts, resume, imagePaths),
		WorkingDir: workDir,
		Env:        runner.AllowedEnv(),
	})
	if err != nil {
		h.Error("Failed to start codex: " + err.Error())
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
	r.log.Debug("codex started", "pid", handle.Pid())

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	turn.StartTimeout(timeout, func() {
		h.Error("Process timed out")
	})

	go func() {
		stdin := handle.Stdin()
		if stdin == nil {
			return
		}
		_, _ = stdin.Write([]byte(buildPrompt(opts)))
		_ = stdin.Close()
	}()

	go r.drainStderr(handle)
	go r.consume(handle, turn, opts.ProjectID, h)
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

func (r *Runner) workDir(projectID string) (string, error) {
	if projectID != "" {
		return r.store.Resolve(projectID)
	}
	return os.MkdirTemp("", "agentbridge-")
}

func (r *Runner) materialize(workDir string, files []runner.FileAttachment) {
	for _, f := range files {
		if err := sessiondir.WriteFile(workDir, f.Path, f.Content); err != nil {
			r.log.Warn("skipping file attachment", "path", f.Path, "error", err)
		}
	}
}

// writeImages decodes image attachments into the working directory and
// returns their paths for the --image flag. Codex has no stdin image
// convention, so images travel as files.
func (r *Runner) writeImages(workDir string, images []runner.ImageAttachment) []string {
	paths := make([]string, 0, len(images))
	for i, img := range images {
		data, err := base64Decode(img.Data)
		if err != nil {
			r.log.Warn("skipping undecodable image", "index", i, "error", err)
			continue
		}
		name := fmt.Sprintf(".agentbridge-image-%d%s", i, extensionFor(img.MediaType))
		path := filepath.Join(workDir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			r.log.Warn("skipping image attachment", "index", i, "error", err)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

func buildArgs(opts runner.Options, resume string, imagePaths []string) []string {
	args := []string{"exec"}
	if resume != "" {
		args = append(args, "resume", resume)
	}
	args = append(args, "--json", "--skip-git-repo-check")
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	for _, p := range imagePaths {
		args = append(args, "--image", p)
	}
	// "-" makes codex read the prompt from stdin.
	return append(args, "-")
}

// buildPrompt folds the system prompt into the user prompt: codex exec has
// no separate system-prompt channel.
func buildPrompt(opts runner.Options) string {
	if opts.SystemPrompt == "" {
		return opts.Prompt
	}
	return opts.SystemPrompt + "\n\n" + opts.Prompt
}

func (r *Runner) drainStderr(handle *process.Handle) {
	stderr := handle.Stderr()
	if stderr == nil {
		return
	}
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := textclean.Clean(scanner.Text()); line != "" {
			r.log.Debug("codex stderr", "line", line)
		}
	}
}

func (r *Runner) consume(handle *process.Handle, turn *runner.Turn, projectID string, h runner.Handlers) {
	stdout := handle.Stdout()
	if stdout != nil {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var event map[string]any
			if err := json.Unmarshal(line, &event); err != nil {
				continue
			}
			r.handleEvent(event, turn, projectID, h)
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
		h.Error("codex terminated by signal " + status.Signal)
	default:
		h.Error(fmt.Sprintf("codex exited with code %d", status.Code))
	}
}

// handleEvent maps one codex JSONL event onto canonical events. Unknown
// event and item types are ignored.
func (r *Runner) handleEvent(event map[string]any, turn *runner.Turn, projectID string, h runner.Handlers) {
	eventType, _ := event["type"].(string)
	switch eventType {
	case "thread.started":
		if tid, ok := event["thread_id"].(string); ok && projectID != "" {
			r.mu.Lock()
			r.threads[projectID] = tid
			r.mu.Unlock()
		}

	case "item.started", "item.completed":
		item, ok := event["item"].(map[string]any)
		if !ok {
			return
		}
		r.handleItem(eventType, item, h)

	case "turn.completed":
		if turn.Claim() {
			h.Complete()
		}

	case "turn.failed":
		message := "codex turn failed"
		if errMap, ok := event["error"].(map[string]any); ok {
			if m, ok := errMap["message"].(string); ok && m != "" {
				message = m
			}
		}
		if turn.Claim() {
			h.Error(message)
		}

	case "error":
		message, _ := event["message"].(string)
		if message == "" {
			message = "Unknown error"
		}
		if turn.Claim() {
			h.Error(message)
		}
	}
}

func (r *Runner) handleItem(eventType string, item map[string]any, h runner.Handlers) {
	itemType, _ := item["item_type"].(string)
	if itemType == "" {
		itemType, _ = item["type"].(string)
	}
	itemID, _ := item["id"].(string)
	completed := eventType == "item.completed"

	switch itemType {
	case "agent_message":
		if !completed {
			return
		}
		if text, ok := item["text"].(string); ok && text != "" {
			h.Chunk(text, false)
		}

	case "reasoning":
		if !completed {
			return
		}
		if text, ok := item["text"].(string); ok && text != "" {
			h.Chunk(text, true)
		}

	case "command_execution":
		ev := runner.ToolEvent{Phase: "start", Name: "command_execution", ID: itemID}
		if completed {
			ev.Phase = "complete"
		}
		if command, ok := item["command"].(string); ok && command != "" {
			ev.Input, _ = json.Marshal(map[string]string{"command": command})
		}
		h.Tool(ev)

	case "mcp_tool_call":
		ev := runner.ToolEvent{Phase: "start", ID: itemID}
		if completed {
			ev.Phase = "complete"
		}
		server, _ := item["server"].(string)
		tool, _ := item["tool"].(string)
		ev.Name = tool
		if server != "" {
			ev.Name = server + "." + tool
		}
		h.Tool(ev)

	case "file_change":
		if !completed {
			return
		}
		changes, ok := item["changes"].([]any)
		if !ok {
			return
		}
		for _, raw := range changes {
			change, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			path, _ := change["path"].(string)
			if path == "" {
				continue
			}
			kind, _ := change["kind"].(string)
			h.File(runner.FileChange{Path: filepath.ToSlash(path), ChangeType: changeTypeFor(kind)})
		}
	}
}

func changeTypeFor(kind string) string {
	switch kind {
	case "add":
		return "create"
	case "delete":
		return "delete"
	default:
		return "update"
	}
}

func base64Decode(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}
