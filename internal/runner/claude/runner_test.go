package claude

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/agentbridge/agentbridge/internal/runner"
)

// recorder collects the canonical events producible by one turn.
type recorder struct {
	chunks    []string
	thinking  []bool
	tools     []runner.ToolEvent
	files     []runner.FileChange
	completes int
	errors    []string
}

func (rec *recorder) handlers() runner.Handlers {
	return runner.Handlers{
		OnChunk: func(text string, thinking bool) {
			rec.chunks = append(rec.chunks, text)
			rec.thinking = append(rec.thinking, thinking)
		},
		OnToolEvent:  func(ev runner.ToolEvent) { rec.tools = append(rec.tools, ev) },
		OnFileChange: func(ch runner.FileChange) { rec.files = append(rec.files, ch) },
		OnComplete:   func() { rec.completes++ },
		OnError:      func(msg string) { rec.errors = append(rec.errors, msg) },
	}
}

func feed(t *testing.T, r *Runner, turn *runner.Turn, workDir, projectID string, rec *recorder, lines ...string) {
	t.Helper()
	h := rec.handlers()
	for _, line := range lines {
		msg, err := ParseMessage([]byte(line))
		if err != nil {
			t.Fatalf("ParseMessage(%q) error = %v", line, err)
		}
		r.handleMessage(msg, turn, workDir, projectID, h)
	}
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name   string
		opts   runner.Options
		resume string
		want   []string
	}{
		{
			name: "base",
			opts: runner.Options{Prompt: "hi"},
			want: []string{"-p", "--verbose", "--output-format", "stream-json", "--input-format", "stream-json", "--include-partial-messages"},
		},
		{
			name: "model and system prompt",
			opts: runner.Options{Prompt: "hi", Model: "claude-sonnet-4-5", SystemPrompt: "be terse"},
			want: []string{"-p", "--verbose", "--output-format", "stream-json", "--input-format", "stream-json", "--include-partial-messages", "--model", "claude-sonnet-4-5", "--system-prompt", "be terse"},
		},
		{
			name:   "resume",
			opts:   runner.Options{Prompt: "hi"},
			resume: "sess_abc",
			want:   []string{"-p", "--verbose", "--output-format", "stream-json", "--input-format", "stream-json", "--include-partial-messages", "--resume", "sess_abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildArgs(tt.opts, tt.resume)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("buildArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildUserMessage(t *testing.T) {
	opts := runner.Options{
		Prompt: "describe this",
		Images: []runner.ImageAttachment{
			{MediaType: "image/png", Data: "aGVsbG8="},
		},
	}

	data := buildUserMessage(opts)
	if data[len(data)-1] != '\n' {
		t.Fatal("message not newline terminated")
	}

	var msg struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content []struct {
				Type   string `json:"type"`
				Text   string `json:"text"`
				Source struct {
					Type      string `json:"type"`
					MediaType string `json:"media_type"`
					Data      string `json:"data"`
				} `json:"source"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.Type != "user" || msg.Message.Role != "user" {
		t.Errorf("type/role = %s/%s, want user/user", msg.Type, msg.Message.Role)
	}
	if len(msg.Message.Content) != 2 {
		t.Fatalf("len(content) = %d, want 2", len(msg.Message.Content))
	}
	if msg.Message.Content[0].Type != "text" || msg.Message.Content[0].Text != "describe this" {
		t.Errorf("text block = %+v", msg.Message.Content[0])
	}
	img := msg.Message.Content[1]
	if img.Type != "image" || img.Source.Type != "base64" || img.Source.MediaType != "image/png" || img.Source.Data != "aGVsbG8=" {
		t.Errorf("image block = %+v", img)
	}
}

func TestHandleMessage_Chunks(t *testing.T) {
	r := New("claude", nil, nil)
	turn := runner.NewTurn(nil)
	rec := &recorder{}

	feed(t, r, turn, t.TempDir(), "", rec,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":""}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}}`,
	)

	want := []string{"Hello", "hmm"}
	if !reflect.DeepEqual(rec.chunks, want) {
		t.Errorf("chunks = %v, want %v", rec.chunks, want)
	}
	if rec.thinking[0] || !rec.thinking[1] {
		t.Errorf("thinking flags = %v, want [false true]", rec.thinking)
	}
}

func TestHandleMessage_ToolEvents(t *testing.T) {
	r := New("claude", nil, nil)
	turn := runner.NewTurn(nil)
	rec := &recorder{}

	feed(t, r, turn, t.TempDir(), "", rec,
		`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"Read","input":{"file_path":"main.go"}}}}`,
		`{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"package main"}]}}`,
	)

	if len(rec.tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(rec.tools))
	}
	start := rec.tools[0]
	if start.Phase != "start" || start.Name != "Read" || start.ID != "toolu_1" {
		t.Errorf("start event = %+v", start)
	}
	if string(start.Input) == "" {
		t.Error("start event lost its input")
	}
	done := rec.tools[1]
	if done.Phase != "complete" || done.ID != "toolu_1" {
		t.Errorf("complete event = %+v", done)
	}
}

func TestHandleMessage_FileChanges(t *testing.T) {
	r := New("claude", nil, nil)
	turn := runner.NewTurn(nil)
	rec := &recorder{}
	workDir := t.TempDir()

	abs := filepath.Join(workDir, "src", "app.go")
	feed(t, r, turn, workDir, "", rec,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"`+abs+`","content":"package src"}},{"type":"tool_use","id":"t2","name":"Edit","input":{"file_path":"other.go","old_string":"a","new_string":"b"}},{"type":"tool_use","id":"t3","name":"Bash","input":{"command":"ls"}}]}}`,
	)

	if len(rec.files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(rec.files))
	}
	if rec.files[0].ChangeType != "create" || rec.files[0].Path != "src/app.go" || rec.files[0].Content != "package src" {
		t.Errorf("Write change = %+v", rec.files[0])
	}
	if rec.files[1].ChangeType != "update" || rec.files[1].Path != "other.go" || rec.files[1].Content != "" {
		t.Errorf("Edit change = %+v", rec.files[1])
	}
}

func TestHandleMessage_ResultSuccess(t *testing.T) {
	r := New("claude", nil, nil)
	turn := runner.NewTurn(nil)
	rec := &recorder{}

	feed(t, r, turn, t.TempDir(), "", rec,
		`{"type":"result","subtype":"success","result":"all done"}`,
		`{"type":"result","subtype":"success","result":"duplicate"}`,
	)

	if rec.completes != 1 {
		t.Errorf("completes = %d, want 1", rec.completes)
	}
	if len(rec.errors) != 0 {
		t.Errorf("errors = %v, want none", rec.errors)
	}
}

func TestHandleMessage_ResultFailure(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "with result text",
			line: `{"type":"result","subtype":"error_during_execution","result":"tool blew up"}`,
			want: "tool blew up",
		},
		{
			name: "without result text",
			line: `{"type":"result","subtype":"error_max_turns"}`,
			want: "claude reported error_max_turns",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New("claude", nil, nil)
			turn := runner.NewTurn(nil)
			rec := &recorder{}

			feed(t, r, turn, t.TempDir(), "", rec, tt.line)

			if len(rec.errors) != 1 || rec.errors[0] != tt.want {
				t.Errorf("errors = %v, want [%q]", rec.errors, tt.want)
			}
			if rec.completes != 0 {
				t.Errorf("completes = %d, want 0", rec.completes)
			}
		})
	}
}

func TestHandleMessage_ErrorMessage(t *testing.T) {
	r := New("claude", nil, nil)
	turn := runner.NewTurn(nil)
	rec := &recorder{}

	feed(t, r, turn, t.TempDir(), "", rec,
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	)

	if len(rec.errors) != 1 || rec.errors[0] != "Overloaded" {
		t.Errorf("errors = %v, want [Overloaded]", rec.errors)
	}
}

func TestHandleMessage_SessionCapture(t *testing.T) {
	r := New("claude", nil, nil)
	turn := runner.NewTurn(nil)
	rec := &recorder{}

	feed(t, r, turn, t.TempDir(), "proj1", rec,
		`{"type":"system","subtype":"init","session_id":"sess_xyz"}`,
	)

	r.mu.Lock()
	got := r.sessions["proj1"]
	r.mu.Unlock()
	if got != "sess_xyz" {
		t.Errorf("sessions[proj1] = %q, want sess_xyz", got)
	}

	// Project-less turns do not record a session id.
	feed(t, r, turn, t.TempDir(), "", rec,
		`{"type":"system","subtype":"init","session_id":"sess_other"}`,
	)
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	if n != 1 {
		t.Errorf("len(sessions) = %d, want 1", n)
	}
}

func TestHandleMessage_TerminalAfterKill(t *testing.T) {
	r := New("claude", nil, nil)
	turn := runner.NewTurn(nil)
	rec := &recorder{}

	turn.Kill()
	feed(t, r, turn, t.TempDir(), "", rec,
		`{"type":"result","subtype":"success","result":"done"}`,
	)

	if rec.completes != 0 || len(rec.errors) != 0 {
		t.Errorf("terminal delivered after kill: completes=%d errors=%v", rec.completes, rec.errors)
	}
}

func TestRun_Disposed(t *testing.T) {
	r := New("claude", nil, nil)
	r.Dispose()

	rec := &recorder{}
	r.Run(runner.Options{Prompt: "hi", ThinkingTokens: -1}, rec.handlers())

	if len(rec.errors) != 1 || rec.errors[0] != "Runner has been disposed" {
		t.Errorf("errors = %v, want [Runner has been disposed]", rec.errors)
	}
}

func TestRun_KillBeforeStartSuppressesTurn(t *testing.T) {
	r := New("claude", nil, nil)
	r.Kill()

	rec := &recorder{}
	r.Run(runner.Options{Prompt: "hi"}, rec.handlers())

	if rec.completes != 0 || len(rec.errors) != 0 {
		t.Errorf("completes = %d, errors = %v, want none", rec.completes, rec.errors)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turn != nil {
		t.Error("turn registered after pre-start kill")
	}
	if r.killRequested {
		t.Error("killRequested not consumed")
	}
}
