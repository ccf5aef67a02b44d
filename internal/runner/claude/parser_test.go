package claude

import (
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType MessageType
		wantErr  bool
	}{
		{
			name:     "system init",
			input:    `{"type":"system","subtype":"init","session_id":"sess_abc","model":"claude-sonnet-4-5"}`,
			wantType: MessageTypeSystem,
			wantErr:  false,
		},
		{
			name:     "assistant message",
			input:    `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
			wantType: MessageTypeAssistant,
			wantErr:  false,
		},
		{
			name:     "result success",
			input:    `{"type":"result","subtype":"success","result":"done","session_id":"sess_abc"}`,
			wantType: MessageTypeResult,
			wantErr:  false,
		},
		{
			name:     "error",
			input:    `{"type":"error","error":{"type":"invalid_request","message":"Invalid API key"}}`,
			wantType: MessageTypeError,
			wantErr:  false,
		},
		{
			name:     "empty",
			input:    "",
			wantErr:  true,
		},
		{
			name:     "invalid JSON",
			input:    `{invalid json}`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if msg.Type != tt.wantType {
					t.Errorf("ParseMessage() type = %v, want %v", msg.Type, tt.wantType)
				}
			}
		})
	}
}

func TestParseMessage_StreamEventEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType MessageType
	}{
		{
			name:     "content_block_delta unwrapped",
			input:    `{"type":"stream_event","session_id":"sess_abc","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}`,
			wantType: MessageTypeContentBlockDelta,
		},
		{
			name:     "content_block_start unwrapped",
			input:    `{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"Read"}}}`,
			wantType: MessageTypeContentBlockStart,
		},
		{
			name:     "message_stop unwrapped",
			input:    `{"type":"stream_event","event":{"type":"message_stop"}}`,
			wantType: MessageTypeMessageStop,
		},
		{
			name:     "ping unwrapped",
			input:    `{"type":"stream_event","event":{"type":"ping"}}`,
			wantType: MessageTypePing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("ParseMessage() error = %v", err)
			}
			if msg.Type != tt.wantType {
				t.Errorf("ParseMessage() type = %v, want %v", msg.Type, tt.wantType)
			}
		})
	}

	// The unwrapped data must be the inner event, not the envelope.
	msg, err := ParseMessage([]byte(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}}`))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	text, ok := msg.GetString("delta", "text")
	if !ok || text != "Hello" {
		t.Errorf("GetString(delta, text) = %q, %v; want %q, true", text, ok, "Hello")
	}
}

func TestMessage_GetString(t *testing.T) {
	input := `{"type":"test","delta":{"text":"hello"},"nested":{"deep":{"value":"world"}}}`
	msg, err := ParseMessage([]byte(input))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	tests := []struct {
		name string
		path []string
		want string
		ok   bool
	}{
		{"top-level", []string{"type"}, "test", true},
		{"one level deep", []string{"delta", "text"}, "hello", true},
		{"two levels deep", []string{"nested", "deep", "value"}, "world", true},
		{"missing key", []string{"missing"}, "", false},
		{"missing nested key", []string{"delta", "missing"}, "", false},
		{"path through non-object", []string{"type", "text"}, "", false},
		{"empty path", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := msg.GetString(tt.path...)
			if got != tt.want || ok != tt.ok {
				t.Errorf("GetString(%v) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestMessage_GetMap(t *testing.T) {
	input := `{"type":"test","content_block":{"type":"tool_use","name":"Read"},"count":3}`
	msg, err := ParseMessage([]byte(input))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	block, ok := msg.GetMap("content_block")
	if !ok {
		t.Fatal("GetMap(content_block) not found")
	}
	if block["name"] != "Read" {
		t.Errorf("content_block.name = %v, want Read", block["name"])
	}

	if _, ok := msg.GetMap("count"); ok {
		t.Error("GetMap(count) should fail on a number")
	}
	if _, ok := msg.GetMap("missing"); ok {
		t.Error("GetMap(missing) should fail")
	}
}

func TestMessage_GetArray(t *testing.T) {
	input := `{"type":"test","message":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}`
	msg, err := ParseMessage([]byte(input))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	content, ok := msg.GetArray("message", "content")
	if !ok {
		t.Fatal("GetArray(message, content) not found")
	}
	if len(content) != 2 {
		t.Errorf("len(content) = %d, want 2", len(content))
	}

	if _, ok := msg.GetArray("type"); ok {
		t.Error("GetArray(type) should fail on a string")
	}
}
