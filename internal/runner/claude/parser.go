package claude

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a message in the claude CLI's NDJSON output.
type MessageType string

const (
	MessageTypeSystem            MessageType = "system"
	MessageTypeAssistant         MessageType = "assistant"
	MessageTypeUser              MessageType = "user"
	MessageTypeResult            MessageType = "result"
	MessageTypeError             MessageType = "error"
	MessageTypeContentBlockStart MessageType = "content_block_start"
	MessageTypeContentBlockDelta MessageType = "content_block_delta"
	MessageTypeContentBlockStop  MessageType = "content_block_stop"
	MessageTypeMessageStart      MessageType = "message_start"
	MessageTypeMessageStop       MessageType = "message_stop"
	MessageTypePing              MessageType = "ping"
)

// Message is one parsed line of claude CLI output. Data is the raw JSON
// object for flexible access; backends emit heterogeneous shapes and the
// typed accessors tolerate all of them.
type Message struct {
	Type MessageType
	Data map[string]any
}

// ParseMessage parses a single NDJSON line. The CLI wraps Anthropic API
// stream events in a {"type":"stream_event","event":{...}} envelope, which
// is unwrapped here so callers see the inner event type directly.
func ParseMessage(line []byte) (Message, error) {
	if len(line) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}

	var envelope struct {
		Type  string          `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return Message{}, fmt.Errorf("parse envelope: %w", err)
	}

	if envelope.Type == "stream_event" && len(envelope.Event) > 0 {
		var inner struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(envelope.Event, &inner); err != nil {
			return Message{}, fmt.Errorf("parse inner event: %w", err)
		}
		var data map[string]any
		if err := json.Unmarshal(envelope.Event, &data); err != nil {
			return Message{}, fmt.Errorf("parse inner event data: %w", err)
		}
		return Message{Type: MessageType(inner.Type), Data: data}, nil
	}

	var data map[string]any
	if err := json.Unmarshal(line, &data); err != nil {
		return Message{}, fmt.Errorf("parse message data: %w", err)
	}
	return Message{Type: MessageType(envelope.Type), Data: data}, nil
}

// GetString extracts a string at the given path.
func (m Message) GetString(path ...string) (string, bool) {
	value, ok := m.getValue(path...)
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// GetMap extracts a JSON object at the given path.
func (m Message) GetMap(path ...string) (map[string]any, bool) {
	value, ok := m.getValue(path...)
	if !ok {
		return nil, false
	}
	mapVal, ok := value.(map[string]any)
	return mapVal, ok
}

// GetArray extracts a JSON array at the given path.
func (m Message) GetArray(path ...string) ([]any, bool) {
	value, ok := m.getValue(path...)
	if !ok {
		return nil, false
	}
	arrVal, ok := value.([]any)
	return arrVal, ok
}

func (m Message) getValue(path ...string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	current := any(m.Data)
	for _, key := range path {
		mapVal, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = mapVal[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
