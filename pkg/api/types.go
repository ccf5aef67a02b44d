// Package api defines the JSON wire protocol spoken over the bridge
// WebSocket: client-to-server prompt/cancel messages and the canonical
// server-to-client event messages.
package api

import "encoding/json"

// ProtocolVersion is reported in the connected greeting.
const ProtocolVersion = "1.0"

// Inbound message types (client -> server).
const (
	MessageTypePrompt = "prompt"
	MessageTypeCancel = "cancel"
)

// Outbound message types (server -> client).
const (
	MessageTypeConnected  = "connected"
	MessageTypeChunk      = "chunk"
	MessageTypeComplete   = "complete"
	MessageTypeError      = "error"
	MessageTypeToolEvent  = "tool_event"
	MessageTypeFileChange = "file_change"
)

// Envelope carries just enough of an inbound message to dispatch on type.
type Envelope struct {
	Type string `json:"type"`
}

// ImageAttachment is a base64-encoded image accompanying a prompt.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// FileAttachment is a text file the client wants materialized in the
// session directory before the prompt runs.
type FileAttachment struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PromptMessage asks the bridge to run one prompt turn against a backend.
type PromptMessage struct {
	Type           string            `json:"type"`
	Prompt         string            `json:"prompt"`
	RequestID      string            `json:"requestId"`
	Model          string            `json:"model,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	ProjectID      string            `json:"projectId,omitempty"`
	SystemPrompt   string            `json:"systemPrompt,omitempty"`
	ThinkingTokens *float64          `json:"thinkingTokens,omitempty"`
	Images         []ImageAttachment `json:"images,omitempty"`
	Files          []FileAttachment  `json:"files,omitempty"`
}

// CancelMessage aborts the connection's active request, if any. The
// requestId field is advisory; cancellation always applies to whichever
// request is currently active.
type CancelMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// ConnectedMessage is sent once, immediately after a connection is accepted.
type ConnectedMessage struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Agent   string `json:"agent"`
	Mode    string `json:"mode,omitempty"`
}

// ChunkMessage streams a fragment of backend output to the client.
type ChunkMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	RequestID string `json:"requestId"`
	Thinking  bool   `json:"thinking,omitempty"`
}

// CompleteMessage marks a request's successful terminal state.
type CompleteMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// ErrorMessage reports a request-scoped or protocol-scoped failure.
// RequestID is empty for protocol errors raised before an id is known.
type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Tool event phases.
const (
	ToolEventStart    = "start"
	ToolEventComplete = "complete"
)

// ToolEventMessage reports a backend tool or command invocation boundary.
type ToolEventMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Event     string          `json:"event"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolID    string          `json:"toolId,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// File change types.
const (
	ChangeTypeCreate = "create"
	ChangeTypeUpdate = "update"
	ChangeTypeDelete = "delete"
)

// FileChangeMessage reports a file mutation observed in the session
// directory during a request. Content is omitted for deletions.
type FileChangeMessage struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId"`
	Path       string `json:"path"`
	ChangeType string `json:"changeType"`
	Content    string `json:"content,omitempty"`
}
