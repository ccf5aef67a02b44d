package bridge

import (
	"errors"
	"fmt"

	"github.com/agentbridge/agentbridge/internal/sessiondir"
	"github.com/agentbridge/agentbridge/pkg/api"
)

// Wire protocol limits. The prompt limit applies to the encoded prompt
// field, separately from the server's whole-message read limit.
const (
	maxPromptBytes       = 512 << 10
	maxSystemPromptBytes = 64 << 10
	maxImages            = 4
	maxImageBytes        = 10 << 20
	maxFiles             = 100
	maxFilesTotalBytes   = 50 << 20
)

// allowedImageTypes is the raster-format allow-list for image attachments.
var allowedImageTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
	"image/webp": {},
}

// validatePrompt checks a prompt message against the wire protocol limits,
// returning a descriptive error on the first violation. It has no side
// effects.
func validatePrompt(msg *api.PromptMessage) error {
	if msg.RequestID == "" {
		return errors.New("Missing requestId")
	}
	if msg.Prompt == "" {
		return errors.New("Prompt is required")
	}
	if len(msg.Prompt) > maxPromptBytes {
		return errors.New("Prompt exceeds maximum size (512KB)")
	}
	if len(msg.SystemPrompt) > maxSystemPromptBytes {
		return errors.New("System prompt exceeds maximum size (64KB)")
	}
	if msg.ProjectID != "" {
		if err := sessiondir.ValidateProjectID(msg.ProjectID); err != nil {
			return errors.New("Invalid projectId")
		}
	}
	if len(msg.Images) > maxImages {
		return fmt.Errorf("Too many images (maximum %d)", maxImages)
	}
	for i, img := range msg.Images {
		if _, ok := allowedImageTypes[img.MediaType]; !ok {
			return fmt.Errorf("Unsupported image type: %s", img.MediaType)
		}
		if len(img.Data) > maxImageBytes {
			return fmt.Errorf("Image %d exceeds maximum size (10MB)", i)
		}
	}
	if len(msg.Files) > maxFiles {
		return fmt.Errorf("Too many files (maximum %d)", maxFiles)
	}
	total := 0
	for _, f := range msg.Files {
		if f.Path == "" {
			return errors.New("File path is required")
		}
		total += len(f.Content)
	}
	if total > maxFilesTotalBytes {
		return errors.New("Files exceed maximum combined size (50MB)")
	}
	return nil
}

// thinkingTokens extracts a usable thinking-token budget. Invalid values
// are ignored rather than rejected; -1 means unset.
func thinkingTokens(msg *api.PromptMessage) int {
	if msg.ThinkingTokens == nil {
		return -1
	}
	v := *msg.ThinkingTokens
	if v < 0 || v != v { // negative or NaN
		return -1
	}
	return int(v)
}
