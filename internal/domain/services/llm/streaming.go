package llm

import (
	"context"

	"tollgate/internal/domain/models/llm"
)

// StreamingService composes version-graph mutations with the metering pipeline
// and produces the caller-facing event sequence. Every method returns the id
// of the stream and a channel that is closed after the final "done" event.
type StreamingService interface {
	// SendMessage appends a user message to a conversation (creating it when
	// ConversationID is empty) and streams the metered reply
	SendMessage(ctx context.Context, req *SendMessageRequest) (string, <-chan llm.StreamEvent, error)

	// EditAndRegenerate edits a user node, emits edit-complete, then streams a new reply
	EditAndRegenerate(ctx context.Context, req *EditMessageRequest) (string, <-chan llm.StreamEvent, error)

	// Regenerate streams a new version of an assistant node
	Regenerate(ctx context.Context, req *RegenerateRequest) (string, <-chan llm.StreamEvent, error)

	// Complete streams a metered completion over explicit messages without touching any conversation
	Complete(ctx context.Context, req *ExplicitCompletionRequest) (string, <-chan llm.StreamEvent, error)

	// Interrupt cancels an in-flight stream owned by the user
	Interrupt(ctx context.Context, streamID, userID string) error
}

// SendMessageRequest is the DTO for SendMessage
type SendMessageRequest struct {
	ConversationID string `json:"-"` // from the path; empty creates a conversation
	UserID         string `json:"-"` // Set by handler from auth context
	Content        string `json:"content"`
	Model          string `json:"model,omitempty"`
	MaxTokens      *int   `json:"max_tokens,omitempty"`
}

// EditMessageRequest is the DTO for EditAndRegenerate
type EditMessageRequest struct {
	NodeID    string `json:"-"`
	UserID    string `json:"-"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
}

// RegenerateRequest is the DTO for Regenerate
type RegenerateRequest struct {
	NodeID    string `json:"-"`
	UserID    string `json:"-"`
	Model     string `json:"model,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
}

// ExplicitCompletionRequest is the DTO for Complete
type ExplicitCompletionRequest struct {
	UserID    string        `json:"-"`
	Model     string        `json:"model,omitempty"`
	Messages  []llm.Message `json:"messages"`
	MaxTokens *int          `json:"max_tokens,omitempty"`
}
