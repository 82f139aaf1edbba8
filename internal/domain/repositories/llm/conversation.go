package llm

import (
	"context"

	"tollgate/internal/domain/models/llm"
)

// ConversationRepository defines the interface for conversation metadata access
type ConversationRepository interface {
	// CreateConversation creates a new conversation. ID must already be set.
	CreateConversation(ctx context.Context, conv *llm.ConversationMeta) error

	// GetConversation retrieves a conversation by ID (no user scoping)
	// Returns domain.ErrNotFound if not found
	GetConversation(ctx context.Context, conversationID string) (*llm.ConversationMeta, error)

	// LockConversation retrieves a conversation and holds a row lock until the
	// surrounding transaction ends. Without a transaction it behaves like GetConversation.
	LockConversation(ctx context.Context, conversationID string) (*llm.ConversationMeta, error)

	// ListConversations returns a user's conversations, most recently active first
	ListConversations(ctx context.Context, userID string) ([]llm.ConversationMeta, error)

	// UpdateConversation writes title, next_message_index, last_message_at and updated_at,
	// bumping version. Returns domain.ErrConflict if the stored version differs from conv.Version.
	// On success conv.Version holds the new stamp.
	UpdateConversation(ctx context.Context, conv *llm.ConversationMeta) error

	// DeleteConversation deletes a conversation and all of its nodes
	// Returns domain.ErrNotFound if not found
	DeleteConversation(ctx context.Context, conversationID string) error
}
