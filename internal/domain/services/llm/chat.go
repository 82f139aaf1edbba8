package llm

import (
	"context"
	"time"

	"tollgate/internal/domain/models/llm"
)

// ChatService manages conversation metadata and history reads
type ChatService interface {
	// CreateConversation creates an empty conversation
	CreateConversation(ctx context.Context, req *CreateConversationRequest) (*llm.ConversationMeta, error)

	// GetConversation returns a conversation the user owns
	GetConversation(ctx context.Context, conversationID, userID string) (*llm.ConversationMeta, error)

	// ListConversations returns the user's conversations, most recently active first
	ListConversations(ctx context.Context, userID string) ([]llm.ConversationMeta, error)

	// RenameConversation updates the title
	RenameConversation(ctx context.Context, conversationID, userID string, req *UpdateConversationRequest) (*llm.ConversationMeta, error)

	// DeleteConversation deletes a conversation and all of its nodes
	DeleteConversation(ctx context.Context, conversationID, userID string) error

	// ListHistory pages every node of a conversation (all versions, active or not), newest first
	ListHistory(ctx context.Context, conversationID, userID string, params *PageParams) (*llm.NodePage, error)

	// ListUserHistory pages the user's nodes across conversations, newest first
	ListUserHistory(ctx context.Context, userID string, params *PageParams) (*llm.NodePage, error)
}

// CreateConversationRequest is the DTO for creating a conversation
type CreateConversationRequest struct {
	UserID string `json:"-"` // Set by handler from auth context
	Title  string `json:"title"`
}

// UpdateConversationRequest is the DTO for renaming a conversation
type UpdateConversationRequest struct {
	Title string `json:"title"`
}

// PageParams selects one page of history
type PageParams struct {
	Limit  int
	Before *time.Time
}
