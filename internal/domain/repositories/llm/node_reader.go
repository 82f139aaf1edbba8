package llm

import (
	"context"
	"time"

	"tollgate/internal/domain/models/llm"
)

// NodeReader defines read operations for chat nodes
// Each method maps to one access path of the message store
type NodeReader interface {
	// GetNode retrieves a node by ID
	// Returns domain.ErrNotFound if not found
	GetNode(ctx context.Context, nodeID string) (*llm.ChatNode, error)

	// GetActivePath returns nodes with is_active AND is_current_version, ordered by message_index
	GetActivePath(ctx context.Context, conversationID string) ([]llm.ChatNode, error)

	// ListByConversation pages a conversation's full history by created_at descending.
	// before is exclusive; nil starts from the newest node.
	ListByConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]llm.ChatNode, error)

	// ListByUser pages a user's nodes across conversations by created_at descending
	ListByUser(ctx context.Context, userID string, before *time.Time, limit int) ([]llm.ChatNode, error)

	// ListVersions returns every version of a group ordered by version_number
	ListVersions(ctx context.Context, originalID string) ([]llm.ChatNode, error)
}
