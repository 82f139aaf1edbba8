package llm

import (
	"context"

	"tollgate/internal/domain/models/llm"
)

// NodeWriter defines write operations for chat nodes.
// Callers build the full next state of a node and write it in one call.
type NodeWriter interface {
	// CreateNode inserts a node. ID must already be set.
	// Returns domain.ErrConflict if the message_index is taken in the conversation
	CreateNode(ctx context.Context, node *llm.ChatNode) error

	// UpdateNode overwrites the mutable fields of an existing node
	// (content, child_ids, is_active, is_current_version, usage, cost, updated_at)
	// Returns domain.ErrNotFound if not found
	UpdateNode(ctx context.Context, node *llm.ChatNode) error

	// AddChild appends childID to the parent's child_ids if absent
	AddChild(ctx context.Context, parentID, childID string) error

	// DeactivateNodes clears is_active on every listed node in one statement
	// Returns the number of nodes that changed
	DeactivateNodes(ctx context.Context, nodeIDs []string) (int, error)

	// DeleteNodes hard-deletes the listed nodes
	DeleteNodes(ctx context.Context, nodeIDs []string) error
}

// NodeRepository combines read and write access to chat nodes
type NodeRepository interface {
	NodeReader
	NodeWriter
}
