package services

import "context"

// ResourceAuthorizer checks if a user can access resources.
// Current implementation: ownership-based (user owns the conversation).
//
// Services call the authorizer before operating on resources, separating
// who can access from which resource is addressed.
type ResourceAuthorizer interface {
	// CanAccessConversation checks if user can access a conversation
	CanAccessConversation(ctx context.Context, userID, conversationID string) error

	// CanAccessNode checks if user can access a node (via its conversation)
	CanAccessNode(ctx context.Context, userID, nodeID string) error
}
