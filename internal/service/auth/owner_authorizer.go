package auth

import (
	"context"
	"fmt"

	"tollgate/internal/domain"
	"tollgate/internal/domain/models/llm"
	llmRepo "tollgate/internal/domain/repositories/llm"
	"tollgate/internal/domain/services"
)

var _ services.ResourceAuthorizer = (*OwnerBasedAuthorizer)(nil)

// OwnerBasedAuthorizer implements ResourceAuthorizer using ownership checks.
// A user can access a resource if they own the conversation that contains it.
type OwnerBasedAuthorizer struct {
	convRepo llmRepo.ConversationRepository
	nodeRepo llmRepo.NodeReader
}

// NewOwnerBasedAuthorizer creates a new ownership-based authorizer
func NewOwnerBasedAuthorizer(convRepo llmRepo.ConversationRepository, nodeRepo llmRepo.NodeReader) *OwnerBasedAuthorizer {
	return &OwnerBasedAuthorizer{
		convRepo: convRepo,
		nodeRepo: nodeRepo,
	}
}

// CanAccessConversation checks if user owns the conversation
func (a *OwnerBasedAuthorizer) CanAccessConversation(ctx context.Context, userID, conversationID string) error {
	conv, err := a.convRepo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	return CheckConversationOwner(conv, userID)
}

// CanAccessNode checks if user owns the node
func (a *OwnerBasedAuthorizer) CanAccessNode(ctx context.Context, userID, nodeID string) error {
	node, err := a.nodeRepo.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	return CheckNodeOwner(node, userID)
}

// CheckConversationOwner returns ErrForbidden unless userID owns conv
func CheckConversationOwner(conv *llm.ConversationMeta, userID string) error {
	if conv.UserID != userID {
		return fmt.Errorf("access denied to conversation %s: %w", conv.ID, domain.ErrForbidden)
	}
	return nil
}

// CheckNodeOwner returns ErrForbidden unless userID owns node
func CheckNodeOwner(node *llm.ChatNode, userID string) error {
	if node.UserID != userID {
		return fmt.Errorf("access denied to message %s: %w", node.ID, domain.ErrForbidden)
	}
	return nil
}
