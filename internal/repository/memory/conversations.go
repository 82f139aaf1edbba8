package memory

import (
	"context"
	"fmt"
	"sort"

	"tollgate/internal/domain"
	"tollgate/internal/domain/models/llm"
)

// CreateConversation creates a new conversation
func (s *Store) CreateConversation(ctx context.Context, conv *llm.ConversationMeta) error {
	return s.write(ctx, func(d *state) error {
		if _, ok := d.conversations[conv.ID]; ok {
			return &domain.ConflictError{Message: "conversation already exists", ResourceType: "conversation", ResourceID: conv.ID}
		}
		d.conversations[conv.ID] = *conv
		return nil
	})
}

// GetConversation retrieves a conversation by ID
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*llm.ConversationMeta, error) {
	var out llm.ConversationMeta
	err := s.read(func(d *state) error {
		c, ok := d.conversations[conversationID]
		if !ok {
			return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LockConversation is GetConversation; transactions are already exclusive here
func (s *Store) LockConversation(ctx context.Context, conversationID string) (*llm.ConversationMeta, error) {
	return s.GetConversation(ctx, conversationID)
}

// ListConversations returns a user's conversations, most recently active first
func (s *Store) ListConversations(ctx context.Context, userID string) ([]llm.ConversationMeta, error) {
	out := make([]llm.ConversationMeta, 0)
	_ = s.read(func(d *state) error {
		for _, c := range d.conversations {
			if c.UserID == userID {
				out = append(out, c)
			}
		}
		return nil
	})

	activity := func(c llm.ConversationMeta) int64 {
		if c.LastMessageAt != nil {
			return c.LastMessageAt.UnixNano()
		}
		return c.CreatedAt.UnixNano()
	}
	sort.Slice(out, func(i, j int) bool { return activity(out[i]) > activity(out[j]) })
	return out, nil
}

// UpdateConversation writes mutable fields guarded by the version stamp
func (s *Store) UpdateConversation(ctx context.Context, conv *llm.ConversationMeta) error {
	return s.write(ctx, func(d *state) error {
		existing, ok := d.conversations[conv.ID]
		if !ok {
			return fmt.Errorf("conversation %s: %w", conv.ID, domain.ErrNotFound)
		}
		if existing.Version != conv.Version {
			return fmt.Errorf("conversation %s modified concurrently: %w", conv.ID, domain.ErrConflict)
		}

		existing.Title = conv.Title
		existing.NextMessageIndex = conv.NextMessageIndex
		existing.LastMessageAt = conv.LastMessageAt
		existing.UpdatedAt = conv.UpdatedAt
		existing.Version++
		d.conversations[conv.ID] = existing
		conv.Version = existing.Version
		return nil
	})
}

// DeleteConversation deletes a conversation and cascades to its nodes
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.write(ctx, func(d *state) error {
		if _, ok := d.conversations[conversationID]; !ok {
			return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
		}
		delete(d.conversations, conversationID)
		for id, n := range d.nodes {
			if n.ConversationID == conversationID {
				delete(d.nodes, id)
			}
		}
		return nil
	})
}
