package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tollgate/internal/domain"
	"tollgate/internal/domain/models/llm"
)

// CreateNode inserts a node, enforcing the same unique keys as the SQL schema
func (s *Store) CreateNode(ctx context.Context, node *llm.ChatNode) error {
	return s.write(ctx, func(d *state) error {
		if _, ok := d.conversations[node.ConversationID]; !ok {
			return fmt.Errorf("conversation %s: %w", node.ConversationID, domain.ErrNotFound)
		}
		if _, ok := d.nodes[node.ID]; ok {
			return &domain.ConflictError{Message: "node already exists", ResourceType: "chat_node", ResourceID: node.ID}
		}
		for _, n := range d.nodes {
			if n.ConversationID == node.ConversationID && n.MessageIndex == node.MessageIndex {
				return &domain.ConflictError{
					Message:      fmt.Sprintf("message index %d already used in conversation", node.MessageIndex),
					ResourceType: "chat_node",
					ResourceID:   node.ConversationID,
				}
			}
			if n.OriginalID == node.OriginalID {
				if n.VersionNumber == node.VersionNumber {
					return fmt.Errorf("version %d of group %s: %w", node.VersionNumber, node.OriginalID, domain.ErrConflict)
				}
				if n.IsCurrentVersion && node.IsCurrentVersion {
					return fmt.Errorf("group %s already has a current version: %w", node.OriginalID, domain.ErrConflict)
				}
			}
		}

		stored := node.Clone()
		if stored.ChildIDs == nil {
			stored.ChildIDs = []string{}
		}
		d.nodes[node.ID] = stored
		return nil
	})
}

// GetNode retrieves a node by ID
func (s *Store) GetNode(ctx context.Context, nodeID string) (*llm.ChatNode, error) {
	var out llm.ChatNode
	err := s.read(func(d *state) error {
		n, ok := d.nodes[nodeID]
		if !ok {
			return fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
		}
		out = n.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetActivePath returns the active, current-version nodes ordered by message index
func (s *Store) GetActivePath(ctx context.Context, conversationID string) ([]llm.ChatNode, error) {
	nodes := s.filter(func(n *llm.ChatNode) bool {
		return n.ConversationID == conversationID && n.OnActivePath()
	})
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].MessageIndex < nodes[j].MessageIndex })
	return nodes, nil
}

// ListByConversation pages a conversation's history, newest first
func (s *Store) ListByConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]llm.ChatNode, error) {
	nodes := s.filter(func(n *llm.ChatNode) bool {
		return n.ConversationID == conversationID && (before == nil || n.CreatedAt.Before(*before))
	})
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.After(nodes[j].CreatedAt)
		}
		return nodes[i].MessageIndex > nodes[j].MessageIndex
	})
	return truncate(nodes, limit), nil
}

// ListByUser pages a user's nodes, newest first
func (s *Store) ListByUser(ctx context.Context, userID string, before *time.Time, limit int) ([]llm.ChatNode, error) {
	nodes := s.filter(func(n *llm.ChatNode) bool {
		return n.UserID == userID && (before == nil || n.CreatedAt.Before(*before))
	})
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].CreatedAt.After(nodes[j].CreatedAt) })
	return truncate(nodes, limit), nil
}

// ListVersions returns every version of a group ordered by version number
func (s *Store) ListVersions(ctx context.Context, originalID string) ([]llm.ChatNode, error) {
	nodes := s.filter(func(n *llm.ChatNode) bool { return n.OriginalID == originalID })
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].VersionNumber < nodes[j].VersionNumber })
	return nodes, nil
}

// UpdateNode overwrites the mutable fields of a node
func (s *Store) UpdateNode(ctx context.Context, node *llm.ChatNode) error {
	return s.write(ctx, func(d *state) error {
		existing, ok := d.nodes[node.ID]
		if !ok {
			return fmt.Errorf("node %s: %w", node.ID, domain.ErrNotFound)
		}
		if node.IsCurrentVersion && !existing.IsCurrentVersion {
			for _, n := range d.nodes {
				if n.ID != node.ID && n.OriginalID == existing.OriginalID && n.IsCurrentVersion {
					return fmt.Errorf("group %s already has a current version: %w", existing.OriginalID, domain.ErrConflict)
				}
			}
		}

		next := node.Clone()
		if next.ChildIDs == nil {
			next.ChildIDs = []string{}
		}
		existing.Content = next.Content
		existing.ChildIDs = next.ChildIDs
		existing.IsActive = next.IsActive
		existing.IsCurrentVersion = next.IsCurrentVersion
		existing.Model = next.Model
		existing.Usage = next.Usage
		existing.Cost = next.Cost
		existing.UpdatedAt = next.UpdatedAt
		d.nodes[node.ID] = existing
		return nil
	})
}

// AddChild appends childID to the parent's child ids if absent
func (s *Store) AddChild(ctx context.Context, parentID, childID string) error {
	return s.write(ctx, func(d *state) error {
		parent, ok := d.nodes[parentID]
		if !ok {
			return fmt.Errorf("node %s: %w", parentID, domain.ErrNotFound)
		}
		if parent.HasChild(childID) {
			return nil
		}
		parent = parent.Clone()
		parent.ChildIDs = append(parent.ChildIDs, childID)
		parent.UpdatedAt = s.now()
		d.nodes[parentID] = parent
		return nil
	})
}

// DeactivateNodes clears is_active on the listed nodes
func (s *Store) DeactivateNodes(ctx context.Context, nodeIDs []string) (int, error) {
	changed := 0
	err := s.write(ctx, func(d *state) error {
		now := s.now()
		for _, id := range nodeIDs {
			n, ok := d.nodes[id]
			if !ok || !n.IsActive {
				continue
			}
			n.IsActive = false
			n.UpdatedAt = now
			d.nodes[id] = n
			changed++
		}
		return nil
	})
	return changed, err
}

// DeleteNodes hard-deletes the listed nodes
func (s *Store) DeleteNodes(ctx context.Context, nodeIDs []string) error {
	return s.write(ctx, func(d *state) error {
		for _, id := range nodeIDs {
			delete(d.nodes, id)
		}
		return nil
	})
}

func (s *Store) filter(keep func(n *llm.ChatNode) bool) []llm.ChatNode {
	out := make([]llm.ChatNode, 0)
	_ = s.read(func(d *state) error {
		for _, n := range d.nodes {
			if keep(&n) {
				out = append(out, n.Clone())
			}
		}
		return nil
	})
	return out
}

func truncate(nodes []llm.ChatNode, limit int) []llm.ChatNode {
	if limit > 0 && len(nodes) > limit {
		return nodes[:limit]
	}
	return nodes
}
