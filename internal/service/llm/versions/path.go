package versions

import (
	"fmt"

	"tollgate/internal/domain"
	"tollgate/internal/domain/models/llm"
)

// ValidateActivePath checks that nodes form a valid active path:
// every node is active and current, indices strictly increase, the first
// node is a root and each following node's parent is its predecessor.
func ValidateActivePath(nodes []llm.ChatNode) error {
	for i := range nodes {
		n := &nodes[i]
		if !n.OnActivePath() {
			return fmt.Errorf("node %s at position %d is not active and current", n.ID, i)
		}
		if i == 0 {
			if n.ParentID != nil {
				return fmt.Errorf("first node %s has parent %s", n.ID, *n.ParentID)
			}
			continue
		}
		prev := &nodes[i-1]
		if n.MessageIndex <= prev.MessageIndex {
			return fmt.Errorf("index %d of node %s does not follow %d", n.MessageIndex, n.ID, prev.MessageIndex)
		}
		if n.ParentID == nil || *n.ParentID != prev.ID {
			return fmt.Errorf("node %s does not continue from %s", n.ID, prev.ID)
		}
	}
	return nil
}

// positionOf returns the index in path of nodeID, or -1
func positionOf(path []llm.ChatNode, nodeID string) int {
	for i := range path {
		if path[i].ID == nodeID {
			return i
		}
	}
	return -1
}

// downstreamOf returns the path nodes after the group's parent, excluding the group itself.
// Fails when the parent is set but is not on the path, since the group could not rejoin it.
func downstreamOf(path []llm.ChatNode, parentID *string, originalID string) ([]string, error) {
	start := 0
	if parentID != nil {
		q := positionOf(path, *parentID)
		if q < 0 {
			return nil, fmt.Errorf("%w: parent %s is not on the active path", domain.ErrValidation, *parentID)
		}
		start = q + 1
	}

	ids := make([]string, 0, len(path)-start)
	for _, n := range path[start:] {
		if n.OriginalID == originalID {
			continue
		}
		ids = append(ids, n.ID)
	}
	return ids, nil
}

// tail returns the last node of path, or nil
func tail(path []llm.ChatNode) *llm.ChatNode {
	if len(path) == 0 {
		return nil
	}
	return &path[len(path)-1]
}
