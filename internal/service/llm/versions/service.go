// Package versions manages the version graph of a conversation: message nodes,
// their edit-created versions and the active path.
package versions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"tollgate/internal/config"
	"tollgate/internal/domain"
	"tollgate/internal/domain/models/llm"
	"tollgate/internal/domain/repositories"
	llmRepo "tollgate/internal/domain/repositories/llm"
	llmSvc "tollgate/internal/domain/services/llm"
	authz "tollgate/internal/service/auth"
)

// Service implements llmSvc.VersionService.
// Every mutation holds the conversation's lock, runs in one transaction that
// row-locks the conversation, and bumps its version stamp.
type Service struct {
	nodes  llmRepo.NodeRepository
	convs  llmRepo.ConversationRepository
	tx     repositories.TransactionManager
	locks  *ConversationLocks
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

var _ llmSvc.VersionService = (*Service)(nil)

// NewService creates a version graph service
func NewService(
	nodes llmRepo.NodeRepository,
	convs llmRepo.ConversationRepository,
	tx repositories.TransactionManager,
	locks *ConversationLocks,
	logger *slog.Logger,
) *Service {
	if locks == nil {
		locks = NewConversationLocks()
	}
	return &Service{
		nodes:  nodes,
		convs:  convs,
		tx:     tx,
		locks:  locks,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Locks exposes the lock table shared with the metering pipeline
func (s *Service) Locks() *ConversationLocks {
	return s.locks
}

// AppendPair commits a user node and its reply at the next two indices
func (s *Service) AppendPair(ctx context.Context, req *llmSvc.AppendPairRequest) (*llmSvc.AppendPairResult, error) {
	r := *req
	r.UserContent = strings.TrimSpace(r.UserContent)
	r.AssistantContent = strings.TrimSpace(r.AssistantContent)
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	conversationID := r.ConversationID
	create := conversationID == ""
	if create {
		conversationID = s.newID()
	}

	var result llmSvc.AppendPairResult
	err := s.lockedTx(ctx, conversationID, func(ctx context.Context) error {
		if create {
			now := s.now()
			conv := &llm.ConversationMeta{
				ID:        conversationID,
				UserID:    r.UserID,
				Title:     DeriveTitle(r.UserContent),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.convs.CreateConversation(ctx, conv); err != nil {
				return err
			}
		}

		return s.withConversation(ctx, conversationID, r.UserID, func(ctx context.Context, conv *llm.ConversationMeta) error {
			path, err := s.nodes.GetActivePath(ctx, conv.ID)
			if err != nil {
				return err
			}

			now := s.now()
			var parentID *string
			if t := tail(path); t != nil {
				parentID = stringPtr(t.ID)
			}

			userNode := s.buildNode(conv, llm.RoleUser, r.UserContent, parentID, now)
			assistantNode := s.buildNode(conv, llm.RoleAssistant, r.AssistantContent, stringPtr(userNode.ID), now)
			assistantNode.Model = optionalString(r.Model)
			assistantNode.Usage = r.Usage
			assistantNode.Cost = r.Cost
			userNode.ChildIDs = []string{assistantNode.ID}

			if err := s.nodes.CreateNode(ctx, &userNode); err != nil {
				return err
			}
			if err := s.nodes.CreateNode(ctx, &assistantNode); err != nil {
				return err
			}
			if parentID != nil {
				if err := s.nodes.AddChild(ctx, *parentID, userNode.ID); err != nil {
					return err
				}
			}

			conv.LastMessageAt = &now
			result.UserNode = &userNode
			result.AssistantNode = &assistantNode
			result.Conversation = conv
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("message pair committed",
		"conversation_id", conversationID,
		"user_node_id", result.UserNode.ID,
		"assistant_node_id", result.AssistantNode.ID,
		"message_index", result.UserNode.MessageIndex,
		"created_conversation", create,
	)

	return &result, nil
}

// AppendReply commits an assistant node after the user node ending the active path
func (s *Service) AppendReply(ctx context.Context, req *llmSvc.AppendReplyRequest) (*llm.ChatNode, error) {
	r := *req
	r.Content = strings.TrimSpace(r.Content)
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	var reply llm.ChatNode
	err := s.mutate(ctx, r.ConversationID, r.UserID, func(ctx context.Context, conv *llm.ConversationMeta) error {
		path, err := s.nodes.GetActivePath(ctx, conv.ID)
		if err != nil {
			return err
		}

		t := tail(path)
		if t == nil || t.ID != r.ParentID {
			return fmt.Errorf("%w: reply must follow the last message of the active path", domain.ErrValidation)
		}
		if t.Role != llm.RoleUser {
			return fmt.Errorf("%w: reply must follow a user message", domain.ErrValidation)
		}

		now := s.now()
		reply = s.buildNode(conv, llm.RoleAssistant, r.Content, stringPtr(t.ID), now)
		reply.Model = optionalString(r.Model)
		reply.Usage = r.Usage
		reply.Cost = r.Cost

		if err := s.nodes.CreateNode(ctx, &reply); err != nil {
			return err
		}
		if err := s.nodes.AddChild(ctx, t.ID, reply.ID); err != nil {
			return err
		}

		conv.LastMessageAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reply committed",
		"conversation_id", r.ConversationID,
		"node_id", reply.ID,
		"parent_id", r.ParentID,
	)

	return &reply, nil
}

// EditMessage creates a new current version of a user node.
// Every node after the edited position on the active path is deactivated;
// the edited version itself only stops being current.
func (s *Service) EditMessage(ctx context.Context, nodeID, newContent, actorUserID string) (*llmSvc.EditResult, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	if utf8.RuneCountInString(newContent) > config.MaxMessageLength {
		return nil, fmt.Errorf("%w: content exceeds %d characters", domain.ErrValidation, config.MaxMessageLength)
	}

	node, err := s.GetNode(ctx, nodeID, actorUserID)
	if err != nil {
		return nil, err
	}
	if node.Role != llm.RoleUser {
		return nil, fmt.Errorf("%w: only user messages can be edited", domain.ErrValidation)
	}

	var result *llmSvc.EditResult
	err = s.mutate(ctx, node.ConversationID, actorUserID, func(ctx context.Context, conv *llm.ConversationMeta) error {
		res, err := s.addVersion(ctx, conv, nodeID, llm.RoleUser, func(n *llm.ChatNode) {
			n.Content = newContent
		})
		result = res
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("message edited",
		"conversation_id", node.ConversationID,
		"original_id", result.Node.OriginalID,
		"version", result.Node.VersionNumber,
		"deactivated", result.DeactivatedCount,
	)

	return result, nil
}

// AddAssistantVersion stores a regenerated reply as the new current version of an assistant group
func (s *Service) AddAssistantVersion(ctx context.Context, req *llmSvc.AddVersionRequest) (*llmSvc.EditResult, error) {
	r := *req
	r.Content = strings.TrimSpace(r.Content)
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	node, err := s.GetNode(ctx, r.NodeID, r.UserID)
	if err != nil {
		return nil, err
	}
	if node.Role != llm.RoleAssistant {
		return nil, fmt.Errorf("%w: only assistant messages can be regenerated", domain.ErrValidation)
	}

	var result *llmSvc.EditResult
	err = s.mutate(ctx, node.ConversationID, r.UserID, func(ctx context.Context, conv *llm.ConversationMeta) error {
		res, err := s.addVersion(ctx, conv, r.NodeID, llm.RoleAssistant, func(n *llm.ChatNode) {
			n.Content = r.Content
			n.Model = optionalString(r.Model)
			n.Usage = r.Usage
			n.Cost = r.Cost
		})
		result = res
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("assistant version committed",
		"conversation_id", node.ConversationID,
		"original_id", result.Node.OriginalID,
		"version", result.Node.VersionNumber,
		"deactivated", result.DeactivatedCount,
	)

	return result, nil
}

// addVersion builds the next version of nodeID's group inside a mutation.
// Write order keeps the single-current-version index satisfied at every step.
func (s *Service) addVersion(
	ctx context.Context,
	conv *llm.ConversationMeta,
	nodeID, role string,
	fill func(n *llm.ChatNode),
) (*llmSvc.EditResult, error) {
	base, err := s.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if base.Role != role {
		return nil, fmt.Errorf("%w: node %s is not a %s message", domain.ErrValidation, nodeID, role)
	}

	versions, err := s.nodes.ListVersions(ctx, base.OriginalID)
	if err != nil {
		return nil, err
	}
	path, err := s.nodes.GetActivePath(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	downstream, err := downstreamOf(path, base.ParentID, base.OriginalID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	maxVersion := 0
	for i := range versions {
		if versions[i].VersionNumber > maxVersion {
			maxVersion = versions[i].VersionNumber
		}
		if versions[i].IsCurrentVersion {
			previous := versions[i].Clone()
			previous.IsCurrentVersion = false
			previous.UpdatedAt = now
			if err := s.nodes.UpdateNode(ctx, &previous); err != nil {
				return nil, err
			}
		}
	}

	deactivated, err := s.nodes.DeactivateNodes(ctx, downstream)
	if err != nil {
		return nil, err
	}

	next := s.buildNode(conv, base.Role, "", base.Clone().ParentID, now)
	next.OriginalID = base.OriginalID
	next.VersionNumber = maxVersion + 1
	next.BranchPoint = stringPtr(base.ID)
	fill(&next)

	if err := s.nodes.CreateNode(ctx, &next); err != nil {
		return nil, err
	}
	if next.ParentID != nil {
		if err := s.nodes.AddChild(ctx, *next.ParentID, next.ID); err != nil {
			return nil, err
		}
	}

	conv.LastMessageAt = &now
	return &llmSvc.EditResult{Node: &next, DeactivatedCount: deactivated}, nil
}

// SwitchVersion makes versionNumber the current version of a group.
// Downstream nodes are not reactivated or regenerated: the active path ends at
// the switched-to node until the caller continues it.
func (s *Service) SwitchVersion(ctx context.Context, originalID string, versionNumber int, actorUserID string) (*llm.ChatNode, error) {
	if versionNumber < 1 {
		return nil, fmt.Errorf("%w: version must be >= 1", domain.ErrValidation)
	}

	group, err := s.ListVersions(ctx, originalID, actorUserID)
	if err != nil {
		return nil, err
	}

	var switched llm.ChatNode
	err = s.mutate(ctx, group[0].ConversationID, actorUserID, func(ctx context.Context, conv *llm.ConversationMeta) error {
		versions, err := s.nodes.ListVersions(ctx, originalID)
		if err != nil {
			return err
		}

		var target *llm.ChatNode
		for i := range versions {
			if versions[i].VersionNumber == versionNumber {
				target = &versions[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("version %d of group %s: %w", versionNumber, originalID, domain.ErrNotFound)
		}
		if target.OnActivePath() {
			switched = target.Clone()
			return nil
		}

		path, err := s.nodes.GetActivePath(ctx, conv.ID)
		if err != nil {
			return err
		}
		downstream, err := downstreamOf(path, target.ParentID, originalID)
		if err != nil {
			return err
		}

		now := s.now()
		for i := range versions {
			if versions[i].IsCurrentVersion && versions[i].ID != target.ID {
				previous := versions[i].Clone()
				previous.IsCurrentVersion = false
				previous.UpdatedAt = now
				if err := s.nodes.UpdateNode(ctx, &previous); err != nil {
					return err
				}
			}
		}

		if _, err := s.nodes.DeactivateNodes(ctx, downstream); err != nil {
			return err
		}

		switched = target.Clone()
		switched.IsCurrentVersion = true
		switched.IsActive = true
		switched.UpdatedAt = now
		return s.nodes.UpdateNode(ctx, &switched)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("version switched",
		"conversation_id", switched.ConversationID,
		"original_id", originalID,
		"version", versionNumber,
	)

	return &switched, nil
}

// GetActivePath returns the active, current-version nodes ordered by message index
func (s *Service) GetActivePath(ctx context.Context, conversationID, actorUserID string) ([]llm.ChatNode, error) {
	conv, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := authz.CheckConversationOwner(conv, actorUserID); err != nil {
		return nil, err
	}
	return s.nodes.GetActivePath(ctx, conversationID)
}

// GetNode returns one node the actor owns
func (s *Service) GetNode(ctx context.Context, nodeID, actorUserID string) (*llm.ChatNode, error) {
	node, err := s.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if err := authz.CheckNodeOwner(node, actorUserID); err != nil {
		return nil, err
	}
	return node, nil
}

// ListVersions returns every version of a group ordered by version number
func (s *Service) ListVersions(ctx context.Context, originalID, actorUserID string) ([]llm.ChatNode, error) {
	versions, err := s.nodes.ListVersions(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("version group %s: %w", originalID, domain.ErrNotFound)
	}
	if err := authz.CheckNodeOwner(&versions[0], actorUserID); err != nil {
		return nil, err
	}
	return versions, nil
}

// AddChild links childID under parentID. Linking an existing child is a no-op.
func (s *Service) AddChild(ctx context.Context, parentID, childID string) error {
	if _, err := s.nodes.GetNode(ctx, childID); err != nil {
		return err
	}
	return s.nodes.AddChild(ctx, parentID, childID)
}

// DeleteNode hard-deletes a node and every descendant. The node is unlinked from
// its parent, and when it was the current version the highest remaining version
// takes its place, so no reference is left dangling.
func (s *Service) DeleteNode(ctx context.Context, nodeID, actorUserID string) (int, error) {
	node, err := s.GetNode(ctx, nodeID, actorUserID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	err = s.mutate(ctx, node.ConversationID, actorUserID, func(ctx context.Context, conv *llm.ConversationMeta) error {
		target, err := s.nodes.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}

		ids, err := s.subtree(ctx, target)
		if err != nil {
			return err
		}
		before, err := s.nodes.ListByConversation(ctx, target.ConversationID, nil, 0)
		if err != nil {
			return err
		}
		if err := s.nodes.DeleteNodes(ctx, ids); err != nil {
			return err
		}
		deleted = len(ids)

		now := s.now()
		if target.ParentID != nil {
			parent, err := s.nodes.GetNode(ctx, *target.ParentID)
			if err != nil {
				return err
			}
			unlinked := parent.Clone()
			unlinked.ChildIDs = without(unlinked.ChildIDs, target.ID)
			unlinked.UpdatedAt = now
			if err := s.nodes.UpdateNode(ctx, &unlinked); err != nil {
				return err
			}
		}

		if target.IsCurrentVersion {
			remaining, err := s.nodes.ListVersions(ctx, target.OriginalID)
			if err != nil {
				return err
			}
			if len(remaining) > 0 {
				promoted := remaining[len(remaining)-1].Clone()
				promoted.IsCurrentVersion = true
				promoted.IsActive = target.IsActive
				promoted.UpdatedAt = now
				if err := s.nodes.UpdateNode(ctx, &promoted); err != nil {
					return err
				}
			}
		}
		return s.relinkBranchPoints(ctx, target.ConversationID, before, ids, now)
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("node deleted",
		"conversation_id", node.ConversationID,
		"node_id", nodeID,
		"deleted", deleted,
	)

	return deleted, nil
}

// relinkBranchPoints points surviving versions that branched from a deleted
// node at that node's own branch point, or at nothing when the chain ends in
// deleted nodes
func (s *Service) relinkBranchPoints(ctx context.Context, conversationID string, before []llm.ChatNode, deletedIDs []string, now time.Time) error {
	deleted := make(map[string]bool, len(deletedIDs))
	for _, id := range deletedIDs {
		deleted[id] = true
	}
	branchOf := make(map[string]*string, len(before))
	for i := range before {
		branchOf[before[i].ID] = before[i].BranchPoint
	}

	remaining, err := s.nodes.ListByConversation(ctx, conversationID, nil, 0)
	if err != nil {
		return err
	}
	for i := range remaining {
		bp := remaining[i].BranchPoint
		if bp == nil || !deleted[*bp] {
			continue
		}
		for bp != nil && deleted[*bp] {
			bp = branchOf[*bp]
		}

		relinked := remaining[i].Clone()
		relinked.BranchPoint = bp
		relinked.UpdatedAt = now
		if err := s.nodes.UpdateNode(ctx, &relinked); err != nil {
			return err
		}
	}
	return nil
}

// subtree collects root and all its descendants breadth-first.
// Child ids that no longer resolve are skipped.
func (s *Service) subtree(ctx context.Context, root *llm.ChatNode) ([]string, error) {
	ids := []string{root.ID}
	seen := map[string]bool{root.ID: true}
	queue := append([]string(nil), root.ChildIDs...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		child, err := s.nodes.GetNode(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		ids = append(ids, child.ID)
		queue = append(queue, child.ChildIDs...)
	}
	return ids, nil
}

// mutate runs fn under the conversation lock, in a transaction holding the
// conversation row, then persists the conversation with a bumped version
func (s *Service) mutate(ctx context.Context, conversationID, actorUserID string, fn func(ctx context.Context, conv *llm.ConversationMeta) error) error {
	return s.lockedTx(ctx, conversationID, func(ctx context.Context) error {
		return s.withConversation(ctx, conversationID, actorUserID, fn)
	})
}

func (s *Service) lockedTx(ctx context.Context, conversationID string, fn repositories.TxFn) error {
	ctx, unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.tx.ExecTx(ctx, fn)
}

func (s *Service) withConversation(ctx context.Context, conversationID, actorUserID string, fn func(ctx context.Context, conv *llm.ConversationMeta) error) error {
	conv, err := s.convs.LockConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := authz.CheckConversationOwner(conv, actorUserID); err != nil {
		return err
	}
	if err := fn(ctx, conv); err != nil {
		return err
	}
	conv.UpdatedAt = s.now()
	return s.convs.UpdateConversation(ctx, conv)
}

// buildNode allocates the next message index and returns a fresh root version
func (s *Service) buildNode(conv *llm.ConversationMeta, role, content string, parentID *string, now time.Time) llm.ChatNode {
	id := s.newID()
	index := conv.NextMessageIndex
	conv.NextMessageIndex++

	return llm.ChatNode{
		ID:               id,
		ConversationID:   conv.ID,
		UserID:           conv.UserID,
		Role:             role,
		Content:          content,
		ParentID:         parentID,
		ChildIDs:         []string{},
		MessageIndex:     index,
		IsActive:         true,
		OriginalID:       id,
		VersionNumber:    1,
		IsCurrentVersion: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// DeriveTitle turns the first message into a conversation title
func DeriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) > config.DerivedTitleLength {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:config.DerivedTitleLength])) + "..."
	}
	return title
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func stringPtr(s string) *string {
	return &s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
