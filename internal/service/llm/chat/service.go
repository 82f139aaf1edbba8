package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"tollgate/internal/config"
	"tollgate/internal/domain"
	llmModels "tollgate/internal/domain/models/llm"
	"tollgate/internal/domain/repositories"
	llmRepo "tollgate/internal/domain/repositories/llm"
	llmSvc "tollgate/internal/domain/services/llm"
	authz "tollgate/internal/service/auth"
	"tollgate/internal/service/llm/versions"
)

// DefaultTitle names conversations created without a title
const DefaultTitle = config.DefaultConversationTitle

// Service implements the ChatService interface
// Handles conversation metadata and history paging; graph mutations live in the versions package
type Service struct {
	convRepo llmRepo.ConversationRepository
	nodeRepo llmRepo.NodeReader
	tx       repositories.TransactionManager
	locks    *versions.ConversationLocks
	logger   *slog.Logger
}

// NewService creates a new chat service
func NewService(
	convRepo llmRepo.ConversationRepository,
	nodeRepo llmRepo.NodeReader,
	tx repositories.TransactionManager,
	locks *versions.ConversationLocks,
	logger *slog.Logger,
) llmSvc.ChatService {
	return &Service{
		convRepo: convRepo,
		nodeRepo: nodeRepo,
		tx:       tx,
		locks:    locks,
		logger:   logger,
	}
}

// CreateConversation creates an empty conversation
func (s *Service) CreateConversation(ctx context.Context, req *llmSvc.CreateConversationRequest) (*llmModels.ConversationMeta, error) {
	if err := s.validateCreateRequest(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = DefaultTitle
	}

	now := time.Now()
	conv := &llmModels.ConversationMeta{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.convRepo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	s.logger.Info("conversation created",
		"id", conv.ID,
		"title", conv.Title,
		"user_id", req.UserID,
	)

	return conv, nil
}

// GetConversation retrieves a conversation the user owns
func (s *Service) GetConversation(ctx context.Context, conversationID, userID string) (*llmModels.ConversationMeta, error) {
	conv, err := s.convRepo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := authz.CheckConversationOwner(conv, userID); err != nil {
		return nil, err
	}

	return conv, nil
}

// ListConversations retrieves the user's conversations
func (s *Service) ListConversations(ctx context.Context, userID string) ([]llmModels.ConversationMeta, error) {
	return s.convRepo.ListConversations(ctx, userID)
}

// RenameConversation updates a conversation's title
func (s *Service) RenameConversation(ctx context.Context, conversationID, userID string, req *llmSvc.UpdateConversationRequest) (*llmModels.ConversationMeta, error) {
	if err := s.validateUpdateRequest(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	ctx, unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var conv *llmModels.ConversationMeta
	err = s.tx.ExecTx(ctx, func(ctx context.Context) error {
		c, err := s.convRepo.LockConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if err := authz.CheckConversationOwner(c, userID); err != nil {
			return err
		}

		c.Title = strings.TrimSpace(req.Title)
		c.UpdatedAt = time.Now()
		if err := s.convRepo.UpdateConversation(ctx, c); err != nil {
			return err
		}
		conv = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("conversation renamed",
		"id", conv.ID,
		"title", conv.Title,
		"user_id", userID,
	)

	return conv, nil
}

// DeleteConversation hard-deletes a conversation and its nodes
func (s *Service) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	ctx, unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.convRepo.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	s.logger.Info("conversation deleted",
		"id", conversationID,
		"user_id", userID,
	)

	return nil
}

// ListHistory pages every node of a conversation, newest first
func (s *Service) ListHistory(ctx context.Context, conversationID, userID string, params *llmSvc.PageParams) (*llmModels.NodePage, error) {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	limit := pageLimit(params)
	nodes, err := s.nodeRepo.ListByConversation(ctx, conversationID, before(params), limit+1)
	if err != nil {
		return nil, err
	}

	return page(nodes, limit), nil
}

// ListUserHistory pages the user's nodes across conversations, newest first
func (s *Service) ListUserHistory(ctx context.Context, userID string, params *llmSvc.PageParams) (*llmModels.NodePage, error) {
	limit := pageLimit(params)
	nodes, err := s.nodeRepo.ListByUser(ctx, userID, before(params), limit+1)
	if err != nil {
		return nil, err
	}

	return page(nodes, limit), nil
}

// pageLimit clamps the requested page size; a nil params gets the default
func pageLimit(params *llmSvc.PageParams) int {
	if params == nil || params.Limit <= 0 {
		return config.DefaultPageSize
	}
	if params.Limit > config.MaxPageSize {
		return config.MaxPageSize
	}
	return params.Limit
}

func before(params *llmSvc.PageParams) *time.Time {
	if params == nil {
		return nil
	}
	return params.Before
}

// page trims the extra row fetched to detect further pages
func page(nodes []llmModels.ChatNode, limit int) *llmModels.NodePage {
	if len(nodes) > limit {
		return &llmModels.NodePage{Nodes: nodes[:limit], HasMore: true}
	}
	return &llmModels.NodePage{Nodes: nodes, HasMore: false}
}

// Validation methods

func (s *Service) validateCreateRequest(req *llmSvc.CreateConversationRequest) error {
	return validation.ValidateStruct(req,
		validation.Field(&req.UserID, validation.Required),
		validation.Field(&req.Title,
			validation.RuneLength(0, config.MaxConversationTitleLength),
		),
	)
}

func (s *Service) validateUpdateRequest(req *llmSvc.UpdateConversationRequest) error {
	req.Title = strings.TrimSpace(req.Title)
	return validation.ValidateStruct(req,
		validation.Field(&req.Title,
			validation.Required,
			validation.RuneLength(1, config.MaxConversationTitleLength),
		),
	)
}
