package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"tollgate/internal/domain"
	llmModels "tollgate/internal/domain/models/llm"
	llmRepo "tollgate/internal/domain/repositories/llm"
	"tollgate/internal/repository/postgres"
)

const conversationColumns = `id, user_id, title, last_message_at, next_message_index, version, created_at, updated_at`

// PostgresConversationRepository implements llmRepo.ConversationRepository using PostgreSQL
type PostgresConversationRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewConversationRepository creates a new PostgresConversationRepository
func NewConversationRepository(config *postgres.RepositoryConfig) llmRepo.ConversationRepository {
	return &PostgresConversationRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// CreateConversation creates a new conversation
func (r *PostgresConversationRepository) CreateConversation(ctx context.Context, conv *llmModels.ConversationMeta) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.tables.Conversations, conversationColumns)

	executor := postgres.GetExecutor(ctx, r.pool)
	_, err := executor.Exec(ctx, query,
		conv.ID,
		conv.UserID,
		conv.Title,
		conv.LastMessageAt,
		conv.NextMessageIndex,
		conv.Version,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if err != nil {
		if postgres.IsPgDuplicateError(err) {
			return &domain.ConflictError{
				Message:      "conversation already exists",
				ResourceType: "conversation",
				ResourceID:   conv.ID,
			}
		}
		return fmt.Errorf("create conversation: %w", err)
	}

	return nil
}

// GetConversation retrieves a conversation by ID
func (r *PostgresConversationRepository) GetConversation(ctx context.Context, conversationID string) (*llmModels.ConversationMeta, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, conversationColumns, r.tables.Conversations)
	return r.getOne(ctx, query, conversationID)
}

// LockConversation retrieves a conversation with SELECT ... FOR UPDATE
func (r *PostgresConversationRepository) LockConversation(ctx context.Context, conversationID string) (*llmModels.ConversationMeta, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, conversationColumns, r.tables.Conversations)
	return r.getOne(ctx, query, conversationID)
}

func (r *PostgresConversationRepository) getOne(ctx context.Context, query, conversationID string) (*llmModels.ConversationMeta, error) {
	executor := postgres.GetExecutor(ctx, r.pool)
	conv, err := scanConversation(executor.QueryRow(ctx, query, conversationID))
	if err != nil {
		if postgres.IsPgNotFoundError(err) {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a user's conversations, most recently active first
func (r *PostgresConversationRepository) ListConversations(ctx context.Context, userID string) ([]llmModels.ConversationMeta, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC
	`, conversationColumns, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]llmModels.ConversationMeta, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, *conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return convs, nil
}

// UpdateConversation writes mutable fields guarded by the version stamp
func (r *PostgresConversationRepository) UpdateConversation(ctx context.Context, conv *llmModels.ConversationMeta) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET title = $3,
		    next_message_index = $4,
		    last_message_at = $5,
		    updated_at = $6,
		    version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		conv.ID,
		conv.Version,
		conv.Title,
		conv.NextMessageIndex,
		conv.LastMessageAt,
		conv.UpdatedAt,
	).Scan(&conv.Version)
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			// Either gone or modified concurrently
			if _, getErr := r.GetConversation(ctx, conv.ID); getErr != nil {
				return getErr
			}
			return fmt.Errorf("conversation %s modified concurrently: %w", conv.ID, domain.ErrConflict)
		}
		return fmt.Errorf("update conversation: %w", err)
	}

	return nil
}

// DeleteConversation deletes a conversation; nodes cascade
func (r *PostgresConversationRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	result, err := executor.Exec(ctx, query, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}

	return nil
}

func scanConversation(row postgres.RowScanner) (*llmModels.ConversationMeta, error) {
	var conv llmModels.ConversationMeta
	err := row.Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&conv.LastMessageAt,
		&conv.NextMessageIndex,
		&conv.Version,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}
