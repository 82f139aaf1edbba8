package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tollgate/internal/domain"
	llmModels "tollgate/internal/domain/models/llm"
	llmRepo "tollgate/internal/domain/repositories/llm"
	"tollgate/internal/repository/postgres"
)

const nodeColumns = `id, conversation_id, user_id, role, content, parent_id, child_ids,
	message_index, is_active, original_id, version_number, is_current_version, branch_point, model,
	prompt_tokens, completion_tokens, total_tokens, cost_usd, cost_local, created_at, updated_at`

// PostgresNodeRepository implements llmRepo.NodeRepository using PostgreSQL
type PostgresNodeRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewNodeRepository creates a new PostgresNodeRepository
func NewNodeRepository(config *postgres.RepositoryConfig) llmRepo.NodeRepository {
	return &PostgresNodeRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// CreateNode inserts a node
func (r *PostgresNodeRepository) CreateNode(ctx context.Context, node *llmModels.ChatNode) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, r.tables.Nodes, nodeColumns)

	childIDs := node.ChildIDs
	if childIDs == nil {
		childIDs = []string{}
	}

	executor := postgres.GetExecutor(ctx, r.pool)
	_, err := executor.Exec(ctx, query,
		node.ID,
		node.ConversationID,
		node.UserID,
		node.Role,
		node.Content,
		node.ParentID,
		childIDs,
		node.MessageIndex,
		node.IsActive,
		node.OriginalID,
		node.VersionNumber,
		node.IsCurrentVersion,
		node.BranchPoint,
		node.Model,
		node.Usage.PromptTokens,
		node.Usage.CompletionTokens,
		node.Usage.TotalTokens,
		node.Cost.AmountUSD,
		node.Cost.AmountLocal,
		node.CreatedAt,
		node.UpdatedAt,
	)
	if err != nil {
		if postgres.IsPgDuplicateError(err) {
			return &domain.ConflictError{
				Message:      fmt.Sprintf("message index %d already used in conversation", node.MessageIndex),
				ResourceType: "chat_node",
				ResourceID:   node.ConversationID,
			}
		}
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("conversation %s: %w", node.ConversationID, domain.ErrNotFound)
		}
		return fmt.Errorf("create node: %w", err)
	}

	return nil
}

// GetNode retrieves a node by ID
func (r *PostgresNodeRepository) GetNode(ctx context.Context, nodeID string) (*llmModels.ChatNode, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, nodeColumns, r.tables.Nodes)

	executor := postgres.GetExecutor(ctx, r.pool)
	node, err := scanNode(executor.QueryRow(ctx, query, nodeID))
	if err != nil {
		if postgres.IsPgNotFoundError(err) {
			return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get node: %w", err)
	}

	return node, nil
}

// GetActivePath returns the active, current-version nodes of a conversation
func (r *PostgresNodeRepository) GetActivePath(ctx context.Context, conversationID string) ([]llmModels.ChatNode, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE conversation_id = $1 AND is_active AND is_current_version
		ORDER BY message_index
	`, nodeColumns, r.tables.Nodes)

	return r.queryNodes(ctx, "get active path", query, conversationID)
}

// ListByConversation pages a conversation's history, newest first
func (r *PostgresNodeRepository) ListByConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]llmModels.ChatNode, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, message_index DESC
		LIMIT NULLIF($3, 0)
	`, nodeColumns, r.tables.Nodes)

	return r.queryNodes(ctx, "list conversation nodes", query, conversationID, before, limit)
}

// ListByUser pages a user's nodes, newest first
func (r *PostgresNodeRepository) ListByUser(ctx context.Context, userID string, before *time.Time, limit int) ([]llmModels.ChatNode, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT NULLIF($3, 0)
	`, nodeColumns, r.tables.Nodes)

	return r.queryNodes(ctx, "list user nodes", query, userID, before, limit)
}

// ListVersions returns every version of a group
func (r *PostgresNodeRepository) ListVersions(ctx context.Context, originalID string) ([]llmModels.ChatNode, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE original_id = $1
		ORDER BY version_number
	`, nodeColumns, r.tables.Nodes)

	return r.queryNodes(ctx, "list versions", query, originalID)
}

// UpdateNode overwrites the mutable fields of a node
func (r *PostgresNodeRepository) UpdateNode(ctx context.Context, node *llmModels.ChatNode) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET content = $2,
		    child_ids = $3,
		    is_active = $4,
		    is_current_version = $5,
		    model = $6,
		    prompt_tokens = $7,
		    completion_tokens = $8,
		    total_tokens = $9,
		    cost_usd = $10,
		    cost_local = $11,
		    updated_at = $12
		WHERE id = $1
	`, r.tables.Nodes)

	childIDs := node.ChildIDs
	if childIDs == nil {
		childIDs = []string{}
	}

	executor := postgres.GetExecutor(ctx, r.pool)
	result, err := executor.Exec(ctx, query,
		node.ID,
		node.Content,
		childIDs,
		node.IsActive,
		node.IsCurrentVersion,
		node.Model,
		node.Usage.PromptTokens,
		node.Usage.CompletionTokens,
		node.Usage.TotalTokens,
		node.Cost.AmountUSD,
		node.Cost.AmountLocal,
		node.UpdatedAt,
	)
	if err != nil {
		if postgres.IsPgDuplicateError(err) {
			return fmt.Errorf("group %s already has a current version: %w", node.OriginalID, domain.ErrConflict)
		}
		return fmt.Errorf("update node: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", node.ID, domain.ErrNotFound)
	}

	return nil
}

// AddChild appends childID to the parent's child_ids if it is not already present
func (r *PostgresNodeRepository) AddChild(ctx context.Context, parentID, childID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET child_ids = CASE WHEN $2 = ANY(child_ids) THEN child_ids ELSE array_append(child_ids, $2) END,
		    updated_at = now()
		WHERE id = $1
	`, r.tables.Nodes)

	executor := postgres.GetExecutor(ctx, r.pool)
	result, err := executor.Exec(ctx, query, parentID, childID)
	if err != nil {
		return fmt.Errorf("add child: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", parentID, domain.ErrNotFound)
	}

	return nil
}

// DeactivateNodes clears is_active on the listed nodes in one statement
func (r *PostgresNodeRepository) DeactivateNodes(ctx context.Context, nodeIDs []string) (int, error) {
	if len(nodeIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET is_active = FALSE, updated_at = now()
		WHERE id = ANY($1) AND is_active
	`, r.tables.Nodes)

	executor := postgres.GetExecutor(ctx, r.pool)
	result, err := executor.Exec(ctx, query, nodeIDs)
	if err != nil {
		return 0, fmt.Errorf("deactivate nodes: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// DeleteNodes hard-deletes the listed nodes
func (r *PostgresNodeRepository) DeleteNodes(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, r.tables.Nodes)

	executor := postgres.GetExecutor(ctx, r.pool)
	if _, err := executor.Exec(ctx, query, nodeIDs); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}

	return nil
}

func (r *PostgresNodeRepository) queryNodes(ctx context.Context, op, query string, args ...interface{}) ([]llmModels.ChatNode, error) {
	executor := postgres.GetExecutor(ctx, r.pool)
	nodes := make([]llmModels.ChatNode, 0)
	rows, err := executor.Query(ctx, query, args...)
	if err != nil {
		if postgres.IsPgInvalidTextError(err) {
			return nodes, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan node: %w", op, err)
		}
		nodes = append(nodes, *node)
	}

	if err := rows.Err(); err != nil {
		if postgres.IsPgInvalidTextError(err) {
			return make([]llmModels.ChatNode, 0), nil
		}
		return nil, fmt.Errorf("%s: iterate nodes: %w", op, err)
	}

	return nodes, nil
}

func scanNode(row postgres.RowScanner) (*llmModels.ChatNode, error) {
	var node llmModels.ChatNode
	err := row.Scan(
		&node.ID,
		&node.ConversationID,
		&node.UserID,
		&node.Role,
		&node.Content,
		&node.ParentID,
		&node.ChildIDs,
		&node.MessageIndex,
		&node.IsActive,
		&node.OriginalID,
		&node.VersionNumber,
		&node.IsCurrentVersion,
		&node.BranchPoint,
		&node.Model,
		&node.Usage.PromptTokens,
		&node.Usage.CompletionTokens,
		&node.Usage.TotalTokens,
		&node.Cost.AmountUSD,
		&node.Cost.AmountLocal,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &node, nil
}
