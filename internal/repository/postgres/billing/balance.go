package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tollgate/internal/domain"
	billingModels "tollgate/internal/domain/models/billing"
	billingRepo "tollgate/internal/domain/repositories/billing"
	"tollgate/internal/repository/postgres"
)

// PostgresBalanceRepository implements billingRepo.BalanceRepository using PostgreSQL
type PostgresBalanceRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewBalanceRepository creates a new PostgresBalanceRepository
func NewBalanceRepository(config *postgres.RepositoryConfig) billingRepo.BalanceRepository {
	return &PostgresBalanceRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// GetBalance retrieves a user's balance
func (r *PostgresBalanceRepository) GetBalance(ctx context.Context, userID string) (*billingModels.Balance, error) {
	query := fmt.Sprintf(`
		SELECT user_id, amount, currency, updated_at
		FROM %s
		WHERE user_id = $1
	`, r.tables.Balances)

	var b billingModels.Balance
	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, userID).Scan(&b.UserID, &b.Amount, &b.Currency, &b.UpdatedAt)
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("balance for user %s: %w", userID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}

	return &b, nil
}

// Deduct subtracts amount with a single conditional UPDATE.
// Two concurrent deductions cannot both pass a check only one can satisfy.
func (r *PostgresBalanceRepository) Deduct(ctx context.Context, userID string, amount decimal.Decimal) (*billingModels.Balance, error) {
	if amount.IsNegative() {
		return nil, domain.NewValidationError("amount", "deduction must not be negative")
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET amount = amount - $2, updated_at = now()
		WHERE user_id = $1 AND amount >= $2
		RETURNING user_id, amount, currency, updated_at
	`, r.tables.Balances)

	var b billingModels.Balance
	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, userID, amount).Scan(&b.UserID, &b.Amount, &b.Currency, &b.UpdatedAt)
	if err != nil {
		if !postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("deduct balance: %w", err)
		}

		available := decimal.Zero
		currency := ""
		if current, getErr := r.GetBalance(ctx, userID); getErr == nil {
			available = current.Amount
			currency = current.Currency
		}
		return nil, &domain.InsufficientBalanceError{
			Required:  amount,
			Available: available,
			Currency:  currency,
		}
	}

	return &b, nil
}

// Credit adds amount, creating the row on first top-up
func (r *PostgresBalanceRepository) Credit(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*billingModels.Balance, error) {
	if !amount.IsPositive() {
		return nil, domain.NewValidationError("amount", "credit must be positive")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, amount, currency, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE
		SET amount = %s.amount + EXCLUDED.amount, updated_at = now()
		RETURNING user_id, amount, currency, updated_at
	`, r.tables.Balances, r.tables.Balances)

	var b billingModels.Balance
	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, userID, amount, currency).Scan(&b.UserID, &b.Amount, &b.Currency, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	return &b, nil
}

// RecordCharge appends a ledger entry
func (r *PostgresBalanceRepository) RecordCharge(ctx context.Context, entry *billingModels.LedgerEntry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, conversation_id, node_id, model,
			prompt_tokens, completion_tokens, total_tokens, cost_usd, cost_local, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.tables.Ledger)

	executor := postgres.GetExecutor(ctx, r.pool)
	_, err := executor.Exec(ctx, query,
		entry.ID,
		entry.UserID,
		entry.ConversationID,
		entry.NodeID,
		entry.Model,
		entry.Usage.PromptTokens,
		entry.Usage.CompletionTokens,
		entry.Usage.TotalTokens,
		entry.Cost.AmountUSD,
		entry.Cost.AmountLocal,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record charge: %w", err)
	}

	return nil
}

// ListCharges returns a user's ledger, newest first
func (r *PostgresBalanceRepository) ListCharges(ctx context.Context, userID string, limit int) ([]billingModels.LedgerEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, conversation_id, node_id, model,
			prompt_tokens, completion_tokens, total_tokens, cost_usd, cost_local, created_at
		FROM %s
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, r.tables.Ledger)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	defer rows.Close()

	entries := make([]billingModels.LedgerEntry, 0)
	for rows.Next() {
		var e billingModels.LedgerEntry
		err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.ConversationID,
			&e.NodeID,
			&e.Model,
			&e.Usage.PromptTokens,
			&e.Usage.CompletionTokens,
			&e.Usage.TotalTokens,
			&e.Cost.AmountUSD,
			&e.Cost.AmountLocal,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}

	return entries, nil
}
