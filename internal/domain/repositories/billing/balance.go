package billing

import (
	"context"

	"github.com/shopspring/decimal"

	"tollgate/internal/domain/models/billing"
)

// BalanceRepository defines the interface for prepaid balances and the charge ledger
type BalanceRepository interface {
	// GetBalance retrieves a user's balance
	// Returns domain.ErrNotFound if the user has never been credited
	GetBalance(ctx context.Context, userID string) (*billing.Balance, error)

	// Deduct subtracts amount only if the result stays >= 0, as a single conditional write.
	// Returns *domain.InsufficientBalanceError without mutating anything otherwise.
	Deduct(ctx context.Context, userID string, amount decimal.Decimal) (*billing.Balance, error)

	// Credit adds amount, creating the balance row if needed
	Credit(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*billing.Balance, error)

	// RecordCharge appends a ledger entry. ID must already be set.
	RecordCharge(ctx context.Context, entry *billing.LedgerEntry) error

	// ListCharges returns a user's ledger, newest first
	ListCharges(ctx context.Context, userID string, limit int) ([]billing.LedgerEntry, error)
}
