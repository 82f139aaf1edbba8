package billing

import (
	"context"

	"github.com/shopspring/decimal"

	"tollgate/internal/domain/models/billing"
)

// BalanceService reads and tops up prepaid balances
type BalanceService interface {
	// GetBalance returns the user's balance; a user never credited has a zero balance
	GetBalance(ctx context.Context, userID string) (*billing.Balance, error)

	// Credit adds funds in the local billing currency
	Credit(ctx context.Context, req *CreditRequest) (*billing.Balance, error)

	// ListCharges returns the most recent ledger entries
	ListCharges(ctx context.Context, userID string, limit int) ([]billing.LedgerEntry, error)
}

// CreditRequest is the DTO for Credit
type CreditRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}
