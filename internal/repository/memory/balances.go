package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"tollgate/internal/domain"
	"tollgate/internal/domain/models/billing"
)

// GetBalance retrieves a user's balance
func (s *Store) GetBalance(ctx context.Context, userID string) (*billing.Balance, error) {
	var out billing.Balance
	err := s.read(func(d *state) error {
		b, ok := d.balances[userID]
		if !ok {
			return fmt.Errorf("balance for user %s: %w", userID, domain.ErrNotFound)
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Deduct subtracts amount if the balance covers it, under the write lock
func (s *Store) Deduct(ctx context.Context, userID string, amount decimal.Decimal) (*billing.Balance, error) {
	if amount.IsNegative() {
		return nil, domain.NewValidationError("amount", "deduction must not be negative")
	}

	var out billing.Balance
	err := s.write(ctx, func(d *state) error {
		b, ok := d.balances[userID]
		if !ok || b.Amount.LessThan(amount) {
			return &domain.InsufficientBalanceError{
				Required:  amount,
				Available: b.Amount,
				Currency:  b.Currency,
			}
		}
		b.Amount = b.Amount.Sub(amount)
		b.UpdatedAt = s.now()
		d.balances[userID] = b
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Credit adds amount, creating the balance on first top-up
func (s *Store) Credit(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*billing.Balance, error) {
	if !amount.IsPositive() {
		return nil, domain.NewValidationError("amount", "credit must be positive")
	}

	var out billing.Balance
	err := s.write(ctx, func(d *state) error {
		b, ok := d.balances[userID]
		if !ok {
			b = billing.Balance{UserID: userID, Currency: currency}
		}
		b.Amount = b.Amount.Add(amount)
		b.UpdatedAt = s.now()
		d.balances[userID] = b
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordCharge appends a ledger entry
func (s *Store) RecordCharge(ctx context.Context, entry *billing.LedgerEntry) error {
	return s.write(ctx, func(d *state) error {
		d.ledger = append(d.ledger, *entry)
		return nil
	})
}

// ListCharges returns a user's ledger, newest first
func (s *Store) ListCharges(ctx context.Context, userID string, limit int) ([]billing.LedgerEntry, error) {
	out := make([]billing.LedgerEntry, 0)
	_ = s.read(func(d *state) error {
		for i := len(d.ledger) - 1; i >= 0; i-- {
			if d.ledger[i].UserID == userID {
				out = append(out, d.ledger[i])
			}
		}
		return nil
	})

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
