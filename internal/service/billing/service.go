package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"tollgate/internal/config"
	"tollgate/internal/domain"
	billingModels "tollgate/internal/domain/models/billing"
	billingRepo "tollgate/internal/domain/repositories/billing"
	billingSvc "tollgate/internal/domain/services/billing"
)

// Service implements the BalanceService interface
type Service struct {
	repo     billingRepo.BalanceRepository
	currency string
	logger   *slog.Logger
}

// NewService creates a balance service billing in currency
func NewService(repo billingRepo.BalanceRepository, currency string, logger *slog.Logger) billingSvc.BalanceService {
	return &Service{
		repo:     repo,
		currency: currency,
		logger:   logger,
	}
}

// GetBalance returns the user's balance, zero if never credited
func (s *Service) GetBalance(ctx context.Context, userID string) (*billingModels.Balance, error) {
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &billingModels.Balance{UserID: userID, Amount: decimal.Zero, Currency: s.currency}, nil
		}
		return nil, err
	}
	return balance, nil
}

// Credit tops up a balance
func (s *Service) Credit(ctx context.Context, req *billingSvc.CreditRequest) (*billingModels.Balance, error) {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.UserID, validation.Required),
		validation.Field(&req.Amount, validation.By(positiveAmount)),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	balance, err := s.repo.Credit(ctx, req.UserID, req.Amount, s.currency)
	if err != nil {
		return nil, err
	}

	s.logger.Info("balance credited",
		"user_id", req.UserID,
		"amount", req.Amount.String(),
		"balance", balance.Amount.String(),
		"currency", balance.Currency,
	)

	return balance, nil
}

// ListCharges returns the newest ledger entries
func (s *Service) ListCharges(ctx context.Context, userID string, limit int) ([]billingModels.LedgerEntry, error) {
	if limit <= 0 {
		limit = config.DefaultPageSize
	}
	if limit > config.MaxPageSize {
		limit = config.MaxPageSize
	}
	return s.repo.ListCharges(ctx, userID, limit)
}

func positiveAmount(value interface{}) error {
	amount, _ := value.(decimal.Decimal)
	if !amount.IsPositive() {
		return validation.NewError("validation_amount_positive", "must be greater than zero")
	}
	return nil
}
