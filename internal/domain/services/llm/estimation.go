package llm

import (
	"context"

	"tollgate/internal/domain/models/llm"
)

// TokenEstimator approximates token counts before a request is sent
type TokenEstimator interface {
	CountText(text string) int
	CountMessages(messages []llm.Message) int
}

// PricingOracle quotes model prices and the billing exchange rate
type PricingOracle interface {
	// Quote returns price and exchange rate pinned together.
	// Unknown models fail with domain.ErrValidation.
	Quote(ctx context.Context, model string) (llm.Quote, error)
	Currency() string
}
