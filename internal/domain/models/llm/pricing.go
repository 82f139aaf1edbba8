package llm

import (
	"time"

	"github.com/shopspring/decimal"
)

// ModelPrice is the upstream price list entry for a model, in USD per 1K tokens
type ModelPrice struct {
	Model           string          `json:"model"`
	PromptPer1K     decimal.Decimal `json:"prompt_per_1k"`
	CompletionPer1K decimal.Decimal `json:"completion_per_1k"`
	ContextLength   int             `json:"context_length"`
}

// Quote pins the price and exchange rate used for one completion.
// The same quote is used for the pre-stream estimate and the final charge.
type Quote struct {
	Price        ModelPrice      `json:"price"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"` // local units per 1 USD
	Currency     string          `json:"currency"`
	FetchedAt    time.Time       `json:"fetched_at"`
}

var thousand = decimal.NewFromInt(1000)

// CostFor computes the charge for the given token counts.
// Negative counts are treated as zero so cost is never negative.
func (q Quote) CostFor(promptTokens, completionTokens int) Cost {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}

	prompt := decimal.NewFromInt(int64(promptTokens)).Div(thousand).Mul(q.Price.PromptPer1K)
	completion := decimal.NewFromInt(int64(completionTokens)).Div(thousand).Mul(q.Price.CompletionPer1K)
	usd := prompt.Add(completion)

	return Cost{
		AmountUSD:   usd,
		AmountLocal: usd.Mul(q.ExchangeRate),
	}
}
