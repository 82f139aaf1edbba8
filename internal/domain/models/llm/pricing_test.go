package llm

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func testQuote() Quote {
	return Quote{
		Price: ModelPrice{
			PromptPer1K:     decimal.RequireFromString("0.15"),
			CompletionPer1K: decimal.RequireFromString("0.6"),
		},
		ExchangeRate: decimal.RequireFromString("150.25"),
		Currency:     "JPY",
	}
}

func TestQuoteCostFor(t *testing.T) {
	q := testQuote()

	tests := []struct {
		name       string
		prompt     int
		completion int
		wantUSD    string
		wantLocal  string
	}{
		{name: "zero tokens", prompt: 0, completion: 0, wantUSD: "0", wantLocal: "0"},
		{name: "prompt only", prompt: 1000, completion: 0, wantUSD: "0.15", wantLocal: "22.5375"},
		{name: "completion only", prompt: 0, completion: 2000, wantUSD: "1.2", wantLocal: "180.3"},
		{name: "both", prompt: 10, completion: 20, wantUSD: "0.0135", wantLocal: "2.028375"},
		{name: "negative counts clamp to zero", prompt: -5, completion: -1, wantUSD: "0", wantLocal: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost := q.CostFor(tt.prompt, tt.completion)
			assert.True(t, cost.AmountUSD.Equal(decimal.RequireFromString(tt.wantUSD)), cost.AmountUSD.String())
			assert.True(t, cost.AmountLocal.Equal(decimal.RequireFromString(tt.wantLocal)), cost.AmountLocal.String())
		})
	}
}

func TestQuoteCostFor_MonotoneAndLinear(t *testing.T) {
	q := testQuote()

	prev := decimal.Zero
	for tokens := 0; tokens <= 5000; tokens += 250 {
		cost := q.CostFor(tokens, tokens)
		assert.False(t, cost.AmountLocal.IsNegative())
		assert.True(t, cost.AmountLocal.GreaterThanOrEqual(prev), "cost decreased at %d tokens", tokens)
		prev = cost.AmountLocal
	}

	single := q.CostFor(300, 700)
	double := q.CostFor(600, 1400)
	assert.True(t, double.AmountUSD.Equal(single.AmountUSD.Mul(decimal.NewFromInt(2))))
}
