package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"tollgate/internal/domain/models/llm"
)

// Balance is a user's prepaid credit in the local billing currency
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Currency  string          `json:"currency" db:"currency"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry records one committed charge. NodeID is nil for stateless completions.
type LedgerEntry struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	ConversationID *string   `json:"conversation_id,omitempty" db:"conversation_id"`
	NodeID         *string   `json:"node_id,omitempty" db:"node_id"`
	Model          string    `json:"model" db:"model"`
	Usage          llm.Usage `json:"usage"`
	Cost           llm.Cost  `json:"cost"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
