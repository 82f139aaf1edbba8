package llm

import (
	"time"

	"github.com/shopspring/decimal"
)

// Roles a node can carry
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Usage is the token accounting reported by the provider for one completion
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// IsZero reports whether no tokens were recorded
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Cost is the charge attached to a node, in USD and in the local billing currency
type Cost struct {
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	AmountLocal decimal.Decimal `json:"amount_local"`
}

// ChatNode is one message in a conversation.
// Nodes reference each other by id only; the store is the arena.
// Versions of one logical position share OriginalID.
type ChatNode struct {
	ID               string    `json:"id" db:"id"`
	ConversationID   string    `json:"conversation_id" db:"conversation_id"`
	UserID           string    `json:"user_id" db:"user_id"`
	Role             string    `json:"role" db:"role"` // "user" or "assistant"
	Content          string    `json:"content" db:"content"`
	ParentID         *string   `json:"parent_id,omitempty" db:"parent_id"`
	ChildIDs         []string  `json:"child_ids" db:"child_ids"`
	MessageIndex     int       `json:"message_index" db:"message_index"`
	IsActive         bool      `json:"is_active" db:"is_active"`
	OriginalID       string    `json:"original_id" db:"original_id"`
	VersionNumber    int       `json:"version_number" db:"version_number"`
	IsCurrentVersion bool      `json:"is_current_version" db:"is_current_version"`
	BranchPoint      *string   `json:"branch_point,omitempty" db:"branch_point"`
	Model            *string   `json:"model,omitempty" db:"model"`
	Usage            Usage     `json:"usage"`
	Cost             Cost      `json:"cost"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// OnActivePath reports whether the node belongs to the canonical view
func (n *ChatNode) OnActivePath() bool {
	return n.IsActive && n.IsCurrentVersion
}

// HasChild reports whether childID is already linked
func (n *ChatNode) HasChild(childID string) bool {
	for _, id := range n.ChildIDs {
		if id == childID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can build the next state without aliasing slices
func (n ChatNode) Clone() ChatNode {
	c := n
	if n.ChildIDs != nil {
		c.ChildIDs = append([]string(nil), n.ChildIDs...)
	}
	if n.ParentID != nil {
		p := *n.ParentID
		c.ParentID = &p
	}
	if n.BranchPoint != nil {
		b := *n.BranchPoint
		c.BranchPoint = &b
	}
	if n.Model != nil {
		m := *n.Model
		c.Model = &m
	}
	return c
}

// NodePage is one page of a conversation's full history (all versions, all branches)
type NodePage struct {
	Nodes   []ChatNode `json:"nodes"`
	HasMore bool       `json:"has_more"`
}
