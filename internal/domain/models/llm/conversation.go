package llm

import (
	"time"
)

// ConversationMeta owns the version groups of one conversation.
// Version is an optimistic stamp bumped by every graph mutation.
type ConversationMeta struct {
	ID               string     `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	Title            string     `json:"title" db:"title"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	NextMessageIndex int        `json:"-" db:"next_message_index"`
	Version          int64      `json:"version" db:"version"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}
