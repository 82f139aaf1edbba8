package llm

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Caller-facing stream event types, in emission order
const (
	EventEditComplete       = "edit-complete"
	EventCompletionStart    = "completion-start"
	EventCompletionData     = "completion-data"
	EventCompletionComplete = "completion-complete"
	EventError              = "error"
	EventDone               = "done"
)

// Error codes carried by EventError
const (
	ErrorCodeValidation          = "validation_error"
	ErrorCodeNotFound            = "not_found"
	ErrorCodeForbidden           = "forbidden"
	ErrorCodeInsufficientBalance = "insufficient_balance"
	ErrorCodeUpstream            = "upstream_error"
	ErrorCodeCancelled           = "cancelled"
	ErrorCodeInternal            = "internal_error"
)

// StreamEvent is one item of the caller-facing sequence.
// Data is already-encoded JSON so upstream deltas pass through untouched.
type StreamEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EditCompleteEvent is emitted after an edit commits, before the completion starts
type EditCompleteEvent struct {
	Node             ChatNode `json:"node"`
	DeactivatedCount int      `json:"deactivated_count"`
}

// CompletionStartEvent announces the stream and the worst-case estimate
type CompletionStartEvent struct {
	StreamID            string          `json:"stream_id"`
	ConversationID      string          `json:"conversation_id,omitempty"`
	Model               string          `json:"model"`
	EstimatedTokens     int             `json:"estimated_prompt_tokens"`
	EstimatedCost       decimal.Decimal `json:"estimated_cost"`
	Currency            string          `json:"currency"`
	AssumedOutputTokens int             `json:"assumed_output_tokens"`
}

// CompletionCompleteEvent carries the final usage, charge and persisted nodes
type CompletionCompleteEvent struct {
	Usage         Usage           `json:"usage"`
	Cost          Cost            `json:"cost"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	UserNode      *ChatNode       `json:"user_node,omitempty"`
	AssistantNode *ChatNode       `json:"assistant_node,omitempty"`
}

// ErrorEvent is emitted instead of completion-complete on failure
type ErrorEvent struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Truncated bool   `json:"truncated,omitempty"`
}

// NewStreamEvent marshals payload into a StreamEvent
func NewStreamEvent(eventType string, payload interface{}) (StreamEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return StreamEvent{}, err
	}
	return StreamEvent{Type: eventType, Data: data}, nil
}

// RawStreamEvent wraps already-encoded JSON (upstream passthrough)
func RawStreamEvent(eventType string, raw []byte) StreamEvent {
	data := make([]byte, len(raw))
	copy(data, raw)
	return StreamEvent{Type: eventType, Data: data}
}
