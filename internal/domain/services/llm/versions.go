package llm

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"tollgate/internal/domain/models/llm"
)

// VersionService manages message nodes, their versions and the active path.
// Mutations on one conversation are serialized.
type VersionService interface {
	// AppendPair commits a user node and its assistant reply at the next two indices.
	// An empty ConversationID creates the conversation.
	AppendPair(ctx context.Context, req *AppendPairRequest) (*AppendPairResult, error)

	// AppendReply commits an assistant node after the user node at the tail of the active path
	AppendReply(ctx context.Context, req *AppendReplyRequest) (*llm.ChatNode, error)

	// EditMessage creates a new current version of a user node and
	// deactivates everything after it on the active path
	EditMessage(ctx context.Context, nodeID, newContent, actorUserID string) (*EditResult, error)

	// AddAssistantVersion stores a regenerated reply as a new version of an assistant node
	AddAssistantVersion(ctx context.Context, req *AddVersionRequest) (*EditResult, error)

	// SwitchVersion makes versionNumber the current version of a group
	SwitchVersion(ctx context.Context, originalID string, versionNumber int, actorUserID string) (*llm.ChatNode, error)

	// GetActivePath returns the canonical view of a conversation
	GetActivePath(ctx context.Context, conversationID, actorUserID string) ([]llm.ChatNode, error)

	// GetNode returns one node the actor owns
	GetNode(ctx context.Context, nodeID, actorUserID string) (*llm.ChatNode, error)

	// ListVersions returns every version of a group ordered by version number
	ListVersions(ctx context.Context, originalID, actorUserID string) ([]llm.ChatNode, error)

	// AddChild links childID under parentID; linking twice is a no-op
	AddChild(ctx context.Context, parentID, childID string) error

	// DeleteNode hard-deletes a node and its subtree, returning the number of deleted nodes
	DeleteNode(ctx context.Context, nodeID, actorUserID string) (int, error)
}

// Commit carries the metered result attached to an assistant node
type Commit struct {
	Content string
	Model   string
	Usage   llm.Usage
	Cost    llm.Cost
}

// AppendPairRequest is the DTO for AppendPair
type AppendPairRequest struct {
	ConversationID   string `json:"conversation_id"`
	UserID           string `json:"-"`
	UserContent      string `json:"user_content"`
	AssistantContent string `json:"assistant_content"`
	Model            string `json:"model"`
	Usage            llm.Usage
	Cost             llm.Cost
}

// Validate implements validation.Validatable
func (r AppendPairRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.Required),
		validation.Field(&r.UserContent, validation.Required),
		validation.Field(&r.AssistantContent, validation.Required),
	)
}

// AppendPairResult holds both committed nodes
type AppendPairResult struct {
	Conversation  *llm.ConversationMeta `json:"conversation"`
	UserNode      *llm.ChatNode         `json:"user_node"`
	AssistantNode *llm.ChatNode         `json:"assistant_node"`
}

// AppendReplyRequest is the DTO for AppendReply
type AppendReplyRequest struct {
	ConversationID string
	ParentID       string
	UserID         string
	Commit
}

// Validate implements validation.Validatable
func (r AppendReplyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ConversationID, validation.Required),
		validation.Field(&r.ParentID, validation.Required),
		validation.Field(&r.UserID, validation.Required),
		validation.Field(&r.Commit),
	)
}

// AddVersionRequest is the DTO for AddAssistantVersion
type AddVersionRequest struct {
	NodeID string // any version of the assistant group
	UserID string
	Commit
}

// Validate implements validation.Validatable
func (r AddVersionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.NodeID, validation.Required),
		validation.Field(&r.UserID, validation.Required),
		validation.Field(&r.Commit),
	)
}

// Validate implements validation.Validatable
func (c Commit) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Content, validation.Required),
		validation.Field(&c.Usage, validation.By(nonNegativeUsage)),
		validation.Field(&c.Cost, validation.By(nonNegativeCost)),
	)
}

// EditResult is returned by EditMessage and AddAssistantVersion
type EditResult struct {
	Node             *llm.ChatNode `json:"node"`
	DeactivatedCount int           `json:"deactivated_count"`
}

func nonNegativeUsage(value interface{}) error {
	u, _ := value.(llm.Usage)
	if u.PromptTokens < 0 || u.CompletionTokens < 0 || u.TotalTokens < 0 {
		return validation.NewError("validation_negative_usage", "token counts must not be negative")
	}
	return nil
}

func nonNegativeCost(value interface{}) error {
	c, _ := value.(llm.Cost)
	if c.AmountUSD.LessThan(decimal.Zero) || c.AmountLocal.LessThan(decimal.Zero) {
		return validation.NewError("validation_negative_cost", "cost must not be negative")
	}
	return nil
}
