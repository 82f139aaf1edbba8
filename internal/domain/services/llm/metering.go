package llm

import (
	"context"

	"github.com/shopspring/decimal"

	"tollgate/internal/domain/models/llm"
)

// MeterState is a step of the metering state machine
type MeterState string

const (
	StateEstimating MeterState = "estimating"
	StateStreaming  MeterState = "streaming"
	StateFinalizing MeterState = "finalizing"
	StateCommitted  MeterState = "committed"
	StateAborted    MeterState = "aborted"
)

// CommitMode selects what FINALIZING persists alongside the charge
type CommitMode string

const (
	// CommitPair stores the user message and the reply as a new pair
	CommitPair CommitMode = "pair"
	// CommitReply stores the reply after the user node at the tail of the active path
	CommitReply CommitMode = "reply"
	// CommitVersion stores the reply as a new version of an existing assistant node
	CommitVersion CommitMode = "version"
	// CommitNone only charges and records a ledger entry
	CommitNone CommitMode = "none"
)

// MeteringPipeline runs estimate, stream, finalize-cost, deduct and commit for one completion
type MeteringPipeline interface {
	// Estimate runs ESTIMATING only. It validates the request, builds the prompt
	// and rejects it when the worst case exceeds the balance. Nothing is sent upstream.
	Estimate(ctx context.Context, req *MeterRequest) (*MeterEstimate, error)

	// Stream continues from an accepted estimate until COMMITTED or ABORTED.
	// Upstream deltas are sent to events as they arrive; Stream never closes events.
	Stream(ctx context.Context, est *MeterEstimate, events chan<- llm.StreamEvent) (*MeterResult, error)

	// Run is Estimate followed by Stream
	Run(ctx context.Context, req *MeterRequest, events chan<- llm.StreamEvent) (*MeterResult, error)
}

// MeterEstimate is the outcome of ESTIMATING, pinned for the rest of the run
type MeterEstimate struct {
	Request        MeterRequest // normalized: model and stream id are always set
	ConversationID string       // empty for CommitNone and for a pair starting a new conversation
	Messages       []llm.Message
	PromptTokens   int
	AssumedOutput  int
	Quote          llm.Quote
	WorstCase      llm.Cost
	Available      decimal.Decimal
}

// MeterRequest describes one metered completion
type MeterRequest struct {
	StreamID       string
	UserID         string
	ConversationID string // required unless Mode is CommitNone
	Model          string
	MaxTokens      *int

	// Messages is the explicit prompt for CommitNone.
	// Other modes build the prompt from the active path of the conversation.
	Messages []llm.Message

	Mode CommitMode
	// UserContent is the new user message for CommitPair; it is appended to the prompt
	UserContent string
	// ParentID is the user node a CommitReply answers
	ParentID string
	// TargetNodeID is the assistant node a CommitVersion regenerates
	TargetNodeID string

	// BeginFinalize, if set, is called once before FINALIZING.
	// Returning false aborts the run as cancelled with nothing charged.
	BeginFinalize func() bool
}

// MeterResult describes a committed completion
type MeterResult struct {
	State         MeterState
	Content       string
	Usage         llm.Usage
	Cost          llm.Cost
	Quote         llm.Quote
	Balance       decimal.Decimal // remaining balance after the charge
	UserNode      *llm.ChatNode
	AssistantNode *llm.ChatNode
	Charged       bool
}
