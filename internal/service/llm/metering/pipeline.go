// Package metering runs one completion through estimate, stream, finalize-cost,
// deduct and commit, so a user is charged exactly for what the provider reports.
package metering

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tollgate/internal/config"
	"tollgate/internal/domain"
	"tollgate/internal/domain/models/billing"
	"tollgate/internal/domain/models/llm"
	"tollgate/internal/domain/repositories"
	billingRepo "tollgate/internal/domain/repositories/billing"
	llmSvc "tollgate/internal/domain/services/llm"
	"tollgate/internal/service/llm/versions"
)

// Config tunes estimation and the mid-stream balance guard
type Config struct {
	DefaultModel     string
	DefaultMaxTokens int // assumed output when a request sets no max_tokens; 0 uses the context share only
	GuardInterval    int // deltas between balance checks while streaming; 0 disables the guard
}

// Pipeline implements llmSvc.MeteringPipeline
type Pipeline struct {
	versions  llmSvc.VersionService
	balances  billingRepo.BalanceRepository
	tx        repositories.TransactionManager
	gateway   llmSvc.CompletionGateway
	oracle    llmSvc.PricingOracle
	estimator llmSvc.TokenEstimator
	locks     *versions.ConversationLocks
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

var _ llmSvc.MeteringPipeline = (*Pipeline)(nil)

// NewPipeline creates a metering pipeline.
// locks must be the table used by the version service so commits serialize with edits.
func NewPipeline(
	versionService llmSvc.VersionService,
	balances billingRepo.BalanceRepository,
	tx repositories.TransactionManager,
	gateway llmSvc.CompletionGateway,
	oracle llmSvc.PricingOracle,
	estimator llmSvc.TokenEstimator,
	locks *versions.ConversationLocks,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		versions:  versionService,
		balances:  balances,
		tx:        tx,
		gateway:   gateway,
		oracle:    oracle,
		estimator: estimator,
		locks:     locks,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Run meters one completion. Deltas are forwarded to events as they arrive.
// Failures before FINALIZING charge nothing and persist nothing.
func (p *Pipeline) Run(ctx context.Context, req *llmSvc.MeterRequest, events chan<- llm.StreamEvent) (*llmSvc.MeterResult, error) {
	est, err := p.Estimate(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Stream(ctx, est, events)
}

// Estimate builds the prompt, quotes it and rejects requests whose worst case exceeds the balance
func (p *Pipeline) Estimate(ctx context.Context, req *llmSvc.MeterRequest) (*llmSvc.MeterEstimate, error) {
	r := *req
	if r.Model == "" {
		r.Model = p.cfg.DefaultModel
	}
	if r.StreamID == "" {
		r.StreamID = p.newID()
	}

	est, err := p.estimate(ctx, &r)
	if err != nil {
		p.requestLogger(&r).Warn("completion rejected", "state", llmSvc.StateEstimating, "error", err)
		return nil, err
	}
	return est, nil
}

// Stream sends the request upstream, then charges and commits what it reports
func (p *Pipeline) Stream(ctx context.Context, est *llmSvc.MeterEstimate, events chan<- llm.StreamEvent) (*llmSvc.MeterResult, error) {
	r := &est.Request
	logger := p.requestLogger(r)

	start, err := llm.NewStreamEvent(llm.EventCompletionStart, llm.CompletionStartEvent{
		StreamID:            r.StreamID,
		ConversationID:      est.ConversationID,
		Model:               r.Model,
		EstimatedTokens:     est.PromptTokens,
		EstimatedCost:       est.WorstCase.AmountLocal,
		Currency:            est.Quote.Currency,
		AssumedOutputTokens: est.AssumedOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode start event: %w", err)
	}
	if err := send(ctx, events, start); err != nil {
		return nil, cancelled(ctx)
	}

	acc, err := p.stream(ctx, r, est, events)
	if err != nil {
		logger.Warn("completion aborted", "state", llmSvc.StateStreaming, "error", err)
		return nil, err
	}

	if r.BeginFinalize != nil && !r.BeginFinalize() {
		logger.Info("completion aborted before finalizing", "state", llmSvc.StateStreaming)
		return nil, fmt.Errorf("completion cancelled: %w", context.Canceled)
	}

	result, err := p.finalize(ctx, r, est, acc)
	if err != nil {
		logger.Error("completion aborted", "state", llmSvc.StateFinalizing, "error", err)
		return nil, err
	}

	logger.Info("completion committed",
		"conversation_id", est.ConversationID,
		"prompt_tokens", result.Usage.PromptTokens,
		"completion_tokens", result.Usage.CompletionTokens,
		"cost_local", result.Cost.AmountLocal.String(),
		"balance", result.Balance.String(),
	)

	return result, nil
}

func (p *Pipeline) requestLogger(r *llmSvc.MeterRequest) *slog.Logger {
	return p.logger.With("stream_id", r.StreamID, "user_id", r.UserID, "model", r.Model, "mode", string(r.Mode))
}

func (p *Pipeline) estimate(ctx context.Context, r *llmSvc.MeterRequest) (*llmSvc.MeterEstimate, error) {
	if err := validateRequest(r); err != nil {
		return nil, err
	}

	messages, conversationID, err := p.prompt(ctx, r)
	if err != nil {
		return nil, err
	}

	quote, err := p.oracle.Quote(ctx, r.Model)
	if err != nil {
		return nil, err
	}

	promptTokens := p.estimator.CountMessages(messages)
	assumed := AssumedOutputTokens(r.MaxTokens, p.cfg.DefaultMaxTokens, quote.Price.ContextLength)
	worstCase := quote.CostFor(promptTokens, assumed)

	available, err := p.availableBalance(ctx, r.UserID)
	if err != nil {
		return nil, err
	}
	if worstCase.AmountLocal.GreaterThan(available) {
		return nil, &domain.InsufficientBalanceError{
			Required:  worstCase.AmountLocal,
			Available: available,
			Currency:  quote.Currency,
		}
	}

	return &llmSvc.MeterEstimate{
		Request:        *r,
		ConversationID: conversationID,
		Messages:       messages,
		PromptTokens:   promptTokens,
		AssumedOutput:  assumed,
		Quote:          quote,
		WorstCase:      worstCase,
		Available:      available,
	}, nil
}

// prompt resolves the context sent upstream and the conversation the result commits to
func (p *Pipeline) prompt(ctx context.Context, r *llmSvc.MeterRequest) ([]llm.Message, string, error) {
	switch r.Mode {
	case llmSvc.CommitNone:
		return r.Messages, "", nil

	case llmSvc.CommitPair:
		var messages []llm.Message
		if r.ConversationID != "" {
			path, err := p.versions.GetActivePath(ctx, r.ConversationID, r.UserID)
			if err != nil {
				return nil, "", err
			}
			messages = llm.MessagesFromPath(path)
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: strings.TrimSpace(r.UserContent)})
		return messages, r.ConversationID, nil

	case llmSvc.CommitReply:
		path, err := p.versions.GetActivePath(ctx, r.ConversationID, r.UserID)
		if err != nil {
			return nil, "", err
		}
		if len(path) == 0 {
			return nil, "", fmt.Errorf("%w: conversation has no messages to answer", domain.ErrValidation)
		}
		last := path[len(path)-1]
		if last.ID != r.ParentID || last.Role != llm.RoleUser {
			return nil, "", fmt.Errorf("%w: %s is not the user message ending the active path", domain.ErrValidation, r.ParentID)
		}
		return llm.MessagesFromPath(path), r.ConversationID, nil

	case llmSvc.CommitVersion:
		target, err := p.versions.GetNode(ctx, r.TargetNodeID, r.UserID)
		if err != nil {
			return nil, "", err
		}
		if target.Role != llm.RoleAssistant {
			return nil, "", fmt.Errorf("%w: only assistant messages can be regenerated", domain.ErrValidation)
		}
		path, err := p.versions.GetActivePath(ctx, target.ConversationID, r.UserID)
		if err != nil {
			return nil, "", err
		}
		cut := 0
		if target.ParentID != nil {
			cut = -1
			for i := range path {
				if path[i].ID == *target.ParentID {
					cut = i + 1
					break
				}
			}
			if cut < 0 {
				return nil, "", fmt.Errorf("%w: message %s is not reachable from the active path", domain.ErrValidation, target.ID)
			}
		}
		if cut == 0 {
			return nil, "", fmt.Errorf("%w: message %s has no context to regenerate from", domain.ErrValidation, target.ID)
		}
		return llm.MessagesFromPath(path[:cut]), target.ConversationID, nil
	}

	return nil, "", fmt.Errorf("%w: unknown commit mode %q", domain.ErrValidation, r.Mode)
}

// stream forwards upstream deltas and accumulates the reply.
// The guard aborts once the cost so far would exceed the balance seen at ESTIMATING.
func (p *Pipeline) stream(ctx context.Context, r *llmSvc.MeterRequest, est *llmSvc.MeterEstimate, events chan<- llm.StreamEvent) (*Accumulator, error) {
	stream, err := p.gateway.Stream(ctx, &llmSvc.CompletionRequest{
		Model:     r.Model,
		Messages:  est.Messages,
		MaxTokens: r.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, err
	}
	defer stream.Close()

	acc := &Accumulator{}
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return acc, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx)
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, &domain.UpstreamError{Message: "stream ended before [DONE]; no charge applied"}
			}
			return nil, err
		}

		grew := acc.Add(chunk)
		if len(chunk.Raw) > 0 {
			if err := send(ctx, events, llm.RawStreamEvent(llm.EventCompletionData, chunk.Raw)); err != nil {
				return nil, cancelled(ctx)
			}
		}

		if grew && p.cfg.GuardInterval > 0 && acc.Deltas()%p.cfg.GuardInterval == 0 {
			soFar := est.Quote.CostFor(est.PromptTokens, p.estimator.CountText(acc.Content()))
			if soFar.AmountLocal.GreaterThan(est.Available) {
				return nil, &domain.InsufficientBalanceError{
					Required:  soFar.AmountLocal,
					Available: est.Available,
					Currency:  est.Quote.Currency,
					Truncated: true,
				}
			}
		}
	}
}

// finalize prices the reported usage with the pinned quote, then charges and
// commits in one transaction. It ignores cancellation of ctx.
func (p *Pipeline) finalize(ctx context.Context, r *llmSvc.MeterRequest, est *llmSvc.MeterEstimate, acc *Accumulator) (*llmSvc.MeterResult, error) {
	usage := acc.Usage()
	if usage == nil {
		return nil, &domain.UpstreamError{Message: "stream ended without usage; no charge applied"}
	}

	result := &llmSvc.MeterResult{
		State:   llmSvc.StateFinalizing,
		Content: acc.Content(),
		Usage:   *usage,
		Cost:    est.Quote.CostFor(usage.PromptTokens, usage.CompletionTokens),
		Quote:   est.Quote,
	}

	ctx = context.WithoutCancel(ctx)
	if est.ConversationID != "" {
		lockCtx, unlock, err := p.locks.Lock(ctx, est.ConversationID)
		if err != nil {
			return nil, err
		}
		defer unlock()
		ctx = lockCtx
	}

	err := p.tx.ExecTx(ctx, func(ctx context.Context) error {
		balance, err := p.charge(ctx, r.UserID, result.Cost.AmountLocal)
		if err != nil {
			return err
		}
		result.Balance = balance

		conversationID, nodeID, err := p.persist(ctx, r, est, result)
		if err != nil {
			return err
		}

		entry := &billing.LedgerEntry{
			ID:        p.newID(),
			UserID:    r.UserID,
			NodeID:    nodeID,
			Model:     r.Model,
			Usage:     result.Usage,
			Cost:      result.Cost,
			CreatedAt: p.now(),
		}
		if conversationID != "" {
			entry.ConversationID = &conversationID
		}
		return p.balances.RecordCharge(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	result.State = llmSvc.StateCommitted
	result.Charged = true
	return result, nil
}

// charge deducts amount conditionally. A zero charge only reads the balance.
func (p *Pipeline) charge(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return p.availableBalance(ctx, userID)
	}
	balance, err := p.balances.Deduct(ctx, userID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Amount, nil
}

// persist commits the reply through the version service according to the mode.
// An empty reply is charged but not stored.
func (p *Pipeline) persist(ctx context.Context, r *llmSvc.MeterRequest, est *llmSvc.MeterEstimate, result *llmSvc.MeterResult) (string, *string, error) {
	content := strings.TrimSpace(result.Content)
	if r.Mode == llmSvc.CommitNone {
		return est.ConversationID, nil, nil
	}
	if content == "" {
		p.logger.Warn("empty completion charged without storing a message",
			"stream_id", r.StreamID,
			"conversation_id", est.ConversationID,
			"mode", string(r.Mode),
		)
		return est.ConversationID, nil, nil
	}

	commit := llmSvc.Commit{
		Content: content,
		Model:   r.Model,
		Usage:   result.Usage,
		Cost:    result.Cost,
	}

	switch r.Mode {
	case llmSvc.CommitPair:
		res, err := p.versions.AppendPair(ctx, &llmSvc.AppendPairRequest{
			ConversationID:   est.ConversationID,
			UserID:           r.UserID,
			UserContent:      r.UserContent,
			AssistantContent: content,
			Model:            r.Model,
			Usage:            result.Usage,
			Cost:             result.Cost,
		})
		if err != nil {
			return "", nil, err
		}
		result.UserNode = res.UserNode
		result.AssistantNode = res.AssistantNode
		return res.Conversation.ID, &res.AssistantNode.ID, nil

	case llmSvc.CommitReply:
		node, err := p.versions.AppendReply(ctx, &llmSvc.AppendReplyRequest{
			ConversationID: est.ConversationID,
			ParentID:       r.ParentID,
			UserID:         r.UserID,
			Commit:         commit,
		})
		if err != nil {
			return "", nil, err
		}
		result.AssistantNode = node
		return est.ConversationID, &node.ID, nil

	case llmSvc.CommitVersion:
		res, err := p.versions.AddAssistantVersion(ctx, &llmSvc.AddVersionRequest{
			NodeID: r.TargetNodeID,
			UserID: r.UserID,
			Commit: commit,
		})
		if err != nil {
			return "", nil, err
		}
		result.AssistantNode = res.Node
		return est.ConversationID, &res.Node.ID, nil
	}

	return "", nil, fmt.Errorf("%w: unknown commit mode %q", domain.ErrValidation, r.Mode)
}

// availableBalance returns the user's balance, zero if never credited
func (p *Pipeline) availableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance, err := p.balances.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return balance.Amount, nil
}

// AssumedOutputTokens is the completion size charged in the worst-case estimate:
// the explicit max_tokens, else the smaller of the configured default and a
// share of the model's context window.
func AssumedOutputTokens(maxTokens *int, defaultMax, contextLength int) int {
	if maxTokens != nil && *maxTokens > 0 {
		return *maxTokens
	}
	share := contextLength * config.AssumedOutputContextShare / 100
	if defaultMax > 0 && (share <= 0 || defaultMax < share) {
		return defaultMax
	}
	return share
}

func validateRequest(r *llmSvc.MeterRequest) error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.UserID, validation.Required),
		validation.Field(&r.Model, validation.Required),
		validation.Field(&r.Mode, validation.Required, validation.In(
			llmSvc.CommitPair, llmSvc.CommitReply, llmSvc.CommitVersion, llmSvc.CommitNone,
		)),
		validation.Field(&r.MaxTokens, validation.Min(1)),
		validation.Field(&r.UserContent,
			validation.When(r.Mode == llmSvc.CommitPair, validation.Required, validation.RuneLength(0, config.MaxMessageLength)),
		),
		validation.Field(&r.ConversationID, validation.When(r.Mode == llmSvc.CommitReply, validation.Required)),
		validation.Field(&r.ParentID, validation.When(r.Mode == llmSvc.CommitReply, validation.Required)),
		validation.Field(&r.TargetNodeID, validation.When(r.Mode == llmSvc.CommitVersion, validation.Required)),
		validation.Field(&r.Messages,
			validation.When(r.Mode == llmSvc.CommitNone, validation.Required, validation.Length(1, config.MaxExplicitMessages)),
		),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if r.Mode == llmSvc.CommitPair && strings.TrimSpace(r.UserContent) == "" {
		return fmt.Errorf("%w: user_content: cannot be blank", domain.ErrValidation)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "system", llm.RoleUser, llm.RoleAssistant:
		default:
			return fmt.Errorf("%w: messages[%d]: unknown role %q", domain.ErrValidation, i, m.Role)
		}
	}
	return nil
}

// send delivers ev unless ctx ends first. A nil channel discards events.
func send(ctx context.Context, events chan<- llm.StreamEvent, ev llm.StreamEvent) error {
	if events == nil {
		return nil
	}
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("completion cancelled: %w", ctx.Err())
}
