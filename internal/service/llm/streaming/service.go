package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	mstream "github.com/haowjy/meridian-stream-go"

	"tollgate/internal/config"
	"tollgate/internal/domain"
	llmModels "tollgate/internal/domain/models/llm"
	"tollgate/internal/domain/services"
	llmSvc "tollgate/internal/domain/services/llm"
)

// EventBuffer is the capacity of each caller-facing event channel
const EventBuffer = 64

// DefaultCleanupInterval is how often the stream registry sweeps finished streams
const DefaultCleanupInterval = time.Minute

// Service implements the StreamingService interface.
// Each stream runs the metering pipeline as the work of an mstream.Stream and
// always ends with completion-complete or error, followed by done.
type Service struct {
	versions   llmSvc.VersionService
	pipeline   llmSvc.MeteringPipeline
	authorizer services.ResourceAuthorizer
	registry   *mstream.Registry
	logger     *slog.Logger

	mu   sync.RWMutex
	runs map[string]*run
}

// run tracks ownership and the FINALIZING boundary of one stream
type run struct {
	userID string
	stream *mstream.Stream

	mu          sync.Mutex
	finalizing  bool
	interrupted bool
}

// interrupt cancels the stream unless it has reached FINALIZING
func (r *run) interrupt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalizing {
		return false
	}
	r.interrupted = true
	r.stream.Cancel()
	return true
}

// beginFinalize claims FINALIZING; it loses to an earlier interrupt
func (r *run) beginFinalize() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interrupted {
		return false
	}
	r.finalizing = true
	return true
}

// NewService creates a new streaming service
func NewService(
	versions llmSvc.VersionService,
	pipeline llmSvc.MeteringPipeline,
	authorizer services.ResourceAuthorizer,
	registry *mstream.Registry,
	logger *slog.Logger,
) *Service {
	return &Service{
		versions:   versions,
		pipeline:   pipeline,
		authorizer: authorizer,
		registry:   registry,
		logger:     logger,
		runs:       make(map[string]*run),
	}
}

var _ llmSvc.StreamingService = (*Service)(nil)

// SendMessage streams a reply to a new user message
func (s *Service) SendMessage(ctx context.Context, req *llmSvc.SendMessageRequest) (string, <-chan llmModels.StreamEvent, error) {
	req.Content = strings.TrimSpace(req.Content)
	if err := validation.ValidateStruct(req,
		validation.Field(&req.UserID, validation.Required),
		validation.Field(&req.Content, validation.Required, validation.RuneLength(1, config.MaxMessageLength)),
		validation.Field(&req.MaxTokens, validation.Min(1)),
	); err != nil {
		return "", nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if req.ConversationID != "" {
		if err := s.authorizer.CanAccessConversation(ctx, req.UserID, req.ConversationID); err != nil {
			return "", nil, err
		}
	}

	return s.start(ctx, &llmSvc.MeterRequest{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Model:          req.Model,
		MaxTokens:      req.MaxTokens,
		Mode:           llmSvc.CommitPair,
		UserContent:    req.Content,
	}, nil)
}

// EditAndRegenerate commits the edit first, then streams a reply to the edited message
func (s *Service) EditAndRegenerate(ctx context.Context, req *llmSvc.EditMessageRequest) (string, <-chan llmModels.StreamEvent, error) {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.NodeID, validation.Required),
		validation.Field(&req.UserID, validation.Required),
		validation.Field(&req.MaxTokens, validation.Min(1)),
	); err != nil {
		return "", nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	edit, err := s.versions.EditMessage(ctx, req.NodeID, req.Content, req.UserID)
	if err != nil {
		return "", nil, err
	}

	ev, err := llmModels.NewStreamEvent(llmModels.EventEditComplete, llmModels.EditCompleteEvent{
		Node:             *edit.Node,
		DeactivatedCount: edit.DeactivatedCount,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode edit event: %w", err)
	}

	return s.start(ctx, &llmSvc.MeterRequest{
		UserID:         req.UserID,
		ConversationID: edit.Node.ConversationID,
		Model:          req.Model,
		MaxTokens:      req.MaxTokens,
		Mode:           llmSvc.CommitReply,
		ParentID:       edit.Node.ID,
	}, []llmModels.StreamEvent{ev})
}

// Regenerate streams a new version of an assistant message
func (s *Service) Regenerate(ctx context.Context, req *llmSvc.RegenerateRequest) (string, <-chan llmModels.StreamEvent, error) {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.NodeID, validation.Required),
		validation.Field(&req.UserID, validation.Required),
		validation.Field(&req.MaxTokens, validation.Min(1)),
	); err != nil {
		return "", nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if err := s.authorizer.CanAccessNode(ctx, req.UserID, req.NodeID); err != nil {
		return "", nil, err
	}

	return s.start(ctx, &llmSvc.MeterRequest{
		UserID:       req.UserID,
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
		Mode:         llmSvc.CommitVersion,
		TargetNodeID: req.NodeID,
	}, nil)
}

// Complete streams a metered completion over explicit messages
func (s *Service) Complete(ctx context.Context, req *llmSvc.ExplicitCompletionRequest) (string, <-chan llmModels.StreamEvent, error) {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.UserID, validation.Required),
		validation.Field(&req.Messages, validation.Required, validation.Length(1, config.MaxExplicitMessages)),
		validation.Field(&req.MaxTokens, validation.Min(1)),
	); err != nil {
		return "", nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	return s.start(ctx, &llmSvc.MeterRequest{
		UserID:    req.UserID,
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Mode:      llmSvc.CommitNone,
		Messages:  req.Messages,
	}, nil)
}

// Interrupt cancels a stream the user owns.
// Once the stream is FINALIZING the charge goes through and Interrupt reports a conflict.
func (s *Service) Interrupt(ctx context.Context, streamID, userID string) error {
	r := s.lookup(streamID)
	if r == nil || s.registry.Get(streamID) == nil {
		return fmt.Errorf("stream %s: %w", streamID, domain.ErrNotFound)
	}
	if r.userID != userID {
		return fmt.Errorf("%w: stream belongs to another user", domain.ErrForbidden)
	}

	if !r.interrupt() {
		return &domain.ConflictError{
			Message:      "stream is finalizing; the completion will be charged",
			ResourceType: "stream",
			ResourceID:   streamID,
		}
	}
	s.logger.Info("stream interrupted", "stream_id", streamID, "user_id", userID)
	return nil
}

// start estimates synchronously, so validation and balance failures reach the
// caller before any stream exists, then runs the rest of the pipeline as the
// work of a registered mstream.Stream.
// Interrupt and the end of ctx (the caller's connection) both cancel the run
// until it reaches FINALIZING.
func (s *Service) start(ctx context.Context, req *llmSvc.MeterRequest, prelude []llmModels.StreamEvent) (string, <-chan llmModels.StreamEvent, error) {
	streamID := uuid.NewString()
	req.StreamID = streamID

	est, err := s.pipeline.Estimate(ctx, req)
	if err != nil {
		return "", nil, err
	}

	r := &run{userID: req.UserID}
	est.Request.BeginFinalize = r.beginFinalize

	out := make(chan llmModels.StreamEvent, EventBuffer+len(prelude))
	r.stream = mstream.NewStream(streamID, s.work(ctx, r, est, prelude, out), mstream.WithEventIDs(true))

	s.track(streamID, r)
	if err := s.registry.Register(r.stream); err != nil {
		s.untrack(streamID)
		return "", nil, err
	}
	r.stream.Start()

	return streamID, out, nil
}

// work runs the pipeline. Every event goes to the stream's buffer and attached
// clients, and to out while the caller is still connected.
func (s *Service) work(ctx context.Context, r *run, est *llmSvc.MeterEstimate, prelude []llmModels.StreamEvent, out chan<- llmModels.StreamEvent) mstream.WorkFunc {
	streamID := est.Request.StreamID

	return func(runCtx context.Context, send func(mstream.Event)) error {
		defer close(out)
		defer s.untrack(streamID)

		stop := context.AfterFunc(ctx, func() { r.interrupt() })
		defer stop()

		emit := func(ev llmModels.StreamEvent) {
			send(mstream.NewEvent(ev.Data).WithType(ev.Type))
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		for _, ev := range prelude {
			emit(ev)
		}

		events := make(chan llmModels.StreamEvent, EventBuffer)
		relayed := make(chan struct{})
		go func() {
			defer close(relayed)
			for ev := range events {
				emit(ev)
			}
		}()

		res, err := s.pipeline.Stream(runCtx, est, events)
		close(events)
		<-relayed

		var final llmModels.StreamEvent
		if err != nil {
			final = errorEvent(err)
			if errorCode(err) == llmModels.ErrorCodeInternal {
				s.logger.Error("stream failed", "stream_id", streamID, "error", err)
			}
		} else {
			var encErr error
			final, encErr = llmModels.NewStreamEvent(llmModels.EventCompletionComplete, llmModels.CompletionCompleteEvent{
				Usage:         res.Usage,
				Cost:          res.Cost,
				Currency:      res.Quote.Currency,
				Balance:       res.Balance,
				UserNode:      res.UserNode,
				AssistantNode: res.AssistantNode,
			})
			if encErr != nil {
				final = errorEvent(encErr)
			}
		}

		done, _ := llmModels.NewStreamEvent(llmModels.EventDone, map[string]string{"stream_id": streamID})
		emit(final)
		emit(done)

		return err
	}
}

func (s *Service) track(streamID string, r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[streamID] = r
}

func (s *Service) untrack(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, streamID)
}

func (s *Service) lookup(streamID string) *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[streamID]
}

// errorCode maps a pipeline failure onto the error event's code
func errorCode(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return llmModels.ErrorCodeCancelled
	case errors.Is(err, domain.ErrInsufficientBalance):
		return llmModels.ErrorCodeInsufficientBalance
	case errors.Is(err, domain.ErrValidation):
		return llmModels.ErrorCodeValidation
	case errors.Is(err, domain.ErrNotFound):
		return llmModels.ErrorCodeNotFound
	case errors.Is(err, domain.ErrForbidden):
		return llmModels.ErrorCodeForbidden
	case errors.Is(err, domain.ErrUpstream):
		return llmModels.ErrorCodeUpstream
	default:
		return llmModels.ErrorCodeInternal
	}
}

func errorEvent(err error) llmModels.StreamEvent {
	code := errorCode(err)
	message := err.Error()
	if code == llmModels.ErrorCodeInternal {
		message = "internal error"
	}

	ev, _ := llmModels.NewStreamEvent(llmModels.EventError, llmModels.ErrorEvent{
		Code:      code,
		Message:   message,
		Truncated: errors.Is(err, domain.ErrTruncated),
	})
	return ev
}
