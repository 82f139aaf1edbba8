package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mstream "github.com/haowjy/meridian-stream-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/domain"
	llmModels "tollgate/internal/domain/models/llm"
	llmSvc "tollgate/internal/domain/services/llm"
	"tollgate/internal/repository/memory"
	"tollgate/internal/service/auth"
	"tollgate/internal/service/llm/versions"
)

// fakePipeline records requests and runs a scripted body.
// estimateErr fails ESTIMATING; run scripts everything after it.
type fakePipeline struct {
	mu          sync.Mutex
	requests    []llmSvc.MeterRequest
	estimateErr error
	run         func(ctx context.Context, req *llmSvc.MeterRequest, events chan<- llmModels.StreamEvent) (*llmSvc.MeterResult, error)
}

func (p *fakePipeline) Estimate(ctx context.Context, req *llmSvc.MeterRequest) (*llmSvc.MeterEstimate, error) {
	p.mu.Lock()
	p.requests = append(p.requests, *req)
	p.mu.Unlock()
	if p.estimateErr != nil {
		return nil, p.estimateErr
	}
	return &llmSvc.MeterEstimate{Request: *req}, nil
}

func (p *fakePipeline) Stream(ctx context.Context, est *llmSvc.MeterEstimate, events chan<- llmModels.StreamEvent) (*llmSvc.MeterResult, error) {
	return p.run(ctx, &est.Request, events)
}

func (p *fakePipeline) Run(ctx context.Context, req *llmSvc.MeterRequest, events chan<- llmModels.StreamEvent) (*llmSvc.MeterResult, error) {
	est, err := p.Estimate(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Stream(ctx, est, events)
}

func (p *fakePipeline) lastRequest() llmSvc.MeterRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func succeed(ctx context.Context, req *llmSvc.MeterRequest, events chan<- llmModels.StreamEvent) (*llmSvc.MeterResult, error) {
	start, _ := llmModels.NewStreamEvent(llmModels.EventCompletionStart, llmModels.CompletionStartEvent{StreamID: req.StreamID})
	events <- start
	events <- llmModels.RawStreamEvent(llmModels.EventCompletionData, []byte(`{"choices":[{"delta":{"content":"hi"}}]}`))
	return &llmSvc.MeterResult{
		State:   llmSvc.StateCommitted,
		Content: "hi",
		Usage:   llmModels.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		Cost:    llmModels.Cost{AmountUSD: decimal.RequireFromString("0.001"), AmountLocal: decimal.RequireFromString("0.15")},
		Quote:   llmModels.Quote{Currency: "JPY"},
		Balance: decimal.RequireFromString("99.85"),
		Charged: true,
	}, nil
}

type testEnv struct {
	store    *memory.Store
	versions *versions.Service
	pipeline *fakePipeline
	registry *mstream.Registry
	service  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	versionService := versions.NewService(store, store, store, nil, logger)
	pipeline := &fakePipeline{run: succeed}
	registry := mstream.NewRegistry(mstream.WithCleanupInterval(DefaultCleanupInterval))
	authorizer := auth.NewOwnerBasedAuthorizer(store, store)

	return &testEnv{
		store:    store,
		versions: versionService,
		pipeline: pipeline,
		registry: registry,
		service:  NewService(versionService, pipeline, authorizer, registry, logger),
	}
}

func collect(t *testing.T, events <-chan llmModels.StreamEvent) []llmModels.StreamEvent {
	t.Helper()
	var out []llmModels.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

// requireRemoved waits for the registry to drop a finished stream
func requireRemoved(t *testing.T, registry *mstream.Registry, streamID string) {
	t.Helper()
	require.Eventually(t, func() bool { return registry.Get(streamID) == nil }, 5*time.Second, 10*time.Millisecond)
}

func types(events []llmModels.StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestSendMessage_EventOrder(t *testing.T) {
	env := newTestEnv(t)

	streamID, events, err := env.service.SendMessage(context.Background(), &llmSvc.SendMessageRequest{
		UserID:  "u1",
		Content: "  hello  ",
	})
	require.NoError(t, err)
	require.NotEmpty(t, streamID)

	got := collect(t, events)
	assert.Equal(t, []string{
		llmModels.EventCompletionStart,
		llmModels.EventCompletionData,
		llmModels.EventCompletionComplete,
		llmModels.EventDone,
	}, types(got))

	var complete llmModels.CompletionCompleteEvent
	require.NoError(t, json.Unmarshal(got[2].Data, &complete))
	assert.Equal(t, 4, complete.Usage.TotalTokens)
	assert.Equal(t, "JPY", complete.Currency)
	assert.True(t, complete.Balance.Equal(decimal.RequireFromString("99.85")))

	req := env.pipeline.lastRequest()
	assert.Equal(t, llmSvc.CommitPair, req.Mode)
	assert.Equal(t, "hello", req.UserContent)
	assert.Equal(t, streamID, req.StreamID)

	requireRemoved(t, env.registry, streamID)
}

func TestSendMessage_PipelineErrors(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      string
		wantTruncated bool
	}{
		{
			name:     "insufficient balance",
			err:      &domain.InsufficientBalanceError{Required: decimal.NewFromInt(1500), Available: decimal.NewFromInt(1000), Currency: "JPY"},
			wantCode: llmModels.ErrorCodeInsufficientBalance,
		},
		{
			name:          "truncated",
			err:           &domain.InsufficientBalanceError{Required: decimal.NewFromInt(45), Available: decimal.NewFromInt(30), Truncated: true},
			wantCode:      llmModels.ErrorCodeInsufficientBalance,
			wantTruncated: true,
		},
		{
			name:     "upstream without usage",
			err:      &domain.UpstreamError{Message: "stream ended without usage; no charge applied"},
			wantCode: llmModels.ErrorCodeUpstream,
		},
		{
			name:     "unknown model",
			err:      fmt.Errorf("%w: unknown model", domain.ErrValidation),
			wantCode: llmModels.ErrorCodeValidation,
		},
		{
			name:     "unexpected failure",
			err:      errors.New("connection reset"),
			wantCode: llmModels.ErrorCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.pipeline.run = func(ctx context.Context, req *llmSvc.MeterRequest, events chan<- llmModels.StreamEvent) (*llmSvc.MeterResult, error) {
				return nil, tt.err
			}

			streamID, events, err := env.service.SendMessage(context.Background(), &llmSvc.SendMessageRequest{UserID: "u1", Content: "hi"})
			require.NoError(t, err)

			got := collect(t, events)
			require.Equal(t, []string{llmModels.EventError, llmModels.EventDone}, types(got))

			var ev llmModels.ErrorEvent
			require.NoError(t, json.Unmarshal(got[0].Data, &ev))
			assert.Equal(t, tt.wantCode, ev.Code)
			assert.Equal(t, tt.wantTruncated, ev.Truncated)
			if tt.wantCode == llmModels.ErrorCodeInternal {
				assert.Equal(t, "internal error", ev.Message)
			}
			requireRemoved(t, env.registry, streamID)
		})
	}
}

func TestSendMessage_RejectsBeforeStreaming(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.versions.AppendPair(ctx, &llmSvc.AppendPairRequest{UserID: "u1", UserContent: "q", AssistantContent: "a"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     llmSvc.SendMessageRequest
		wantErr error
	}{
		{name: "blank content", req: llmSvc.SendMessageRequest{UserID: "u1", Content: "  "}, wantErr: domain.ErrValidation},
		{name: "unknown conversation", req: llmSvc.SendMessageRequest{UserID: "u1", ConversationID: "missing", Content: "x"}, wantErr: domain.ErrNotFound},
		{name: "foreign conversation", req: llmSvc.SendMessageRequest{UserID: "u2", ConversationID: res.Conversation.ID, Content: "x"}, wantErr: domain.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.service.SendMessage(ctx, &tt.req)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
	assert.Empty(t, env.pipeline.requests)
	assert.Equal(t, 0, env.registry.Count())
}

func TestSendMessage_EstimateRejectionIsSynchronous(t *testing.T) {
	env := newTestEnv(t)
	env.pipeline.estimateErr = &domain.InsufficientBalanceError{
		Required:  decimal.NewFromInt(1500),
		Available: decimal.NewFromInt(1000),
		Currency:  "JPY",
	}
	env.pipeline.run = func(ctx context.Context, req *llmSvc.MeterRequest, events chan<- llmModels.StreamEvent) (*llmSvc.MeterResult, error) {
		t.Error("stream started after a rejected estimate")
		return nil, nil
	}

	streamID, events, err := env.service.SendMessage(context.Background(), &llmSvc.SendMessageRequest{UserID: "u1", Content: "hi"})
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance), "got %v", err)
	assert.Empty(t, streamID)
	assert.Nil(t, events)
	assert.Equal(t, 0, env.registry.Count())
}

func TestEditAndRegenerate_EmitsEditFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var conversationID, userNodeID string
	for i := 0; i < 3; i++ {
		res, err := env.versions.AppendPair(ctx, &llmSvc.AppendPairRequest{
			ConversationID: conversationID, UserID: "u1",
			UserContent: fmt.Sprintf("q%d", i), AssistantContent: fmt.Sprintf("a%d", i),
		})
		require.NoError(t, err)
		conversationID = res.Conversation.ID
		if i == 0 {
			userNodeID = res.UserNode.ID
		}
	}

	_, events, err := env.service.EditAndRegenerate(ctx, &llmSvc.EditMessageRequest{
		NodeID:  userNodeID,
		UserID:  "u1",
		Content: "q0 edited",
	})
	require.NoError(t, err)

	got := collect(t, events)
	assert.Equal(t, []string{
		llmModels.EventEditComplete,
		llmModels.EventCompletionStart,
		llmModels.EventCompletionData,
		llmModels.EventCompletionComplete,
		llmModels.EventDone,
	}, types(got))

	var edit llmModels.EditCompleteEvent
	require.NoError(t, json.Unmarshal(got[0].Data, &edit))
	assert.Equal(t, 5, edit.DeactivatedCount)
	assert.Equal(t, 2, edit.Node.VersionNumber)

	req := env.pipeline.lastRequest()
	assert.Equal(t, llmSvc.CommitReply, req.Mode)
	assert.Equal(t, edit.Node.ID, req.ParentID)
	assert.Equal(t, conversationID, req.ConversationID)
}

func TestEditAndRegenerate_EditFailureReturnsError(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.service.EditAndRegenerate(context.Background(), &llmSvc.EditMessageRequest{
		NodeID: "missing", UserID: "u1", Content: "x",
	})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Empty(t, env.pipeline.requests)
}

func TestRegenerate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.versions.AppendPair(ctx, &llmSvc.AppendPairRequest{UserID: "u1", UserContent: "q", AssistantContent: "a"})
	require.NoError(t, err)

	_, _, err = env.service.Regenerate(ctx, &llmSvc.RegenerateRequest{NodeID: res.AssistantNode.ID, UserID: "u2"})
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	_, events, err := env.service.Regenerate(ctx, &llmSvc.RegenerateRequest{NodeID: res.AssistantNode.ID, UserID: "u1"})
	require.NoError(t, err)
	collect(t, events)

	req := env.pipeline.lastRequest()
	assert.Equal(t, llmSvc.CommitVersion, req.Mode)
	assert.Equal(t, res.AssistantNode.ID, req.TargetNodeID)
}

func TestComplete_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.service.Complete(context.Background(), &llmSvc.ExplicitCompletionRequest{UserID: "u1"})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, events, err := env.service.Complete(context.Background(), &llmSvc.ExplicitCompletionRequest{
		UserID:   "u1",
		Messages: []llmModels.Message{{Role: llmModels.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	collect(t, events)
	assert.Equal(t, llmSvc.CommitNone, env.pipeline.lastRequest().Mode)
}

func TestInterrupt(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	var finalized bool
	env.pipeline.run = func(ctx context.Context, req *llmSvc.MeterRequest, events chan<- llmModels.StreamEvent) (*llmSvc.MeterResult, error) {
		close(started)
		<-ctx.Done()
		finalized = req.BeginFinalize()
		return nil, fmt.Errorf("completion cancelled: %w", ctx.Err())
	}

	streamID, events, err := env.service.SendMessage(context.Background(), &llmSvc.SendMessageRequest{UserID: "u1", Content: "hi"})
	require.NoError(t, err)
	<-started

	err = env.service.Interrupt(context.Background(), streamID, "u2")
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	err = env.service.Interrupt(context.Background(), "missing", "u1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, env.service.Interrupt(context.Background(), streamID, "u1"))

	got := collect(t, events)
	require.Equal(t, []string{llmModels.EventError, llmModels.EventDone}, types(got))
	assert.False(t, finalized)

	var ev llmModels.ErrorEvent
	require.NoError(t, json.Unmarshal(got[0].Data, &ev))
	assert.Equal(t, llmModels.ErrorCodeCancelled, ev.Code)

	requireRemoved(t, env.registry, streamID)
	err = env.service.Interrupt(context.Background(), streamID, "u1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestInterrupt_DuringFinalizeIsRefused(t *testing.T) {
	env := newTestEnv(t)
	finalizing := make(chan struct{})
	release := make(chan struct{})
	env.pipeline.run = func(ctx context.Context, req *llmSvc.MeterRequest, events chan<- llmModels.StreamEvent) (*llmSvc.MeterResult, error) {
		res, err := succeed(ctx, req, events)
		if !req.BeginFinalize() {
			return nil, fmt.Errorf("completion cancelled: %w", context.Canceled)
		}
		close(finalizing)
		<-release
		return res, err
	}

	streamID, events, err := env.service.SendMessage(context.Background(), &llmSvc.SendMessageRequest{UserID: "u1", Content: "hi"})
	require.NoError(t, err)
	<-finalizing

	err = env.service.Interrupt(context.Background(), streamID, "u1")
	assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)
	close(release)

	got := collect(t, events)
	assert.Equal(t, []string{
		llmModels.EventCompletionStart,
		llmModels.EventCompletionData,
		llmModels.EventCompletionComplete,
		llmModels.EventDone,
	}, types(got))
	requireRemoved(t, env.registry, streamID)
}

func TestDisconnectCancelsBeforeFinalize(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	stopped := make(chan bool, 1)
	env.pipeline.run = func(ctx context.Context, req *llmSvc.MeterRequest, events chan<- llmModels.StreamEvent) (*llmSvc.MeterResult, error) {
		close(started)
		<-ctx.Done()
		stopped <- req.BeginFinalize()
		return nil, fmt.Errorf("completion cancelled: %w", ctx.Err())
	}

	ctx, cancel := context.WithCancel(context.Background())
	streamID, _, err := env.service.SendMessage(ctx, &llmSvc.SendMessageRequest{UserID: "u1", Content: "hi"})
	require.NoError(t, err)
	<-started
	cancel()

	select {
	case finalized := <-stopped:
		assert.False(t, finalized)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline was not cancelled")
	}
	requireRemoved(t, env.registry, streamID)
}

func TestStreamBufferKeepsEvents(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	env.pipeline.run = func(ctx context.Context, req *llmSvc.MeterRequest, events chan<- llmModels.StreamEvent) (*llmSvc.MeterResult, error) {
		res, err := succeed(ctx, req, events)
		<-release
		return res, err
	}

	streamID, events, err := env.service.SendMessage(context.Background(), &llmSvc.SendMessageRequest{UserID: "u1", Content: "hi"})
	require.NoError(t, err)

	stream := env.registry.Get(streamID)
	require.NotNil(t, stream)
	require.Eventually(t, func() bool { return stream.BufferSize() == 2 }, 5*time.Second, 10*time.Millisecond)

	buffered := stream.GetCatchupEvents("")
	require.Len(t, buffered, 2)
	assert.Equal(t, llmModels.EventCompletionStart, buffered[0].Type)
	assert.Equal(t, "1", buffered[0].ID)
	assert.Equal(t, llmModels.EventCompletionData, buffered[1].Type)

	close(release)
	collect(t, events)
	requireRemoved(t, env.registry, streamID)
}
