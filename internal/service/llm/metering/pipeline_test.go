package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/domain"
	"tollgate/internal/domain/models/llm"
	llmSvc "tollgate/internal/domain/services/llm"
	"tollgate/internal/repository/memory"
	"tollgate/internal/service/llm/versions"
)

const testUser = "user-1"

// fakeGateway replays scripted chunks for every stream it opens
type fakeGateway struct {
	mu       sync.Mutex
	chunks   []llmSvc.CompletionChunk
	end      error // returned after the chunks; io.EOF when nil
	block    bool  // wait for cancellation after the chunks instead of ending
	openErr  error
	onStream func()
	calls    int
	requests []*llmSvc.CompletionRequest
	streams  []*fakeStream
}

func (g *fakeGateway) Stream(ctx context.Context, req *llmSvc.CompletionRequest) (llmSvc.CompletionStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.requests = append(g.requests, req)
	if g.onStream != nil {
		g.onStream()
	}
	if g.openErr != nil {
		return nil, g.openErr
	}
	end := g.end
	if end == nil {
		end = io.EOF
	}
	s := &fakeStream{ctx: ctx, chunks: append([]llmSvc.CompletionChunk(nil), g.chunks...), end: end, block: g.block}
	g.streams = append(g.streams, s)
	return s, nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeStream struct {
	mu     sync.Mutex
	ctx    context.Context
	chunks []llmSvc.CompletionChunk
	end    error
	block  bool
	closed bool
}

func (s *fakeStream) Next() (llmSvc.CompletionChunk, error) {
	s.mu.Lock()
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()
	if s.block {
		<-s.ctx.Done()
		return llmSvc.CompletionChunk{}, s.ctx.Err()
	}
	return llmSvc.CompletionChunk{}, s.end
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeOracle struct {
	mu    sync.Mutex
	quote llm.Quote
	calls int
}

func (o *fakeOracle) Quote(ctx context.Context, model string) (llm.Quote, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if model == "unknown/model" {
		return llm.Quote{}, fmt.Errorf("%w: unknown model %s", domain.ErrValidation, model)
	}
	q := o.quote
	q.Price.Model = model
	return q, nil
}

func (o *fakeOracle) Currency() string { return o.quote.Currency }

func (o *fakeOracle) setRate(rate decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quote.ExchangeRate = rate
}

// fakeEstimator counts a fixed size per prompt and one token per byte of text
type fakeEstimator struct {
	prompt int
}

func (e fakeEstimator) CountText(text string) int                 { return len(text) }
func (e fakeEstimator) CountMessages(messages []llm.Message) int { return e.prompt }

type harness struct {
	store    *memory.Store
	versions *versions.Service
	gateway  *fakeGateway
	oracle   *fakeOracle
	pipeline *Pipeline
}

func newHarness(t *testing.T, promptTokens int, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	versionService := versions.NewService(store, store, store, nil, logger)

	gateway := &fakeGateway{}
	oracle := &fakeOracle{quote: llm.Quote{
		Price: llm.ModelPrice{
			PromptPer1K:     decimal.RequireFromString("0.5"),
			CompletionPer1K: decimal.RequireFromString("1.0"),
			ContextLength:   8000,
		},
		ExchangeRate: decimal.NewFromInt(1000),
		Currency:     "JPY",
	}}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "openai/gpt-4o-mini"
	}

	pipeline := NewPipeline(versionService, store, store, gateway, oracle, fakeEstimator{prompt: promptTokens},
		versionService.Locks(), cfg, logger)

	return &harness{store: store, versions: versionService, gateway: gateway, oracle: oracle, pipeline: pipeline}
}

func (h *harness) credit(t *testing.T, amount int64) {
	t.Helper()
	_, err := h.store.Credit(context.Background(), testUser, decimal.NewFromInt(amount), "JPY")
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := h.store.GetBalance(context.Background(), testUser)
	require.NoError(t, err)
	return b.Amount
}

func textChunk(text string) llmSvc.CompletionChunk {
	raw, _ := json.Marshal(map[string]interface{}{
		"choices": []interface{}{map[string]interface{}{"delta": map[string]string{"content": text}}},
	})
	return llmSvc.CompletionChunk{Content: text, Raw: raw}
}

func usageChunk(prompt, completion int) llmSvc.CompletionChunk {
	u := llm.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
	raw, _ := json.Marshal(map[string]interface{}{"choices": []interface{}{}, "usage": u})
	return llmSvc.CompletionChunk{Usage: &u, Raw: raw}
}

func intPtr(v int) *int { return &v }

func drain(events chan llm.StreamEvent) []llm.StreamEvent {
	var out []llm.StreamEvent
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRun_FirstMessageChargesExactCost(t *testing.T) {
	h := newHarness(t, 50, Config{})
	h.credit(t, 1000)
	h.gateway.chunks = []llmSvc.CompletionChunk{textChunk("Hel"), textChunk("lo"), usageChunk(10, 20)}

	events := make(chan llm.StreamEvent, 16)
	res, err := h.pipeline.Run(context.Background(), &llmSvc.MeterRequest{
		UserID:      testUser,
		Mode:        llmSvc.CommitPair,
		UserContent: "Say hello",
		MaxTokens:   intPtr(100),
	}, events)
	require.NoError(t, err)

	// (10 × 0.5 + 20 × 1.0) / 1000 USD at 1000 JPY/USD
	assert.Equal(t, llmSvc.StateCommitted, res.State)
	assert.True(t, res.Charged)
	assert.True(t, res.Cost.AmountUSD.Equal(decimal.RequireFromString("0.025")), res.Cost.AmountUSD.String())
	assert.True(t, res.Cost.AmountLocal.Equal(decimal.NewFromInt(25)), res.Cost.AmountLocal.String())
	assert.True(t, res.Balance.Equal(decimal.NewFromInt(975)))
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(975)))
	assert.Equal(t, "Hello", res.Content)

	require.NotNil(t, res.UserNode)
	require.NotNil(t, res.AssistantNode)
	assert.Equal(t, "Say hello", res.UserNode.Content)
	assert.Equal(t, "Hello", res.AssistantNode.Content)
	assert.Equal(t, 30, res.AssistantNode.Usage.TotalTokens)
	assert.True(t, res.AssistantNode.Cost.AmountLocal.Equal(res.Cost.AmountLocal))

	path, err := h.versions.GetActivePath(context.Background(), res.UserNode.ConversationID, testUser)
	require.NoError(t, err)
	require.NoError(t, versions.ValidateActivePath(path))
	assert.Len(t, path, 2)

	charges, err := h.store.ListCharges(context.Background(), testUser, 0)
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, res.AssistantNode.ID, *charges[0].NodeID)
	assert.Equal(t, res.UserNode.ConversationID, *charges[0].ConversationID)
	assert.True(t, charges[0].Cost.AmountLocal.Equal(decimal.NewFromInt(25)))

	emitted := drain(events)
	require.Len(t, emitted, 4)
	assert.Equal(t, llm.EventCompletionStart, emitted[0].Type)
	for _, ev := range emitted[1:] {
		assert.Equal(t, llm.EventCompletionData, ev.Type)
	}
	assert.JSONEq(t, string(h.gateway.chunks[0].Raw), string(emitted[1].Data))

	var start llm.CompletionStartEvent
	require.NoError(t, json.Unmarshal(emitted[0].Data, &start))
	assert.Equal(t, 50, start.EstimatedTokens)
	assert.Equal(t, 100, start.AssumedOutputTokens)
	assert.True(t, start.EstimatedCost.Equal(decimal.RequireFromString("125")), start.EstimatedCost.String())
}

func TestRun_RejectsWorstCaseAboveBalance(t *testing.T) {
	h := newHarness(t, 1000, Config{})
	h.credit(t, 1000)
	h.gateway.chunks = []llmSvc.CompletionChunk{textChunk("never"), usageChunk(1, 1)}

	events := make(chan llm.StreamEvent, 16)
	res, err := h.pipeline.Run(context.Background(), &llmSvc.MeterRequest{
		UserID:      testUser,
		Mode:        llmSvc.CommitPair,
		UserContent: "expensive",
		MaxTokens:   intPtr(1000),
	}, events)
	require.Error(t, err)
	assert.Nil(t, res)

	var insufficient *domain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, insufficient.Required.Equal(decimal.NewFromInt(1500)), insufficient.Required.String())
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(1000)))
	assert.False(t, insufficient.Truncated)
	assert.False(t, errors.Is(err, domain.ErrTruncated))

	assert.Equal(t, 0, h.gateway.Calls())
	assert.Empty(t, drain(events))
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(1000)))
}

func TestRun_NeverCreditedUserIsRejected(t *testing.T) {
	h := newHarness(t, 10, Config{})

	_, err := h.pipeline.Run(context.Background(), &llmSvc.MeterRequest{
		UserID:      testUser,
		Mode:        llmSvc.CommitPair,
		UserContent: "hi",
		MaxTokens:   intPtr(10),
	}, nil)
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance), "got %v", err)
	assert.Equal(t, 0, h.gateway.Calls())
}

func TestRun_StreamWithoutUsageChargesNothing(t *testing.T) {
	tests := []struct {
		name string
		end  error
	}{
		{name: "done without usage", end: io.EOF},
		{name: "body ended before done", end: io.ErrUnexpectedEOF},
		{name: "upstream error mid-stream", end: &domain.UpstreamError{Status: 200, Message: "overloaded"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10, Config{})
			h.credit(t, 1000)
			h.gateway.chunks = []llmSvc.CompletionChunk{textChunk("partial answer")}
			h.gateway.end = tt.end

			_, err := h.pipeline.Run(context.Background(), &llmSvc.MeterRequest{
				UserID:      testUser,
				Mode:        llmSvc.CommitPair,
				UserContent: "hi",
				MaxTokens:   intPtr(10),
			}, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrUpstream), "got %v", err)

			assert.True(t, h.balance(t).Equal(decimal.NewFromInt(1000)))
			charges, err := h.store.ListCharges(context.Background(), testUser, 0)
			require.NoError(t, err)
			assert.Empty(t, charges)
			convs, err := h.store.ListConversations(context.Background(), testUser)
			require.NoError(t, err)
			assert.Empty(t, convs)
			assert.True(t, h.gateway.streams[0].Closed())
		})
	}
}

func TestRun_GuardTruncatesStream(t *testing.T) {
	h := newHarness(t, 10, Config{GuardInterval: 2})
	h.credit(t, 30)

	chunk := textChunk("xxxxxxxxxx")
	h.gateway.chunks = []llmSvc.CompletionChunk{chunk, chunk, chunk, chunk, chunk, chunk, usageChunk(10, 60)}

	events := make(chan llm.StreamEvent, 16)
	_, err := h.pipeline.Run(context.Background(), &llmSvc.MeterRequest{
		UserID:      testUser,
		Mode:        llmSvc.CommitPair,
		UserContent: "long answer please",
		MaxTokens:   intPtr(10),
	}, events)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTruncated), "got %v", err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))

	// 4 deltas of 10 tokens cost 45 against a balance of 30
	var insufficient *domain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, insufficient.Required.Equal(decimal.NewFromInt(45)), insufficient.Required.String())

	assert.Len(t, drain(events), 5)
	assert.True(t, h.gateway.streams[0].Closed())
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(30)))
}

func TestRun_ExchangeRatePinnedAtEstimate(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.credit(t, 1000)
	h.gateway.chunks = []llmSvc.CompletionChunk{textChunk("ok"), usageChunk(10, 20)}
	h.gateway.onStream = func() { h.oracle.setRate(decimal.NewFromInt(2000)) }

	res, err := h.pipeline.Run(context.Background(), &llmSvc.MeterRequest{
		UserID:      testUser,
		Mode:        llmSvc.CommitNone,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		MaxTokens:   intPtr(10),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, h.oracle.calls)
	assert.True(t, res.Quote.ExchangeRate.Equal(decimal.NewFromInt(1000)))
	assert.True(t, res.Cost.AmountLocal.Equal(decimal.NewFromInt(25)), res.Cost.AmountLocal.String())
}

func TestRun_CancellationChargesNothing(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.credit(t, 1000)
	h.gateway.chunks = []llmSvc.CompletionChunk{textChunk("first words")}
	h.gateway.block = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan llm.StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Run(ctx, &llmSvc.MeterRequest{
			UserID:      testUser,
			Mode:        llmSvc.CommitPair,
			UserContent: "hi",
			MaxTokens:   intPtr(10),
		}, events)
		errCh <- err
	}()

	for ev := range events {
		if ev.Type == llm.EventCompletionData {
			break
		}
	}
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.True(t, h.gateway.streams[0].Closed())
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(1000)))

	convs, err := h.store.ListConversations(context.Background(), testUser)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestRun_ReplyAfterEdit(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.credit(t, 1000)
	ctx := context.Background()

	pair, err := h.versions.AppendPair(ctx, &llmSvc.AppendPairRequest{
		UserID: testUser, UserContent: "first", AssistantContent: "reply",
	})
	require.NoError(t, err)
	edit, err := h.versions.EditMessage(ctx, pair.UserNode.ID, "first, rephrased", testUser)
	require.NoError(t, err)

	h.gateway.chunks = []llmSvc.CompletionChunk{textChunk("new reply"), usageChunk(10, 20)}
	res, err := h.pipeline.Run(ctx, &llmSvc.MeterRequest{
		UserID:         testUser,
		ConversationID: pair.Conversation.ID,
		Mode:           llmSvc.CommitReply,
		ParentID:       edit.Node.ID,
		MaxTokens:      intPtr(10),
	}, nil)
	require.NoError(t, err)

	assert.Nil(t, res.UserNode)
	require.NotNil(t, res.AssistantNode)
	assert.Equal(t, edit.Node.ID, *res.AssistantNode.ParentID)

	require.Len(t, h.gateway.requests, 1)
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "first, rephrased"}}, h.gateway.requests[0].Messages)

	path, err := h.versions.GetActivePath(ctx, pair.Conversation.ID, testUser)
	require.NoError(t, err)
	require.NoError(t, versions.ValidateActivePath(path))
	assert.Len(t, path, 2)
}

func TestRun_RegenerateVersion(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.credit(t, 1000)
	ctx := context.Background()

	first, err := h.versions.AppendPair(ctx, &llmSvc.AppendPairRequest{
		UserID: testUser, UserContent: "q1", AssistantContent: "a1",
	})
	require.NoError(t, err)
	_, err = h.versions.AppendPair(ctx, &llmSvc.AppendPairRequest{
		ConversationID: first.Conversation.ID, UserID: testUser, UserContent: "q2", AssistantContent: "a2",
	})
	require.NoError(t, err)

	h.gateway.chunks = []llmSvc.CompletionChunk{textChunk("a1 again"), usageChunk(10, 20)}
	res, err := h.pipeline.Run(ctx, &llmSvc.MeterRequest{
		UserID:       testUser,
		Mode:         llmSvc.CommitVersion,
		TargetNodeID: first.AssistantNode.ID,
		MaxTokens:    intPtr(10),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.AssistantNode.VersionNumber)
	assert.Equal(t, first.AssistantNode.ID, res.AssistantNode.OriginalID)
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "q1"}}, h.gateway.requests[0].Messages)

	path, err := h.versions.GetActivePath(ctx, first.Conversation.ID, testUser)
	require.NoError(t, err)
	require.NoError(t, versions.ValidateActivePath(path))
	assert.Len(t, path, 2)
	assert.Equal(t, res.AssistantNode.ID, path[1].ID)
}

func TestRun_ExplicitMessagesRecordLedgerOnly(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.credit(t, 1000)
	h.gateway.chunks = []llmSvc.CompletionChunk{textChunk("stateless"), usageChunk(10, 20)}

	res, err := h.pipeline.Run(context.Background(), &llmSvc.MeterRequest{
		UserID:    testUser,
		Mode:      llmSvc.CommitNone,
		Messages:  []llm.Message{{Role: "system", Content: "be brief"}, {Role: llm.RoleUser, Content: "hi"}},
		MaxTokens: intPtr(10),
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, res.AssistantNode)

	charges, err := h.store.ListCharges(context.Background(), testUser, 0)
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Nil(t, charges[0].NodeID)
	assert.Nil(t, charges[0].ConversationID)
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(975)))
}

func TestRun_EmptyReplyChargedWithoutMessage(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.credit(t, 1000)
	h.gateway.chunks = []llmSvc.CompletionChunk{usageChunk(10, 0)}

	res, err := h.pipeline.Run(context.Background(), &llmSvc.MeterRequest{
		UserID:      testUser,
		Mode:        llmSvc.CommitPair,
		UserContent: "hi",
		MaxTokens:   intPtr(10),
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, res.AssistantNode)
	assert.True(t, res.Cost.AmountLocal.Equal(decimal.NewFromInt(5)))

	convs, err := h.store.ListConversations(context.Background(), testUser)
	require.NoError(t, err)
	assert.Empty(t, convs)

	charges, err := h.store.ListCharges(context.Background(), testUser, 0)
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Nil(t, charges[0].NodeID)
}

func TestRun_ConcurrentChargesNeverOverdraw(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.credit(t, 40)
	h.gateway.chunks = []llmSvc.CompletionChunk{textChunk("ok"), usageChunk(10, 20)}

	const runs = 4
	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.pipeline.Run(context.Background(), &llmSvc.MeterRequest{
				UserID:    testUser,
				Mode:      llmSvc.CommitNone,
				Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
				MaxTokens: intPtr(10),
			}, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrInsufficientBalance), "got %v", err)
	}

	assert.Equal(t, 1, succeeded)
	assert.True(t, h.balance(t).Equal(decimal.NewFromInt(15)))
	assert.True(t, h.balance(t).GreaterThanOrEqual(decimal.Zero))
}

func TestRun_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		req     llmSvc.MeterRequest
		wantErr error
	}{
		{
			name:    "missing mode",
			req:     llmSvc.MeterRequest{UserID: testUser, UserContent: "hi"},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "blank pair content",
			req:     llmSvc.MeterRequest{UserID: testUser, Mode: llmSvc.CommitPair, UserContent: "  "},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "reply without parent",
			req:     llmSvc.MeterRequest{UserID: testUser, Mode: llmSvc.CommitReply, ConversationID: "c"},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "explicit mode without messages",
			req:     llmSvc.MeterRequest{UserID: testUser, Mode: llmSvc.CommitNone},
			wantErr: domain.ErrValidation,
		},
		{
			name: "unknown role",
			req: llmSvc.MeterRequest{UserID: testUser, Mode: llmSvc.CommitNone,
				Messages: []llm.Message{{Role: "tool", Content: "x"}}},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "negative max tokens",
			req:     llmSvc.MeterRequest{UserID: testUser, Mode: llmSvc.CommitPair, UserContent: "hi", MaxTokens: intPtr(-1)},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "unknown model",
			req:     llmSvc.MeterRequest{UserID: testUser, Mode: llmSvc.CommitPair, UserContent: "hi", Model: "unknown/model"},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "unknown conversation",
			req:     llmSvc.MeterRequest{UserID: testUser, Mode: llmSvc.CommitPair, UserContent: "hi", ConversationID: "missing"},
			wantErr: domain.ErrNotFound,
		},
		{
			name:    "unknown regenerate target",
			req:     llmSvc.MeterRequest{UserID: testUser, Mode: llmSvc.CommitVersion, TargetNodeID: "missing"},
			wantErr: domain.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10, Config{})
			h.credit(t, 1000)

			_, err := h.pipeline.Run(context.Background(), &tt.req, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, 0, h.gateway.Calls())
		})
	}
}

func TestAssumedOutputTokens(t *testing.T) {
	tests := []struct {
		name          string
		maxTokens     *int
		defaultMax    int
		contextLength int
		want          int
	}{
		{name: "explicit max tokens", maxTokens: intPtr(100), defaultMax: 4096, contextLength: 8000, want: 100},
		{name: "context share below default", defaultMax: 4096, contextLength: 8000, want: 1600},
		{name: "default below context share", defaultMax: 1000, contextLength: 8000, want: 1000},
		{name: "no default", contextLength: 128000, want: 25600},
		{name: "unknown context length", defaultMax: 512, want: 512},
		{name: "zero max tokens ignored", maxTokens: intPtr(0), defaultMax: 512, contextLength: 8000, want: 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AssumedOutputTokens(tt.maxTokens, tt.defaultMax, tt.contextLength))
		})
	}
}

func TestEstimate_PinsRequestWithoutCallingUpstream(t *testing.T) {
	h := newHarness(t, 10, Config{DefaultModel: "test/default"})
	h.credit(t, 1000)
	h.gateway.chunks = []llmSvc.CompletionChunk{textChunk("answer"), usageChunk(10, 20)}

	est, err := h.pipeline.Estimate(context.Background(), &llmSvc.MeterRequest{
		UserID:      testUser,
		Mode:        llmSvc.CommitPair,
		UserContent: "hi",
		MaxTokens:   intPtr(10),
	})
	require.NoError(t, err)
	assert.Equal(t, "test/default", est.Request.Model)
	assert.NotEmpty(t, est.Request.StreamID)
	assert.True(t, est.Available.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 0, h.gateway.Calls())

	res, err := h.pipeline.Stream(context.Background(), est, nil)
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.Equal(t, 1, h.gateway.Calls())
	assert.Equal(t, 1, h.oracle.calls)
}

func TestStream_BeginFinalizeGatesTheCharge(t *testing.T) {
	tests := []struct {
		name    string
		proceed bool
	}{
		{name: "interrupted before finalizing", proceed: false},
		{name: "finalizing claimed", proceed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10, Config{})
			h.credit(t, 1000)
			h.gateway.chunks = []llmSvc.CompletionChunk{textChunk("answer"), usageChunk(10, 20)}

			calls := 0
			res, err := h.pipeline.Run(context.Background(), &llmSvc.MeterRequest{
				UserID:      testUser,
				Mode:        llmSvc.CommitPair,
				UserContent: "hi",
				MaxTokens:   intPtr(10),
				BeginFinalize: func() bool {
					calls++
					return tt.proceed
				},
			}, nil)
			assert.Equal(t, 1, calls)

			charges, listErr := h.store.ListCharges(context.Background(), testUser, 0)
			require.NoError(t, listErr)

			if tt.proceed {
				require.NoError(t, err)
				assert.True(t, res.Charged)
				assert.Len(t, charges, 1)
				return
			}
			assert.ErrorIs(t, err, context.Canceled)
			assert.Empty(t, charges)
			assert.True(t, h.balance(t).Equal(decimal.NewFromInt(1000)))
		})
	}
}
