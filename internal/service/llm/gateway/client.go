// Package gateway streams completions from an OpenAI-compatible upstream.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"tollgate/internal/domain"
	"tollgate/internal/domain/models/llm"
	llmSvc "tollgate/internal/domain/services/llm"
)

const maxErrorBodyBytes = 8 * 1024

// ErrMissingAPIKey is returned when no upstream key is configured
var ErrMissingAPIKey = errors.New("upstream api key is not configured")

// Config holds upstream connection settings
type Config struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64 // <= 0 disables limiting
	Burst             int
}

// Client sends streaming chat completions upstream
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ llmSvc.CompletionGateway = (*Client)(nil)

// NewClient creates a gateway client. httpClient may be nil; it must not set a
// total Timeout because streams are long-lived.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiRequest struct {
	Model         string         `json:"model"`
	Messages      []llm.Message  `json:"messages"`
	Stream        bool           `json:"stream"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

// Stream posts the completion request and returns the open response stream
func (c *Client) Stream(ctx context.Context, req *llmSvc.CompletionRequest) (llmSvc.CompletionStream, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, domain.NewValidationError("model", "is required")
	}
	if len(req.Messages) == 0 {
		return nil, domain.NewValidationError("messages", "are required")
	}

	payload, err := json.Marshal(apiRequest{
		Model:         strings.TrimSpace(req.Model),
		Messages:      req.Messages,
		Stream:        true,
		MaxTokens:     req.MaxTokens,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for upstream rate limit: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.UpstreamError{Message: fmt.Sprintf("request completion: %v", err)}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger.Warn("upstream rejected completion",
			"model", req.Model,
			"status", resp.StatusCode,
		)
		return nil, &domain.UpstreamError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	c.logger.Debug("upstream stream opened", "model", req.Model, "messages", len(req.Messages))
	return newStream(resp.Body), nil
}
