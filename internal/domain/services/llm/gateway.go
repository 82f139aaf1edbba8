package llm

import (
	"context"
	"encoding/json"

	"tollgate/internal/domain/models/llm"
)

// CompletionGateway opens streaming completions against the upstream provider
type CompletionGateway interface {
	// Stream sends the request and returns once response headers arrive.
	// Non-2xx responses fail with *domain.UpstreamError.
	Stream(ctx context.Context, req *CompletionRequest) (CompletionStream, error)
}

// CompletionStream yields upstream chunks until io.EOF.
// Next returns io.EOF after [DONE] and io.ErrUnexpectedEOF if the body ends without it.
type CompletionStream interface {
	Next() (CompletionChunk, error)
	// Close aborts the upstream connection. Safe to call more than once.
	Close() error
}

// CompletionRequest is the upstream request body
type CompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []llm.Message `json:"messages"`
	MaxTokens *int          `json:"max_tokens,omitempty"`
}

// CompletionChunk is one upstream SSE data payload
type CompletionChunk struct {
	Content string          // choices[0].delta.content, may be empty
	Usage   *llm.Usage      // set on the terminal usage chunk
	Raw     json.RawMessage // the payload exactly as received
}
