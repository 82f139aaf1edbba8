// Package tokens approximates prompt token counts before a completion is sent.
package tokens

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"tollgate/internal/domain/models/llm"
)

const (
	// DefaultEncoding is the BPE used by current OpenAI-compatible chat models
	DefaultEncoding = "cl100k_base"

	// PerMessageOverhead covers role and separator tokens of the chat format
	PerMessageOverhead = 4
	// ReplyPriming is added once per prompt for the assistant reply header
	ReplyPriming = 3

	charsPerToken = 4
)

// Estimator counts tokens with a BPE encoding, falling back to chars/4.
// Loading the encoding may fetch its BPE file, so it happens in the background
// and counts use the heuristic until it is ready.
type Estimator struct {
	encodingName string
	logger       *slog.Logger

	once   sync.Once
	loaded chan struct{}
	enc    atomic.Pointer[tiktoken.Tiktoken]
}

// NewEstimator creates an estimator for the named encoding.
// An empty name selects the character heuristic only.
func NewEstimator(encodingName string, logger *slog.Logger) *Estimator {
	return &Estimator{
		encodingName: encodingName,
		logger:       logger,
		loaded:       make(chan struct{}),
	}
}

// Warm starts loading the encoding and returns a channel closed once loading
// has finished, successfully or not. A load failure is logged once.
func (e *Estimator) Warm() <-chan struct{} {
	e.once.Do(func() {
		go func() {
			defer close(e.loaded)
			e.load()
		}()
	})
	return e.loaded
}

func (e *Estimator) load() {
	if e.encodingName == "" {
		return
	}
	started := time.Now()
	enc, err := tiktoken.GetEncoding(e.encodingName)
	if err != nil {
		e.logger.Warn("tokenizer unavailable, using character heuristic",
			"encoding", e.encodingName,
			"error", err,
		)
		return
	}
	e.enc.Store(enc)
	e.logger.Info("tokenizer loaded", "encoding", e.encodingName, "duration", time.Since(started))
}

// encoding never blocks; it returns nil until the encoding is loaded
func (e *Estimator) encoding() *tiktoken.Tiktoken {
	e.Warm()
	return e.enc.Load()
}

// CountText returns the token count of text. Empty text is 0 tokens.
func (e *Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return heuristic(text)
}

// CountMessages returns the prompt size of a chat request, including format overhead.
// No messages is 0 tokens.
func (e *Estimator) CountMessages(messages []llm.Message) int {
	if len(messages) == 0 {
		return 0
	}
	total := ReplyPriming
	for _, m := range messages {
		total += PerMessageOverhead + e.CountText(m.Content)
	}
	return total
}

// heuristic rounds up so any non-empty text counts as at least one token
func heuristic(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}
