package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"tollgate/internal/domain"
	"tollgate/internal/domain/models/llm"
	llmSvc "tollgate/internal/domain/services/llm"
)

const readBufferSize = 4 * 1024

type streamPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// Stream reads an upstream SSE response body
type Stream struct {
	body   io.ReadCloser
	parser sseParser
	queue  []frame
	buf    []byte
	err    error

	closeOnce sync.Once
}

var _ llmSvc.CompletionStream = (*Stream)(nil)

func newStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, buf: make([]byte, readBufferSize)}
}

// Next returns the next data payload.
// Payloads that are not valid JSON are skipped.
func (s *Stream) Next() (llmSvc.CompletionChunk, error) {
	for {
		if s.err != nil {
			return llmSvc.CompletionChunk{}, s.err
		}

		if len(s.queue) == 0 {
			s.fill()
			continue
		}

		f := s.queue[0]
		s.queue = s.queue[1:]

		if f.done {
			s.err = io.EOF
			return llmSvc.CompletionChunk{}, io.EOF
		}

		var payload streamPayload
		if err := json.Unmarshal(f.data, &payload); err != nil {
			continue
		}

		if payload.Error != nil && strings.TrimSpace(payload.Error.Message) != "" {
			s.err = &domain.UpstreamError{Message: strings.TrimSpace(payload.Error.Message)}
			return llmSvc.CompletionChunk{}, s.err
		}

		chunk := llmSvc.CompletionChunk{Raw: json.RawMessage(f.data)}
		if len(payload.Choices) > 0 {
			chunk.Content = payload.Choices[0].Delta.Content
		}
		if payload.Usage != nil {
			chunk.Usage = &llm.Usage{
				PromptTokens:     payload.Usage.PromptTokens,
				CompletionTokens: payload.Usage.CompletionTokens,
				TotalTokens:      payload.Usage.TotalTokens,
			}
		}
		return chunk, nil
	}
}

// fill performs one body read, queueing any frames it completes or recording the terminal error
func (s *Stream) fill() {
	n, err := s.body.Read(s.buf)
	if n > 0 {
		s.queue = append(s.queue, s.parser.feed(s.buf[:n])...)
	}
	if err == nil {
		return
	}

	if errors.Is(err, io.EOF) {
		s.queue = append(s.queue, s.parser.flush()...)
		if len(s.queue) == 0 {
			// Body ended without [DONE]
			s.err = io.ErrUnexpectedEOF
		}
		return
	}

	s.err = fmt.Errorf("read upstream stream: %w", err)
}

// Close aborts the upstream connection
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
