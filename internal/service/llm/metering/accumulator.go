package metering

import (
	"strings"

	"tollgate/internal/domain/models/llm"
	llmSvc "tollgate/internal/domain/services/llm"
)

// Accumulator collects streamed deltas into the final reply text and keeps the
// last usage block reported by the provider.
//
// Thread-safety: NOT thread-safe. Owned by the goroutine running the pipeline.
type Accumulator struct {
	text   strings.Builder
	usage  *llm.Usage
	deltas int
}

// Add folds one upstream chunk in. Returns true when the chunk carried text.
func (a *Accumulator) Add(chunk llmSvc.CompletionChunk) bool {
	if chunk.Usage != nil {
		u := *chunk.Usage
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		a.usage = &u
	}
	if chunk.Content == "" {
		return false
	}
	a.text.WriteString(chunk.Content)
	a.deltas++
	return true
}

// Content returns the text accumulated so far
func (a *Accumulator) Content() string {
	return a.text.String()
}

// Usage returns the provider usage, or nil if none arrived
func (a *Accumulator) Usage() *llm.Usage {
	return a.usage
}

// Deltas returns how many text-bearing chunks were added
func (a *Accumulator) Deltas() int {
	return a.deltas
}
