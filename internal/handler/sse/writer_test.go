package sse

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/domain/models/llm"
)

func TestWriter_WriteEvent(t *testing.T) {
	rec := httptest.NewRecorder()

	w, err := NewWriter(rec, &Config{EventIDs: true}, map[string]string{"X-Stream-ID": "s-1"})
	require.NoError(t, err)

	require.NoError(t, w.WriteEvent(llm.RawStreamEvent(llm.EventCompletionData, []byte(`{"a":1}`))))
	require.NoError(t, w.WriteEvent(llm.StreamEvent{Type: llm.EventDone}))
	require.NoError(t, w.WriteKeepAlive())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "s-1", rec.Header().Get("X-Stream-ID"))
	assert.Equal(t,
		"id: 1\nevent: completion-data\ndata: {\"a\":1}\n\n"+
			"id: 2\nevent: done\ndata: {}\n\n"+
			": keepalive\n\n",
		rec.Body.String())
}

type countingWriter struct{ n atomic.Int32 }

func (c *countingWriter) WriteKeepAlive() error {
	c.n.Add(1)
	return nil
}

func TestStartKeepAlive_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	writer := &countingWriter{}

	stopped := StartKeepAlive(ctx, 5*time.Millisecond, writer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Eventually(t, func() bool { return writer.n.Load() >= 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("keep-alive did not stop")
	}
}

func TestStartKeepAlive_Disabled(t *testing.T) {
	stopped := StartKeepAlive(context.Background(), 0, &countingWriter{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, open := <-stopped
	assert.False(t, open)
	assert.True(t, strings.HasPrefix(DefaultConfig().KeepAliveInterval.String(), "10s"))
}
