package sse

import (
	"context"
	"log/slog"
	"time"
)

// KeepAliveWriter writes a keep-alive message (SSE comment).
// Returns error if the connection is closed or the write fails.
type KeepAliveWriter interface {
	WriteKeepAlive() error
}

// StartKeepAlive pings writer every interval until ctx ends or a write fails.
// The returned channel closes when the pinger exits.
func StartKeepAlive(ctx context.Context, interval time.Duration, writer KeepAliveWriter, logger *slog.Logger) <-chan struct{} {
	stopped := make(chan struct{})
	if interval <= 0 {
		close(stopped)
		return stopped
	}

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					logger.Warn("keep-alive write failed, stopping", "error", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return stopped
}
