package versions

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConversationLocks serializes graph mutations per conversation.
// Lock is reentrant through the returned context so a caller holding the lock
// (the metering pipeline during commit) can call service methods that lock again.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

type heldKey struct{ id string }

// NewConversationLocks creates an empty lock table
func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[string]*lockEntry)}
}

// Lock waits until conversationID is held or ctx ends, and returns a context
// marking it held. The returned func releases the lock; entries are dropped once unused.
func (l *ConversationLocks) Lock(ctx context.Context, conversationID string) (context.Context, func(), error) {
	if held, _ := ctx.Value(heldKey{conversationID}).(bool); held {
		return ctx, func() {}, nil
	}

	l.mu.Lock()
	e, ok := l.locks[conversationID]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.locks[conversationID] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.drop(conversationID, e)
		return ctx, func() {}, fmt.Errorf("waiting for conversation %s: %w", conversationID, err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.sem.Release(1)
			l.drop(conversationID, e)
		})
	}
	return context.WithValue(ctx, heldKey{conversationID}, true), release, nil
}

func (l *ConversationLocks) drop(conversationID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, conversationID)
	}
}

// Len returns the number of conversations currently locked or waited on
func (l *ConversationLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
