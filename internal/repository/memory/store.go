// Package memory is an in-process arena implementing every repository interface.
// It backs STORAGE=memory and the service tests.
package memory

import (
	"context"
	"sync"
	"time"

	"tollgate/internal/domain/models/billing"
	"tollgate/internal/domain/models/llm"
	"tollgate/internal/domain/repositories"
	billingRepo "tollgate/internal/domain/repositories/billing"
	llmRepo "tollgate/internal/domain/repositories/llm"
)

var (
	_ llmRepo.NodeRepository          = (*Store)(nil)
	_ llmRepo.ConversationRepository  = (*Store)(nil)
	_ billingRepo.BalanceRepository   = (*Store)(nil)
	_ repositories.TransactionManager = (*Store)(nil)
)

type state struct {
	conversations map[string]llm.ConversationMeta
	nodes         map[string]llm.ChatNode
	balances      map[string]billing.Balance
	ledger        []billing.LedgerEntry
}

func newState() *state {
	return &state{
		conversations: make(map[string]llm.ConversationMeta),
		nodes:         make(map[string]llm.ChatNode),
		balances:      make(map[string]billing.Balance),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.conversations {
		c.conversations[k] = v
	}
	for k, v := range s.nodes {
		c.nodes[k] = v.Clone()
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	c.ledger = append([]billing.LedgerEntry(nil), s.ledger...)
	return c
}

// Store keeps conversations, nodes, balances and the ledger in maps keyed by id.
// Writes outside a transaction and whole transactions are serialized by writeMu;
// a failed transaction restores the snapshot taken when it began.
type Store struct {
	mu      sync.RWMutex
	writeMu sync.Mutex
	data    *state
	now     func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{data: newState(), now: time.Now}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// write runs fn with the data lock held, taking the write lock unless ctx is inside a transaction
func (s *Store) write(ctx context.Context, fn func(d *state) error) error {
	if !s.inTx(ctx) {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

func (s *Store) read(fn func(d *state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

// ExecTx runs fn as one serialized transaction. Nested calls join the outer one.
func (s *Store) ExecTx(ctx context.Context, fn repositories.TxFn) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}
