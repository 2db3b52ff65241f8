package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ahmdragab/JJ-sub002/internal/ledger"
	"github.com/ahmdragab/JJ-sub002/internal/models"
	"github.com/ahmdragab/JJ-sub002/internal/refund"
)

var errStorage = errors.New("storage unavailable")

// memLedger is an in-memory ledger.Ledger with the same compare-and-swap
// semantics as the Postgres implementation.
type memLedger struct {
	mu       sync.Mutex
	balances map[string]int
	txns     []models.CreditTransaction
	refunds  map[string]bool
	nextID   int64

	// beforeDebit runs outside the lock before each TryDebit, letting a test
	// simulate a concurrent writer.
	beforeDebit func(userID string)
	creditErr   error
	debitCalls  int
}

func newMemLedger() *memLedger {
	return &memLedger{balances: map[string]int{}, refunds: map[string]bool{}}
}

// seed grants credits through a recorded transaction so replay reconciles.
func (l *memLedger) seed(userID string, credits int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += credits
	l.appendLocked(models.CreditTransaction{
		UserID:       userID,
		Type:         models.TransactionGranted,
		Amount:       credits,
		BalanceAfter: l.balances[userID],
	})
}

func (l *memLedger) balance(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

func (l *memLedger) history(userID string) []models.CreditTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.CreditTransaction
	for _, t := range l.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (l *memLedger) setCreditErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditErr = err
}

func (l *memLedger) appendLocked(t models.CreditTransaction) {
	l.nextID++
	t.ID = l.nextID
	t.CreatedAt = time.Now()
	l.txns = append(l.txns, t)
}

func (l *memLedger) GetBalance(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	credits, ok := l.balances[userID]
	if !ok {
		return 0, ledger.ErrBalanceNotFound
	}
	return credits, nil
}

func (l *memLedger) TryDebit(_ context.Context, userID string, amount, expected int) (int, error) {
	if expected < amount {
		return expected, ledger.ErrInsufficientCredits
	}
	if l.beforeDebit != nil {
		l.beforeDebit(userID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.debitCalls++
	current := l.balances[userID]
	if current != expected || current < amount {
		return 0, ledger.ErrConflict
	}
	l.balances[userID] = current - amount
	return l.balances[userID], nil
}

func (l *memLedger) Credit(_ context.Context, userID string, amount int, reference string) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.creditErr != nil {
		return 0, false, l.creditErr
	}
	if reference != "" {
		if l.refunds[reference] {
			return l.balances[userID], false, nil
		}
		l.refunds[reference] = true
	}
	l.balances[userID] += amount
	return l.balances[userID], true, nil
}

func (l *memLedger) RecordTransaction(_ context.Context, entry *models.CreditTransaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(*entry)
	entry.ID = l.nextID
	return nil
}

func (l *memLedger) Transactions(_ context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	txns := l.history(userID)
	if limit > 0 && len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, nil
}

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]models.GenerationSession

	createErr error
	// getErrs fails that many Get calls before succeeding.
	getErrs  int
	getCalls int
	// beforeIncrement runs outside the lock before each TryIncrement.
	beforeIncrement func(sessionID string)
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]models.GenerationSession{}}
}

func (s *memStore) used(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID].GenerationsUsed
}

func (s *memStore) Create(_ context.Context, sess *models.GenerationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *memStore) Get(_ context.Context, sessionID string) (*models.GenerationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErrs > 0 {
		s.getErrs--
		return nil, errStorage
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (s *memStore) TryIncrement(_ context.Context, sessionID string, expectedUsed int, now time.Time) (*models.GenerationSession, error) {
	if s.beforeIncrement != nil {
		s.beforeIncrement(sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.GenerationsUsed != expectedUsed || sess.GenerationsUsed >= sess.MaxGenerations || !now.Before(sess.ExpiresAt) {
		return nil, ErrUsageConflict
	}
	sess.GenerationsUsed++
	s.sessions[sessionID] = sess
	return &sess, nil
}

type cacheEntry struct {
	owner string
	state models.SessionState
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]cacheEntry{}}
}

func (c *memCache) Terminal(_ context.Context, sessionID string) (string, models.SessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	return e.owner, e.state, ok
}

func (c *memCache) MarkTerminal(_ context.Context, sessionID, owner string, state models.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = cacheEntry{owner: owner, state: state}
}

type memPublisher struct {
	mu        sync.Mutex
	published []refund.Request
	err       error
}

func (p *memPublisher) Publish(_ context.Context, _ string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, v.(refund.Request))
	return nil
}
