// Package session turns credit reservations into time-boxed generation
// sessions and authorizes individual generations against them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ahmdragab/JJ-sub002/internal/config"
	"github.com/ahmdragab/JJ-sub002/internal/ledger"
	"github.com/ahmdragab/JJ-sub002/internal/metrics"
	"github.com/ahmdragab/JJ-sub002/internal/models"
	"github.com/ahmdragab/JJ-sub002/internal/refund"
)

// Refunder reverses a debit whose session could not be created.
type Refunder interface {
	Refund(ctx context.Context, req refund.Request) error
}

// Manager coordinates the Ledger and the Store. It holds no balance or
// session state of its own; every decision is made against storage with
// compare-and-swap writes.
type Manager struct {
	ledger   ledger.Ledger
	store    Store
	cache    TerminalCache
	refunder Refunder
	cfg      config.CreditsConfig
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewManager wires a Manager. cache may be nil.
func NewManager(l ledger.Ledger, store Store, cache TerminalCache, refunder Refunder, cfg config.CreditsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ledger:   l,
		store:    store,
		cache:    cache,
		refunder: refunder,
		cfg:      cfg,
		logger:   logger.With("component", "session_manager"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// CreateSession reserves credits and issues a session. If the session row
// cannot be written after the debit, the debit is refunded before the error
// is returned as a *SessionCreationError.
func (m *Manager) CreateSession(ctx context.Context, userID string, req models.CreateSessionRequest) (*models.SessionGrant, error) {
	cost := clamp(valueOr(req.CreditCost, m.cfg.DefaultCost), m.cfg.MinCost, m.cfg.MaxCost)
	maxGenerations := clamp(valueOr(req.MaxGenerations, m.cfg.DefaultGenerations), m.cfg.MinGenerations, m.cfg.MaxGenerations)
	source := req.Source
	if source == "" {
		source = m.cfg.DefaultSource
	}

	sessionID := m.newID()
	remaining, err := m.reserve(ctx, userID, cost)
	if err != nil {
		return nil, err
	}

	m.recordTransaction(ctx, &models.CreditTransaction{
		UserID:       userID,
		Type:         models.TransactionDebited,
		Amount:       -cost,
		BalanceAfter: remaining,
		Source:       source,
		Description:  fmt.Sprintf("Generation session (%d generations)", maxGenerations),
		Reference:    refund.Reference(sessionID),
	})

	now := m.now()
	sess := &models.GenerationSession{
		ID:              sessionID,
		UserID:          userID,
		CreditsDeducted: cost,
		MaxGenerations:  maxGenerations,
		GenerationsUsed: 0,
		ExpiresAt:       now.Add(m.cfg.SessionTTL),
		CreatedAt:       now,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, m.compensate(ctx, sess, source, err)
	}

	metrics.SessionsCreated.Inc()
	m.logger.Info("Generation session created",
		"sessionID", sess.ID, "userID", userID, "cost", cost,
		"maxGenerations", maxGenerations, "remainingCredits", remaining)

	return &models.SessionGrant{Session: sess, RemainingCredits: remaining}, nil
}

// reserve debits cost from the user's balance, re-reading and retrying on
// conflict up to DebitAttempts times.
func (m *Manager) reserve(ctx context.Context, userID string, cost int) (int, error) {
	attempts := max(1, m.cfg.DebitAttempts)
	for attempt := 1; attempt <= attempts; attempt++ {
		balance, err := m.readBalance(ctx, userID)
		if err != nil {
			metrics.ReservationsRejected.WithLabelValues(metrics.ReasonStorage).Inc()
			return 0, err
		}
		if balance < cost {
			metrics.ReservationsRejected.WithLabelValues(metrics.ReasonInsufficient).Inc()
			return 0, &InsufficientCreditsError{Required: cost, Available: balance}
		}

		remaining, err := m.ledger.TryDebit(ctx, userID, cost, balance)
		switch {
		case err == nil:
			return remaining, nil
		case errors.Is(err, ledger.ErrConflict):
			metrics.Conflicts.WithLabelValues(metrics.ResourceBalance).Inc()
			m.logger.Debug("Balance changed during debit", "userID", userID, "attempt", attempt)
		case errors.Is(err, ledger.ErrInsufficientCredits):
			metrics.ReservationsRejected.WithLabelValues(metrics.ReasonInsufficient).Inc()
			return 0, &InsufficientCreditsError{Required: cost, Available: balance}
		default:
			metrics.ReservationsRejected.WithLabelValues(metrics.ReasonStorage).Inc()
			return 0, fmt.Errorf("failed to debit credits: %w", err)
		}
	}

	metrics.ReservationsRejected.WithLabelValues(metrics.ReasonRetryExhausted).Inc()
	m.logger.Warn("Debit retries exhausted", "userID", userID, "attempts", attempts)
	return 0, ErrRetryExhausted
}

func (m *Manager) compensate(ctx context.Context, sess *models.GenerationSession, source string, cause error) error {
	m.logger.Error("Session insert failed after debit, refunding",
		"sessionID", sess.ID, "userID", sess.UserID, "credits", sess.CreditsDeducted, "error", cause)

	req := refund.Request{
		UserID:    sess.UserID,
		Amount:    sess.CreditsDeducted,
		Reference: refund.Reference(sess.ID),
		SessionID: sess.ID,
		Source:    source,
		Reason:    "session creation failed",
	}

	outcome := RefundIssued
	// The refund must run even if the client has gone away.
	if err := m.refunder.Refund(context.WithoutCancel(ctx), req); err != nil {
		outcome = RefundFailed
		if errors.Is(err, refund.ErrRefundQueued) {
			outcome = RefundQueued
		}
	}
	return &SessionCreationError{Err: cause, Refund: outcome}
}

// ValidateAndConsume authorizes exactly one generation against the session.
// Sessions owned by another user are reported as not found.
func (m *Manager) ValidateAndConsume(ctx context.Context, sessionID, userID string) (*models.Authorization, error) {
	if m.cache != nil {
		if owner, state, ok := m.cache.Terminal(ctx, sessionID); ok && owner == userID {
			metrics.Consumptions.WithLabelValues(metrics.ResultCacheHit).Inc()
			return nil, stateError(state)
		}
	}

	attempts := max(1, m.cfg.ConsumeAttempts)
	for attempt := 1; attempt <= attempts; attempt++ {
		sess, err := m.loadOwned(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}

		now := m.now()
		if state := sess.State(now); state != models.SessionActive {
			return nil, m.terminal(ctx, sess, state)
		}

		updated, err := m.store.TryIncrement(ctx, sessionID, sess.GenerationsUsed, now)
		if errors.Is(err, ErrUsageConflict) {
			metrics.Conflicts.WithLabelValues(metrics.ResourceSession).Inc()
			m.logger.Debug("Session usage changed during consume", "sessionID", sessionID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to consume session: %w", err)
		}

		if updated.Remaining() == 0 && m.cache != nil {
			m.cache.MarkTerminal(ctx, sessionID, userID, models.SessionExhausted)
		}
		metrics.Consumptions.WithLabelValues(metrics.ResultAuthorized).Inc()

		return &models.Authorization{
			SessionID:            updated.ID,
			UserID:               updated.UserID,
			Generation:           updated.GenerationsUsed,
			GenerationsRemaining: updated.Remaining(),
			ExpiresAt:            updated.ExpiresAt,
		}, nil
	}

	// Out of attempts. Classify once more so a caller that lost the race
	// for the last slot sees the terminal state instead of a retry error.
	sess, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if state := sess.State(m.now()); state != models.SessionActive {
		return nil, m.terminal(ctx, sess, state)
	}
	m.logger.Warn("Consume retries exhausted", "sessionID", sessionID, "attempts", attempts)
	return nil, ErrRetryExhausted
}

func (m *Manager) terminal(ctx context.Context, sess *models.GenerationSession, state models.SessionState) error {
	if m.cache != nil {
		m.cache.MarkTerminal(ctx, sess.ID, sess.UserID, state)
	}
	return stateError(state)
}

// GetSession returns the session with its state at the current time.
func (m *Manager) GetSession(ctx context.Context, sessionID, userID string) (*models.SessionResponse, error) {
	sess, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return &models.SessionResponse{GenerationSession: *sess, State: sess.State(m.now())}, nil
}

// Balance returns the user's credits. Users without a balance row have zero.
func (m *Manager) Balance(ctx context.Context, userID string) (int, error) {
	return m.readBalance(ctx, userID)
}

func (m *Manager) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	return m.ledger.Transactions(ctx, userID, limit)
}

func (m *Manager) readBalance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := readWithRetry(ctx, func() error {
		b, err := m.ledger.GetBalance(ctx, userID)
		if errors.Is(err, ledger.ErrBalanceNotFound) {
			balance = 0
			return nil
		}
		balance = b
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

func (m *Manager) loadOwned(ctx context.Context, sessionID, userID string) (*models.GenerationSession, error) {
	var sess *models.GenerationSession
	err := readWithRetry(ctx, func() error {
		var err error
		sess, err = m.store.Get(ctx, sessionID)
		return err
	}, ErrSessionNotFound)
	if errors.Is(err, ErrSessionNotFound) || (err == nil && sess.UserID != userID) {
		metrics.Consumptions.WithLabelValues(metrics.ResultNotFound).Inc()
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) recordTransaction(ctx context.Context, entry *models.CreditTransaction) {
	if err := m.ledger.RecordTransaction(ctx, entry); err != nil {
		m.logger.Error("Failed to record credit transaction",
			"userID", entry.UserID, "type", entry.Type, "amount", entry.Amount, "error", err)
	}
}

// readWithRetry runs read a second time after a storage failure. Errors
// matching one of permanent are returned immediately.
func readWithRetry(ctx context.Context, read func() error, permanent ...error) error {
	err := read()
	if err == nil || ctx.Err() != nil {
		return err
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return err
		}
	}
	return read()
}

func stateError(state models.SessionState) error {
	switch state {
	case models.SessionExpired:
		metrics.Consumptions.WithLabelValues(metrics.ResultExpired).Inc()
		return ErrSessionExpired
	default:
		metrics.Consumptions.WithLabelValues(metrics.ResultExhausted).Inc()
		return ErrSessionExhausted
	}
}

func valueOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
