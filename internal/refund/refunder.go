// Package refund implements the compensating credit issued when a debit
// cannot be turned into a usable session.
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ahmdragab/JJ-sub002/internal/alert"
	"github.com/ahmdragab/JJ-sub002/internal/config"
	"github.com/ahmdragab/JJ-sub002/internal/ledger"
	"github.com/ahmdragab/JJ-sub002/internal/metrics"
	"github.com/ahmdragab/JJ-sub002/internal/models"
)

const maxBackoff = 5 * time.Second

var (
	// ErrRefundQueued means in-line retries failed and the refund was handed
	// to the refund topic. The user is not yet made whole.
	ErrRefundQueued = errors.New("refund queued for retry")
	// ErrCompensationFailed means the refund could neither be applied nor queued.
	ErrCompensationFailed = errors.New("compensation failed")
)

// Request describes one refund. Reference makes it idempotent.
type Request struct {
	UserID    string `json:"userId"`
	Amount    int    `json:"amount"`
	Reference string `json:"reference"`
	SessionID string `json:"sessionId,omitempty"`
	Source    string `json:"source,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Reference is the idempotency key for a session's refund.
func Reference(sessionID string) string {
	return "session:" + sessionID
}

// Publisher hands a payload to the refund topic.
type Publisher interface {
	Publish(ctx context.Context, key string, v interface{}) error
}

type Refunder struct {
	ledger      ledger.Ledger
	publisher   Publisher
	alerter     alert.Alerter
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// NewRefunder builds a Refunder. publisher may be nil, in which case
// exhausted refunds go straight to alerting.
func NewRefunder(l ledger.Ledger, publisher Publisher, alerter alert.Alerter, cfg config.RefundConfig, logger *slog.Logger) *Refunder {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter(logger)
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Refunder{
		ledger:      l,
		publisher:   publisher,
		alerter:     alerter,
		maxAttempts: attempts,
		backoff:     cfg.Backoff,
		logger:      logger.With("component", "refunder"),
	}
}

// Apply credits the refund once and records a refunded transaction. It
// reports false when the reference was already applied.
func (r *Refunder) Apply(ctx context.Context, req Request) (bool, error) {
	if req.Amount <= 0 || req.UserID == "" || req.Reference == "" {
		return false, fmt.Errorf("invalid refund request %+v", req)
	}

	balance, applied, err := r.ledger.Credit(ctx, req.UserID, req.Amount, req.Reference)
	if err != nil {
		return false, err
	}
	if !applied {
		metrics.Refunds.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		return false, nil
	}

	metrics.Refunds.WithLabelValues(metrics.OutcomeApplied).Inc()
	r.logger.Info("Refund applied", "userID", req.UserID, "amount", req.Amount, "reference", req.Reference, "balance", balance)

	entry := &models.CreditTransaction{
		UserID:       req.UserID,
		Type:         models.TransactionRefunded,
		Amount:       req.Amount,
		BalanceAfter: balance,
		Source:       req.Source,
		Description:  "Refund: " + req.Reason,
		Reference:    req.Reference,
	}
	if err := r.ledger.RecordTransaction(ctx, entry); err != nil {
		r.logger.Error("Failed to record refund transaction", "userID", req.UserID, "reference", req.Reference, "error", err)
	}
	return true, nil
}

// Refund applies the request with bounded exponential backoff. When every
// attempt fails the request is published for the refund worker and
// ErrRefundQueued is returned; if that also fails an alert is raised and
// ErrCompensationFailed is returned.
func (r *Refunder) Refund(ctx context.Context, req Request) error {
	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if _, err = r.Apply(ctx, req); err == nil {
			return nil
		}
		r.logger.Warn("Refund attempt failed", "userID", req.UserID, "reference", req.Reference, "attempt", attempt, "error", err)

		if attempt == r.maxAttempts {
			break
		}
		if waitErr := sleep(ctx, Backoff(r.backoff, attempt)); waitErr != nil {
			break
		}
	}

	r.logger.Error("CompensationFailed: debit could not be refunded in-line",
		"userID", req.UserID, "amount", req.Amount, "reference", req.Reference, "error", err)
	metrics.CompensationFailures.Inc()
	return r.handOff(ctx, req, err)
}

func (r *Refunder) handOff(ctx context.Context, req Request, cause error) error {
	if r.publisher != nil {
		pubErr := r.publisher.Publish(ctx, req.UserID, req)
		if pubErr == nil {
			metrics.Refunds.WithLabelValues(metrics.OutcomeQueued).Inc()
			r.logger.Warn("Refund queued for worker", "userID", req.UserID, "reference", req.Reference)
			return fmt.Errorf("%w: %v", ErrRefundQueued, cause)
		}
		r.logger.Error("Failed to queue refund", "userID", req.UserID, "reference", req.Reference, "error", pubErr)
	}

	metrics.Refunds.WithLabelValues(metrics.OutcomeFailed).Inc()
	NotifyFailure(ctx, r.alerter, r.logger, req, cause)
	return fmt.Errorf("%w: %v", ErrCompensationFailed, cause)
}

// NotifyFailure raises a critical alert for a refund that could not be applied.
func NotifyFailure(ctx context.Context, alerter alert.Alerter, logger *slog.Logger, req Request, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	a := alert.Alert{
		Severity: alert.SeverityCritical,
		Title:    "Credit refund failed",
		Message:  fmt.Sprintf("%d credits debited from %s were not refunded: %s", req.Amount, req.UserID, msg),
		Fields: map[string]string{
			"userID":    req.UserID,
			"amount":    strconv.Itoa(req.Amount),
			"reference": req.Reference,
		},
	}
	if err := alerter.Notify(context.WithoutCancel(ctx), a); err != nil {
		logger.Error("Failed to deliver refund alert", "reference", req.Reference, "error", err)
	}
}

// Backoff returns base doubled per completed attempt, capped at five seconds.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		return maxBackoff
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
