package session

import (
	"errors"
	"fmt"

	"github.com/ahmdragab/JJ-sub002/internal/ledger"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExpired   = errors.New("session expired")
	ErrSessionExhausted = errors.New("session exhausted")
	// ErrRetryExhausted is returned when optimistic retries ran out without a
	// business outcome. Callers may retry the whole request.
	ErrRetryExhausted = errors.New("concurrent update retries exhausted")
	// ErrUsageConflict is returned by Store.TryIncrement when the stored
	// counter, expiry or cap no longer allow the observed increment.
	ErrUsageConflict = errors.New("session usage changed concurrently")
)

// InsufficientCreditsError reports the cost that was required and the
// balance the caller actually had.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ledger.ErrInsufficientCredits
}

// RefundOutcome describes what happened to the debit of a failed creation.
type RefundOutcome string

const (
	RefundIssued RefundOutcome = "refunded"
	RefundQueued RefundOutcome = "queued"
	RefundFailed RefundOutcome = "failed"
)

// SessionCreationError is returned when credits were debited but the session
// row could not be written.
type SessionCreationError struct {
	Err    error
	Refund RefundOutcome
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("session creation failed (refund %s): %v", e.Refund, e.Err)
}

func (e *SessionCreationError) Unwrap() error {
	return e.Err
}
