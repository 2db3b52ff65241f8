// Package ledger holds the authoritative per-user credit balance and its
// append-only transaction log.
package ledger

import (
	"context"
	"errors"

	"github.com/ahmdragab/JJ-sub002/internal/models"
)

var (
	// ErrConflict means the stored balance no longer matched the caller's
	// observed value. Re-read and retry.
	ErrConflict = errors.New("ledger: balance changed concurrently")
	// ErrInsufficientCredits is returned before any write is attempted.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrBalanceNotFound is only returned when auto-provisioning is disabled.
	ErrBalanceNotFound = errors.New("ledger: balance not found")
)

// Ledger is the durable source of truth for credit balances.
type Ledger interface {
	// GetBalance returns the user's current credits.
	GetBalance(ctx context.Context, userID string) (int, error)
	// TryDebit subtracts amount only if the stored balance still equals
	// expected, returning the remaining balance.
	TryDebit(ctx context.Context, userID string, amount, expected int) (int, error)
	// Credit adds amount unconditionally. A non-empty reference makes the call
	// idempotent: a repeated reference reports applied=false and changes nothing.
	Credit(ctx context.Context, userID string, amount int, reference string) (balance int, applied bool, err error)
	// RecordTransaction appends an audit row and fills in its ID and CreatedAt.
	RecordTransaction(ctx context.Context, entry *models.CreditTransaction) error
	// Transactions lists a user's audit rows oldest first.
	Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
}
