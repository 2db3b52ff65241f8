package models

import "time"

// TransactionType classifies a ledger mutation.
type TransactionType string

const (
	TransactionDebited  TransactionType = "debited"
	TransactionRefunded TransactionType = "refunded"
	// TransactionGranted records the default grant given when a balance row is provisioned.
	TransactionGranted TransactionType = "granted"
)

// CreditBalance is the authoritative per-user balance row.
type CreditBalance struct {
	UserID    string    `json:"userId" db:"user_id"`
	Credits   int       `json:"credits" db:"credits"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// CreditTransaction is an immutable audit row, one per balance mutation.
type CreditTransaction struct {
	ID           int64           `json:"id" db:"id"`
	UserID       string          `json:"userId" db:"user_id"`
	Type         TransactionType `json:"type" db:"type"`
	Amount       int             `json:"amount" db:"amount"` // negative for debits
	BalanceAfter int             `json:"balanceAfter" db:"balance_after"`
	Source       string          `json:"source" db:"source"`
	Description  string          `json:"description" db:"description"`
	Reference    string          `json:"reference,omitempty" db:"reference"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
}

// ReplayBalance sums transaction amounts in order. For a complete history it
// equals the user's current balance.
func ReplayBalance(txns []CreditTransaction) int {
	total := 0
	for _, t := range txns {
		total += t.Amount
	}
	return total
}
