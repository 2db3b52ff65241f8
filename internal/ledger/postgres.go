package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/ahmdragab/JJ-sub002/internal/config"
	"github.com/ahmdragab/JJ-sub002/internal/models"
)

const (
	defaultTransactionLimit = 100
	maxTransactionLimit     = 1000
)

const (
	selectBalanceQuery = `SELECT credits FROM credit_balances WHERE user_id = $1`

	provisionBalanceQuery = `INSERT INTO credit_balances (user_id, credits) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING RETURNING credits`

	debitQuery = `UPDATE credit_balances SET credits = credits - $1, updated_at = now()
		WHERE user_id = $2 AND credits = $3 AND credits >= $1 RETURNING credits`

	claimRefundQuery = `INSERT INTO credit_refunds (reference, user_id, amount) VALUES ($1, $2, $3)
		ON CONFLICT (reference) DO NOTHING`

	creditQuery = `INSERT INTO credit_balances (user_id, credits) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET credits = credit_balances.credits + EXCLUDED.credits, updated_at = now()
		RETURNING credits`

	insertTransactionQuery = `INSERT INTO credit_transactions
		(user_id, type, amount, balance_after, source, description, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`

	listTransactionsQuery = `SELECT id, user_id, type, amount, balance_after, source, description, reference, created_at
		FROM credit_transactions WHERE user_id = $1 ORDER BY created_at, id LIMIT $2`
)

// PostgresLedger implements Ledger on the credit_balances, credit_refunds and
// credit_transactions tables.
type PostgresLedger struct {
	db            *sqlx.DB
	defaultGrant  int
	autoProvision bool
	logger        *slog.Logger
}

func NewPostgresLedger(db *sqlx.DB, cfg config.CreditsConfig, logger *slog.Logger) *PostgresLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLedger{
		db:            db,
		defaultGrant:  cfg.DefaultGrant,
		autoProvision: cfg.AutoProvision,
		logger:        logger.With("component", "ledger"),
	}
}

func (l *PostgresLedger) GetBalance(ctx context.Context, userID string) (int, error) {
	var credits int
	err := l.db.GetContext(ctx, &credits, selectBalanceQuery, userID)
	if err == nil {
		return credits, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	if !l.autoProvision {
		return 0, ErrBalanceNotFound
	}
	return l.provision(ctx, userID)
}

// provision creates the balance row with the default grant. When another
// request provisions the same user first, the existing row is returned.
func (l *PostgresLedger) provision(ctx context.Context, userID string) (int, error) {
	var credits int
	err := l.db.GetContext(ctx, &credits, provisionBalanceQuery, userID, l.defaultGrant)
	if errors.Is(err, sql.ErrNoRows) {
		if err := l.db.GetContext(ctx, &credits, selectBalanceQuery, userID); err != nil {
			return 0, fmt.Errorf("failed to read provisioned balance: %w", err)
		}
		return credits, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to provision balance: %w", err)
	}

	l.logger.Info("Provisioned credit balance", "userID", userID, "credits", credits)
	if l.defaultGrant > 0 {
		entry := &models.CreditTransaction{
			UserID:       userID,
			Type:         models.TransactionGranted,
			Amount:       l.defaultGrant,
			BalanceAfter: credits,
			Source:       "provisioning",
			Description:  "Default credit grant",
		}
		if err := l.RecordTransaction(ctx, entry); err != nil {
			l.logger.Error("Failed to record grant transaction", "userID", userID, "error", err)
		}
	}
	return credits, nil
}

func (l *PostgresLedger) TryDebit(ctx context.Context, userID string, amount, expected int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	if expected < amount {
		return expected, ErrInsufficientCredits
	}

	var remaining int
	err := l.db.GetContext(ctx, &remaining, debitQuery, amount, userID, expected)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("failed to debit balance: %w", err)
	}
	return remaining, nil
}

func (l *PostgresLedger) Credit(ctx context.Context, userID string, amount int, reference string) (int, bool, error) {
	if amount <= 0 {
		return 0, false, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin credit transaction: %w", err)
	}
	defer tx.Rollback()

	if reference != "" {
		res, err := tx.ExecContext(ctx, claimRefundQuery, reference, userID, amount)
		if err != nil {
			return 0, false, fmt.Errorf("failed to claim refund reference: %w", err)
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return 0, false, fmt.Errorf("failed to claim refund reference: %w", err)
		}
		if claimed == 0 {
			var credits int
			if err := tx.GetContext(ctx, &credits, selectBalanceQuery, userID); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return 0, false, fmt.Errorf("failed to read balance: %w", err)
			}
			l.logger.Info("Refund already applied", "userID", userID, "reference", reference)
			return credits, false, nil
		}
	}

	var balance int
	if err := tx.GetContext(ctx, &balance, creditQuery, userID, amount); err != nil {
		return 0, false, fmt.Errorf("failed to credit balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit credit: %w", err)
	}
	return balance, true, nil
}

func (l *PostgresLedger) RecordTransaction(ctx context.Context, entry *models.CreditTransaction) error {
	err := l.db.QueryRowxContext(ctx, insertTransactionQuery,
		entry.UserID, entry.Type, entry.Amount, entry.BalanceAfter,
		entry.Source, entry.Description, entry.Reference,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}

	txns := []models.CreditTransaction{}
	if err := l.db.SelectContext(ctx, &txns, listTransactionsQuery, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}
