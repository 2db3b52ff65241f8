package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ahmdragab/JJ-sub002/internal/models"
)

// Store persists generation sessions.
type Store interface {
	Create(ctx context.Context, s *models.GenerationSession) error
	// Get returns ErrSessionNotFound for unknown ids.
	Get(ctx context.Context, sessionID string) (*models.GenerationSession, error)
	// TryIncrement bumps generations_used by one only if it still equals
	// expectedUsed, is below the cap and the session has not expired at now.
	// Otherwise it returns ErrUsageConflict.
	TryIncrement(ctx context.Context, sessionID string, expectedUsed int, now time.Time) (*models.GenerationSession, error)
}

const sessionColumns = `session_id, user_id, credits_deducted, max_generations, generations_used, expires_at, created_at`

const (
	insertSessionQuery = `INSERT INTO generation_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	getSessionQuery = `SELECT ` + sessionColumns + ` FROM generation_sessions WHERE session_id = $1`

	incrementSessionQuery = `UPDATE generation_sessions SET generations_used = generations_used + 1
		WHERE session_id = $1 AND generations_used = $2 AND generations_used < max_generations AND expires_at > $3
		RETURNING ` + sessionColumns
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, sess *models.GenerationSession) error {
	_, err := s.db.ExecContext(ctx, insertSessionQuery,
		sess.ID, sess.UserID, sess.CreditsDeducted, sess.MaxGenerations,
		sess.GenerationsUsed, sess.ExpiresAt, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*models.GenerationSession, error) {
	var sess models.GenerationSession
	err := s.db.GetContext(ctx, &sess, getSessionQuery, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) TryIncrement(ctx context.Context, sessionID string, expectedUsed int, now time.Time) (*models.GenerationSession, error) {
	var sess models.GenerationSession
	err := s.db.GetContext(ctx, &sess, incrementSessionQuery, sessionID, expectedUsed, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment session usage: %w", err)
	}
	return &sess, nil
}
