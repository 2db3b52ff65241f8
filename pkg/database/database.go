package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ahmdragab/JJ-sub002/internal/config"
)

type Clients struct {
	DB    *sqlx.DB
	Redis *redis.Client
}

func NewClients(ctx context.Context, dbCfg config.DatabaseConfig, redisCfg config.RedisConfig) (*Clients, error) {
	// Connect to PostgreSQL
	db, err := sqlx.ConnectContext(ctx, "postgres", dbCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(dbCfg.MaxOpenConns)
	db.SetMaxIdleConns(dbCfg.MaxIdleConns)
	db.SetConnMaxLifetime(dbCfg.ConnMaxLifetime)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Clients{
		DB:    db,
		Redis: redisClient,
	}, nil
}

func (c *Clients) Close() error {
	redisErr := c.Redis.Close()
	if err := c.DB.Close(); err != nil {
		return err
	}
	return redisErr
}

// schema is idempotent; the CHECK constraints back the ledger and session
// invariants even if a caller bypasses the conditional updates.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS credit_balances (
		user_id TEXT PRIMARY KEY,
		credits INTEGER NOT NULL CHECK (credits >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user
		ON credit_transactions (user_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS credit_refunds (
		reference TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS generation_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		credits_deducted INTEGER NOT NULL,
		max_generations INTEGER NOT NULL CHECK (max_generations > 0),
		generations_used INTEGER NOT NULL DEFAULT 0
			CHECK (generations_used >= 0 AND generations_used <= max_generations),
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_generation_sessions_user
		ON generation_sessions (user_id, created_at)`,
}

// CreateSchema ensures the ledger and session tables exist.
func (c *Clients) CreateSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	slog.Info("✅ Credit ledger tables are ready!")
	return nil
}
