package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahmdragab/JJ-sub002/internal/models"
)

// TerminalCache remembers sessions that can never be consumed again.
// Only terminal states are cached, so a stale entry cannot grant access.
type TerminalCache interface {
	Terminal(ctx context.Context, sessionID string) (owner string, state models.SessionState, ok bool)
	MarkTerminal(ctx context.Context, sessionID, owner string, state models.SessionState)
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger.With("component", "session_cache")}
}

func terminalKey(sessionID string) string {
	return fmt.Sprintf("session:%s:terminal", sessionID)
}

func (c *RedisCache) Terminal(ctx context.Context, sessionID string) (string, models.SessionState, bool) {
	fields, err := c.client.HGetAll(ctx, terminalKey(sessionID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Failed to read terminal session cache", "sessionID", sessionID, "error", err)
		}
		return "", "", false
	}

	state := models.SessionState(fields["state"])
	if state != models.SessionExhausted && state != models.SessionExpired {
		return "", "", false
	}
	return fields["owner"], state, true
}

func (c *RedisCache) MarkTerminal(ctx context.Context, sessionID, owner string, state models.SessionState) {
	if state == models.SessionActive {
		return
	}
	key := terminalKey(sessionID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "state", string(state), "owner", owner)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("Failed to cache terminal session", "sessionID", sessionID, "state", state, "error", err)
	}
}
