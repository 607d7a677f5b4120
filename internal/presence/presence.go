// Package presence tracks which operators are currently viewing a
// conversation. State lives in redis so every server instance sees the
// same viewers.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const heartbeatTTL = 30 * time.Second

// Tracker records viewer heartbeats per conversation. Entries expire on
// their own, so a crashed client disappears after one TTL.
type Tracker struct {
	logger *slog.Logger
	redis  *redis.Client
}

// NewTracker creates a Tracker. A nil client disables presence; all
// operations become no-ops.
func NewTracker(log *slog.Logger, client *redis.Client) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		logger: log.With(slog.String("service", "presence")),
		redis:  client,
	}
}

func key(accountID, conversationID string) string {
	return "unibox:presence:" + accountID + ":" + conversationID
}

// Heartbeat marks the user as viewing the conversation for one TTL.
func (t *Tracker) Heartbeat(ctx context.Context, accountID, conversationID, userID string) error {
	if t.redis == nil {
		return nil
	}
	k := key(accountID, conversationID)
	now := time.Now().Unix()
	pipe := t.redis.Pipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now), Member: userID})
	pipe.Expire(ctx, k, 2*heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	return nil
}

// Leave removes the user immediately.
func (t *Tracker) Leave(ctx context.Context, accountID, conversationID, userID string) error {
	if t.redis == nil {
		return nil
	}
	if err := t.redis.ZRem(ctx, key(accountID, conversationID), userID).Err(); err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	return nil
}

// Viewers returns the users with a live heartbeat, pruning expired ones.
func (t *Tracker) Viewers(ctx context.Context, accountID, conversationID string) ([]string, error) {
	if t.redis == nil {
		return nil, nil
	}
	k := key(accountID, conversationID)
	cutoff := time.Now().Add(-heartbeatTTL).Unix()
	if err := t.redis.ZRemRangeByScore(ctx, k, "0", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		t.logger.Warn("presence prune failed", slog.Any("error", err))
	}
	viewers, err := t.redis.ZRange(ctx, k, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("presence read: %w", err)
	}
	return viewers, nil
}
