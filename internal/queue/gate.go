package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrBusy = errors.New("a turn is already in progress for this conversation")

var releaseIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// TurnGate admits at most one in-flight turn per conversation across all
// replicas. The TTL bounds how long a crashed worker can hold the gate.
type TurnGate struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewTurnGate(rdb *redis.Client, ttl time.Duration) *TurnGate {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TurnGate{redis: rdb, ttl: ttl}
}

func gateKey(conversationID string) string {
	return "nexuschat:gate:" + conversationID
}

// Acquire returns a release token, or ErrBusy when a turn is already running.
func (g *TurnGate) Acquire(ctx context.Context, conversationID string) (string, error) {
	token := uuid.NewString()
	ok, err := g.redis.SetNX(ctx, gateKey(conversationID), token, g.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("gate setnx: %w", err)
	}
	if !ok {
		return "", ErrBusy
	}
	return token, nil
}

// Release frees the gate only if token still holds it.
func (g *TurnGate) Release(ctx context.Context, conversationID, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseIfOwnerScript.Run(ctx, g.redis, []string{gateKey(conversationID)}, token).Err(); err != nil {
		return fmt.Errorf("gate release: %w", err)
	}
	return nil
}

func (g *TurnGate) Busy(ctx context.Context, conversationID string) (bool, error) {
	n, err := g.redis.Exists(ctx, gateKey(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("gate exists: %w", err)
	}
	return n > 0, nil
}
