package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type cancelEntry struct {
	cancel context.CancelFunc
}

// CancelBus delivers "stop" requests to whichever replica is running the
// conversation's turn. Stop publishes on a Redis channel; every replica cancels
// the matching locally registered turn.
type CancelBus struct {
	redis   *redis.Client
	channel string
	logger  zerolog.Logger

	mu    sync.Mutex
	local map[string]*cancelEntry
}

func NewCancelBus(rdb *redis.Client, channel string, logger zerolog.Logger) *CancelBus {
	if channel == "" {
		channel = "nexuschat:cancel"
	}
	return &CancelBus{
		redis:   rdb,
		channel: channel,
		logger:  logger,
		local:   make(map[string]*cancelEntry),
	}
}

// Register makes cancel reachable by Stop for conversationID. The returned
// func unregisters it; a newer registration for the same conversation is left
// in place.
func (b *CancelBus) Register(conversationID string, cancel context.CancelFunc) func() {
	e := &cancelEntry{cancel: cancel}
	b.mu.Lock()
	b.local[conversationID] = e
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		if b.local[conversationID] == e {
			delete(b.local, conversationID)
		}
		b.mu.Unlock()
	}
}

// Stop cancels the turn locally if it runs here and broadcasts to the others.
func (b *CancelBus) Stop(ctx context.Context, conversationID string) error {
	b.cancelLocal(conversationID)
	if b.redis == nil {
		return nil
	}
	if err := b.redis.Publish(ctx, b.channel, conversationID).Err(); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}

func (b *CancelBus) cancelLocal(conversationID string) bool {
	b.mu.Lock()
	e, ok := b.local[conversationID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Subscribe confirms the channel subscription before returning, so stops
// published afterwards are not missed.
func (b *CancelBus) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	sub := b.redis.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe cancel channel: %w", err)
	}
	return sub, nil
}

// Serve applies broadcast stops until ctx is done. It closes sub.
func (b *CancelBus) Serve(ctx context.Context, sub *redis.PubSub) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if b.cancelLocal(msg.Payload) {
				b.logger.Info().Str("conversation_id", msg.Payload).Msg("turn stopped by remote request")
			}
		}
	}
}

func (b *CancelBus) Run(ctx context.Context) error {
	sub, err := b.Subscribe(ctx)
	if err != nil {
		return err
	}
	b.Serve(ctx, sub)
	return nil
}
