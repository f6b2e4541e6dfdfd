package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolfeidau/tokenbroker/internal/store"
)

const keyPrefix = "tokenbroker:handshake:consumed:"

// StateLedger implements store.StateLedger backed by Redis.
// Entries expire with the state they record, so no cleanup job is needed.
type StateLedger struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ store.StateLedger = (*StateLedger)(nil)

// NewStateLedger constructs a Redis-backed state ledger.
func NewStateLedger(client redis.UniversalClient) *StateLedger {
	return &StateLedger{client: client, now: time.Now}
}

// Consume records state with SET NX; a second call for the same state fails.
func (l *StateLedger) Consume(ctx context.Context, state string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(l.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	ok, err := l.client.SetNX(ctx, keyPrefix+state, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("consume state: %w", err)
	}
	if !ok {
		return store.ErrStateConsumed
	}
	return nil
}

// Ping checks connectivity.
func (l *StateLedger) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
