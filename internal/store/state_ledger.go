package store

import (
	"context"
	"errors"
	"time"
)

// ErrStateConsumed is returned when a handshake state was already used.
var ErrStateConsumed = errors.New("handshake state already consumed")

// StateLedger records consumed handshake states so each can be used at most once.
type StateLedger interface {
	// Consume atomically marks state as used until expiresAt.
	// Returns ErrStateConsumed if it was consumed before.
	Consume(ctx context.Context, state string, expiresAt time.Time) error
}

// ExpiringStateLedger is a StateLedger whose consumed entries must be purged periodically.
type ExpiringStateLedger interface {
	StateLedger

	// DeleteExpired removes consumed states past their expiry and returns how many were removed.
	DeleteExpired(ctx context.Context) (int64, error)
}
