package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/tokenbroker/internal/store"
)

// StateLedger implements store.StateLedger using in-memory storage.
// Consumed states are only shared within one process.
type StateLedger struct {
	mu sync.Mutex

	consumed map[string]time.Time // state -> expires_at

	now func() time.Time
}

// NewStateLedger creates a new in-memory state ledger.
func NewStateLedger() *StateLedger {
	return &StateLedger{
		consumed: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Consume atomically marks state as used.
func (l *StateLedger) Consume(ctx context.Context, state string, expiresAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.consumed[state]; exists {
		return store.ErrStateConsumed
	}

	l.consumed[state] = expiresAt
	l.deleteExpiredLocked()

	return nil
}

// DeleteExpired removes entries whose state can no longer be presented (cleanup job).
func (l *StateLedger) DeleteExpired(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.deleteExpiredLocked(), nil
}

func (l *StateLedger) deleteExpiredLocked() int64 {
	now := l.now()

	var count int64
	for state, expiresAt := range l.consumed {
		if now.After(expiresAt) {
			delete(l.consumed, state)
			count++
		}
	}

	return count
}
