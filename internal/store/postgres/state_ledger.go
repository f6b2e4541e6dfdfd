package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokenbroker/internal/store"
)

// StateLedger implements store.StateLedger using PostgreSQL.
// The primary key on state makes consumption atomic across replicas.
type StateLedger struct {
	pool *pgxpool.Pool
}

// NewStateLedger creates a new PostgreSQL-backed state ledger.
func NewStateLedger(pool *pgxpool.Pool) *StateLedger {
	return &StateLedger{
		pool: pool,
	}
}

// Consume atomically marks state as used.
func (l *StateLedger) Consume(ctx context.Context, state string, expiresAt time.Time) error {
	query := `
		INSERT INTO consumed_handshake_states (state, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (state) DO NOTHING
	`

	result, err := l.pool.Exec(ctx, query, state, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to consume state: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return store.ErrStateConsumed
	}

	return nil
}

// DeleteExpired removes entries past their expiry (cleanup job).
func (l *StateLedger) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := l.pool.Exec(ctx, `DELETE FROM consumed_handshake_states WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired states: %w", mapPostgresError(err))
	}

	count := result.RowsAffected()
	if count > 0 {
		log.Info().
			Int64("count", count).
			Msg("Deleted expired handshake states")
	}

	return count, nil
}
