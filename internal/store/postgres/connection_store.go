package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/store"
)

const connectionColumns = `
	connection_id, org_id, user_id, provider, display_name,
	access_token_enc, refresh_token_enc, token_expires_at,
	version, revoked_at, created_at, updated_at
`

// ConnectionStore implements store.ConnectionStore using PostgreSQL.
type ConnectionStore struct {
	pool *pgxpool.Pool
}

// NewConnectionStore creates a new PostgreSQL-backed connection store.
// It shares the connection pool with other stores.
func NewConnectionStore(pool *pgxpool.Pool) *ConnectionStore {
	return &ConnectionStore{
		pool: pool,
	}
}

// FindConnection returns the connection for the (organization, user, provider) triple.
func (s *ConnectionStore) FindConnection(ctx context.Context, orgID, userID uuid.UUID, provider string) (*models.Connection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM integration_connections
		WHERE org_id = $1 AND user_id = $2 AND provider = $3
	`

	conn, err := scanConnection(s.pool.QueryRow(ctx, query, orgID, userID, provider))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to find connection: %w", mapPostgresError(err))
	}

	return conn, nil
}

// GetConnection returns a connection by ID, scoped to the organization and user.
func (s *ConnectionStore) GetConnection(ctx context.Context, orgID, userID, connectionID uuid.UUID) (*models.Connection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM integration_connections
		WHERE connection_id = $1 AND org_id = $2 AND user_id = $3
	`

	conn, err := scanConnection(s.pool.QueryRow(ctx, query, connectionID, orgID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", mapPostgresError(err))
	}

	return conn, nil
}

// CreateConnection inserts a new connection. The unique constraint on
// (org_id, user_id, provider) makes concurrent creates for one triple fail atomically.
func (s *ConnectionStore) CreateConnection(ctx context.Context, conn *models.Connection) error {
	if conn.Version == 0 {
		conn.Version = 1
	}

	query := `
		INSERT INTO integration_connections (
			connection_id, org_id, user_id, provider, display_name,
			access_token_enc, refresh_token_enc, token_expires_at,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err := s.pool.Exec(ctx, query,
		conn.ConnectionID,
		conn.OrgID,
		conn.UserID,
		conn.Provider,
		conn.DisplayName,
		conn.AccessTokenEnc,
		conn.RefreshTokenEnc,
		conn.TokenExpiresAt,
		conn.Version,
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	if err != nil {
		err = mapPostgresError(err)
		if errors.Is(err, store.ErrDuplicateConnection) {
			return err
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}

	log.Debug().
		Str("connection_id", conn.ConnectionID.String()).
		Str("org_id", conn.OrgID.String()).
		Str("provider", conn.Provider).
		Msg("Created connection")

	return nil
}

// UpdateTokens replaces the token fields if the stored version matches expectedVersion.
func (s *ConnectionStore) UpdateTokens(ctx context.Context, connectionID uuid.UUID, expectedVersion int64, update store.TokenUpdate) (*models.Connection, error) {
	query := `
		UPDATE integration_connections SET
			access_token_enc = $3,
			refresh_token_enc = COALESCE($4, refresh_token_enc),
			token_expires_at = $5,
			revoked_at = NULL,
			version = version + 1,
			updated_at = $6
		WHERE connection_id = $1 AND version = $2
		RETURNING ` + connectionColumns

	conn, err := scanConnection(s.pool.QueryRow(ctx, query,
		connectionID,
		expectedVersion,
		update.AccessTokenEnc,
		update.RefreshTokenEnc,
		update.ExpiresAt,
		time.Now(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.casFailure(ctx, connectionID)
		}
		return nil, fmt.Errorf("failed to update tokens: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("connection_id", connectionID.String()).
		Int64("version", conn.Version).
		Msg("Updated connection tokens")

	return conn, nil
}

// MarkRevoked flags the connection as unusable until re-authorized.
func (s *ConnectionStore) MarkRevoked(ctx context.Context, connectionID uuid.UUID, expectedVersion int64) error {
	query := `
		UPDATE integration_connections SET
			revoked_at = $3,
			updated_at = $3
		WHERE connection_id = $1 AND version = $2
	`

	result, err := s.pool.Exec(ctx, query, connectionID, expectedVersion, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark connection revoked: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return s.casFailure(ctx, connectionID)
	}

	log.Info().
		Str("connection_id", connectionID.String()).
		Msg("Marked connection revoked")

	return nil
}

// casFailure distinguishes a missing row from a version mismatch after a conditional update.
func (s *ConnectionStore) casFailure(ctx context.Context, connectionID uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM integration_connections WHERE connection_id = $1)`,
		connectionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check connection: %w", mapPostgresError(err))
	}
	if !exists {
		return store.ErrConnectionNotFound
	}
	return store.ErrVersionConflict
}

// DeleteConnection removes a connection; its config is cascade-deleted.
func (s *ConnectionStore) DeleteConnection(ctx context.Context, orgID, userID, connectionID uuid.UUID) error {
	query := `DELETE FROM integration_connections WHERE connection_id = $1 AND org_id = $2 AND user_id = $3`

	result, err := s.pool.Exec(ctx, query, connectionID, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return store.ErrConnectionNotFound
	}

	log.Info().
		Str("connection_id", connectionID.String()).
		Msg("Deleted connection (and cascade-deleted its config)")

	return nil
}

// ListConnectionsForUser returns the redacted summaries of a user's connections.
func (s *ConnectionStore) ListConnectionsForUser(ctx context.Context, orgID, userID uuid.UUID) ([]models.ConnectionSummary, error) {
	query := `
		SELECT connection_id, provider, display_name, revoked_at IS NOT NULL, created_at
		FROM integration_connections
		WHERE org_id = $1 AND user_id = $2
		ORDER BY provider
	`

	rows, err := s.pool.Query(ctx, query, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var result []models.ConnectionSummary
	for rows.Next() {
		var summary models.ConnectionSummary
		err := rows.Scan(
			&summary.ConnectionID,
			&summary.Provider,
			&summary.DisplayName,
			&summary.Revoked,
			&summary.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		result = append(result, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return result, nil
}

// UpsertConfig stores the config for a connection. The schema version is only
// written on insert.
func (s *ConnectionStore) UpsertConfig(ctx context.Context, connectionID uuid.UUID, provider string, data []byte, schemaVersion int) (*models.IntegrationConfig, error) {
	query := `
		INSERT INTO integration_configs (connection_id, provider, data, schema_version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connection_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
		RETURNING connection_id, provider, data, schema_version, updated_at
	`

	var cfg models.IntegrationConfig
	err := s.pool.QueryRow(ctx, query, connectionID, provider, string(data), schemaVersion, time.Now()).Scan(
		&cfg.ConnectionID,
		&cfg.Provider,
		&cfg.Data,
		&cfg.SchemaVersion,
		&cfg.UpdatedAt,
	)
	if err != nil {
		err = mapPostgresError(err)
		if errors.Is(err, store.ErrConnectionNotFound) || isForeignKeyViolation(err) {
			return nil, store.ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to upsert config: %w", err)
	}

	log.Debug().
		Str("connection_id", connectionID.String()).
		Int("schema_version", cfg.SchemaVersion).
		Msg("Saved integration config")

	return &cfg, nil
}

// GetConfig returns the config for a connection.
func (s *ConnectionStore) GetConfig(ctx context.Context, connectionID uuid.UUID) (*models.IntegrationConfig, error) {
	query := `
		SELECT connection_id, provider, data, schema_version, updated_at
		FROM integration_configs
		WHERE connection_id = $1
	`

	var cfg models.IntegrationConfig
	err := s.pool.QueryRow(ctx, query, connectionID).Scan(
		&cfg.ConnectionID,
		&cfg.Provider,
		&cfg.Data,
		&cfg.SchemaVersion,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to get config: %w", mapPostgresError(err))
	}

	return &cfg, nil
}

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var conn models.Connection
	err := row.Scan(
		&conn.ConnectionID,
		&conn.OrgID,
		&conn.UserID,
		&conn.Provider,
		&conn.DisplayName,
		&conn.AccessTokenEnc,
		&conn.RefreshTokenEnc,
		&conn.TokenExpiresAt,
		&conn.Version,
		&conn.RevokedAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}
