package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tokenbroker/internal/models"
)

// Sentinel errors for connection store operations
var (
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrDuplicateConnection = errors.New("connection already exists for organization, user and provider")
	ErrVersionConflict     = errors.New("connection was modified concurrently")
	ErrConfigNotFound      = errors.New("integration config not found")
)

// TokenUpdate carries the ciphertext fields written by UpdateTokens.
// A nil RefreshTokenEnc keeps the stored refresh token; a nil ExpiresAt clears the expiry.
type TokenUpdate struct {
	AccessTokenEnc  string
	RefreshTokenEnc *string
	ExpiresAt       *time.Time
}

// ConnectionStore defines the interface for integration connection and config storage.
// Every lookup is scoped by organization and user; callers never see another tenant's rows.
type ConnectionStore interface {
	// FindConnection returns the connection for the (organization, user, provider) triple.
	// Returns ErrConnectionNotFound if none exists.
	FindConnection(ctx context.Context, orgID, userID uuid.UUID, provider string) (*models.Connection, error)

	// GetConnection returns a connection by ID, scoped to the organization and user.
	// Returns ErrConnectionNotFound if it doesn't exist or belongs to someone else.
	GetConnection(ctx context.Context, orgID, userID, connectionID uuid.UUID) (*models.Connection, error)

	// CreateConnection inserts a new connection.
	// Returns ErrDuplicateConnection if the triple already has one; the check is atomic.
	CreateConnection(ctx context.Context, conn *models.Connection) error

	// UpdateTokens replaces the token fields if the stored version equals expectedVersion.
	// The version is incremented and any revocation mark cleared.
	// Returns ErrVersionConflict when another writer got there first.
	UpdateTokens(ctx context.Context, connectionID uuid.UUID, expectedVersion int64, update TokenUpdate) (*models.Connection, error)

	// MarkRevoked flags the connection as unusable until re-authorized.
	// Returns ErrVersionConflict when the tokens changed since expectedVersion.
	MarkRevoked(ctx context.Context, connectionID uuid.UUID, expectedVersion int64) error

	// DeleteConnection removes a connection and its config.
	DeleteConnection(ctx context.Context, orgID, userID, connectionID uuid.UUID) error

	// ListConnectionsForUser returns the redacted summaries of a user's connections.
	ListConnectionsForUser(ctx context.Context, orgID, userID uuid.UUID) ([]models.ConnectionSummary, error)

	// UpsertConfig stores the config for a connection. On insert schemaVersion is recorded;
	// on update the stored schema version is preserved.
	UpsertConfig(ctx context.Context, connectionID uuid.UUID, provider string, data []byte, schemaVersion int) (*models.IntegrationConfig, error)

	// GetConfig returns the config for a connection.
	// Returns ErrConfigNotFound if none was saved yet.
	GetConfig(ctx context.Context, connectionID uuid.UUID) (*models.IntegrationConfig, error)
}
