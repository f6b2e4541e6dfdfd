// Package configsvc validates and stores per-connection provider configuration.
package configsvc

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/tokenbroker/internal/auth"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/providers"
	"github.com/wolfeidau/tokenbroker/internal/store"
	"github.com/wolfeidau/tokenbroker/internal/telemetry"
)

// ErrProviderMismatch is returned when a config is saved for a provider other than the
// one the connection was made with.
var ErrProviderMismatch = errors.New("provider does not match connection")

// MembershipChecker reports whether a user belongs to an organization.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, orgID uuid.UUID) (bool, error)
}

// Service saves and reads integration configs.
type Service struct {
	connections store.ConnectionStore
	memberships MembershipChecker
	registry    *providers.Registry
	metrics     *telemetry.Metrics
}

// New creates a config service.
func New(connections store.ConnectionStore, memberships MembershipChecker, registry *providers.Registry) *Service {
	return &Service{
		connections: connections,
		memberships: memberships,
		registry:    registry,
		metrics:     telemetry.GetMetrics(),
	}
}

// SaveConfig validates raw against the provider schema and stores it for the connection.
// Connections owned by someone else are reported as store.ErrConnectionNotFound.
func (s *Service) SaveConfig(ctx context.Context, orgID, userID, connectionID uuid.UUID, provider string, raw []byte) (*models.IntegrationConfig, error) {
	conn, err := s.ownedConnection(ctx, orgID, userID, connectionID)
	if err != nil {
		return nil, err
	}

	key, err := providers.Normalize(provider)
	if err != nil {
		return nil, err
	}
	if key != conn.Provider {
		return nil, fmt.Errorf("%w: connection is %s, got %s", ErrProviderMismatch, conn.Provider, key)
	}

	cfg, err := s.registry.Validate(key, raw)
	if err != nil {
		s.metrics.ConfigValidationErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", key)))
		return nil, err
	}

	data, err := providers.Serialize(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}

	version, err := s.registry.SchemaVersion(key)
	if err != nil {
		return nil, err
	}

	saved, err := s.connections.UpsertConfig(ctx, conn.ConnectionID, key, data, version)
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("connection_id", conn.ConnectionID.String()).
		Str("provider", key).
		Int("schema_version", saved.SchemaVersion).
		Msg("Saved integration config")

	return saved, nil
}

// GetConfig returns the stored config of a connection together with its decoded form.
func (s *Service) GetConfig(ctx context.Context, orgID, userID, connectionID uuid.UUID) (*models.IntegrationConfig, providers.Config, error) {
	conn, err := s.ownedConnection(ctx, orgID, userID, connectionID)
	if err != nil {
		return nil, nil, err
	}

	saved, err := s.connections.GetConfig(ctx, conn.ConnectionID)
	if err != nil {
		return nil, nil, err
	}

	// stored data was validated on the way in; a failure here means the schema moved on
	cfg, err := s.registry.Validate(saved.Provider, saved.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("stored config no longer validates: %w", err)
	}

	return saved, cfg, nil
}

func (s *Service) ownedConnection(ctx context.Context, orgID, userID, connectionID uuid.UUID) (*models.Connection, error) {
	if orgID == uuid.Nil || userID == uuid.Nil {
		return nil, auth.ErrUnauthorized
	}

	ok, err := s.memberships.IsMember(ctx, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: not a member of organization", auth.ErrUnauthorized)
	}

	return s.connections.GetConnection(ctx, orgID, userID, connectionID)
}
