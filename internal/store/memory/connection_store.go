package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/store"
)

type connectionKey struct {
	orgID    uuid.UUID
	userID   uuid.UUID
	provider string
}

// ConnectionStore implements store.ConnectionStore using in-memory storage.
// This implementation is for testing and development only - data is lost on restart.
type ConnectionStore struct {
	mu sync.RWMutex

	connections map[uuid.UUID]*models.Connection        // connection_id -> Connection
	byTriple    map[connectionKey]uuid.UUID             // (org, user, provider) -> connection_id
	configs     map[uuid.UUID]*models.IntegrationConfig // connection_id -> IntegrationConfig

	now func() time.Time
}

// NewConnectionStore creates a new in-memory connection store.
func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{
		connections: make(map[uuid.UUID]*models.Connection),
		byTriple:    make(map[connectionKey]uuid.UUID),
		configs:     make(map[uuid.UUID]*models.IntegrationConfig),
		now:         time.Now,
	}
}

// FindConnection returns the connection for the (organization, user, provider) triple.
func (s *ConnectionStore) FindConnection(ctx context.Context, orgID, userID uuid.UUID, provider string) (*models.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byTriple[connectionKey{orgID: orgID, userID: userID, provider: provider}]
	if !exists {
		return nil, store.ErrConnectionNotFound
	}

	return cloneConnection(s.connections[id]), nil
}

// GetConnection returns a connection by ID, scoped to the organization and user.
func (s *ConnectionStore) GetConnection(ctx context.Context, orgID, userID, connectionID uuid.UUID) (*models.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, exists := s.connections[connectionID]
	if !exists || conn.OrgID != orgID || conn.UserID != userID {
		return nil, store.ErrConnectionNotFound
	}

	return cloneConnection(conn), nil
}

// CreateConnection inserts a new connection; the uniqueness check and insert share one lock.
func (s *ConnectionStore) CreateConnection(ctx context.Context, conn *models.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := connectionKey{orgID: conn.OrgID, userID: conn.UserID, provider: conn.Provider}
	if _, exists := s.byTriple[key]; exists {
		return store.ErrDuplicateConnection
	}
	if _, exists := s.connections[conn.ConnectionID]; exists {
		return store.ErrDuplicateConnection
	}

	if conn.Version == 0 {
		conn.Version = 1
	}

	s.connections[conn.ConnectionID] = cloneConnection(conn)
	s.byTriple[key] = conn.ConnectionID

	return nil
}

// UpdateTokens replaces the token fields if the stored version matches.
func (s *ConnectionStore) UpdateTokens(ctx context.Context, connectionID uuid.UUID, expectedVersion int64, update store.TokenUpdate) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, exists := s.connections[connectionID]
	if !exists {
		return nil, store.ErrConnectionNotFound
	}
	if conn.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}

	conn.AccessTokenEnc = update.AccessTokenEnc
	if update.RefreshTokenEnc != nil {
		refresh := *update.RefreshTokenEnc
		conn.RefreshTokenEnc = &refresh
	}
	conn.TokenExpiresAt = cloneTime(update.ExpiresAt)
	conn.RevokedAt = nil
	conn.Version++
	conn.UpdatedAt = s.now()

	return cloneConnection(conn), nil
}

// MarkRevoked flags the connection as unusable until re-authorized.
func (s *ConnectionStore) MarkRevoked(ctx context.Context, connectionID uuid.UUID, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, exists := s.connections[connectionID]
	if !exists {
		return store.ErrConnectionNotFound
	}
	if conn.Version != expectedVersion {
		return store.ErrVersionConflict
	}

	now := s.now()
	conn.RevokedAt = &now
	conn.UpdatedAt = now

	return nil
}

// DeleteConnection removes a connection and its config.
func (s *ConnectionStore) DeleteConnection(ctx context.Context, orgID, userID, connectionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, exists := s.connections[connectionID]
	if !exists || conn.OrgID != orgID || conn.UserID != userID {
		return store.ErrConnectionNotFound
	}

	delete(s.byTriple, connectionKey{orgID: conn.OrgID, userID: conn.UserID, provider: conn.Provider})
	delete(s.connections, connectionID)
	delete(s.configs, connectionID)

	return nil
}

// ListConnectionsForUser returns the redacted summaries of a user's connections.
func (s *ConnectionStore) ListConnectionsForUser(ctx context.Context, orgID, userID uuid.UUID) ([]models.ConnectionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.ConnectionSummary
	for _, conn := range s.connections {
		if conn.OrgID == orgID && conn.UserID == userID {
			result = append(result, conn.Summary())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Provider < result[j].Provider
	})

	return result, nil
}

// UpsertConfig stores the config for a connection, preserving the schema version on update.
func (s *ConnectionStore) UpsertConfig(ctx context.Context, connectionID uuid.UUID, provider string, data []byte, schemaVersion int) (*models.IntegrationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.connections[connectionID]; !exists {
		return nil, store.ErrConnectionNotFound
	}

	cfg, exists := s.configs[connectionID]
	if !exists {
		cfg = &models.IntegrationConfig{
			ConnectionID:  connectionID,
			SchemaVersion: schemaVersion,
		}
		s.configs[connectionID] = cfg
	}

	cfg.Provider = provider
	cfg.Data = append([]byte(nil), data...)
	cfg.UpdatedAt = s.now()

	clone := *cfg
	return &clone, nil
}

// GetConfig returns the config for a connection.
func (s *ConnectionStore) GetConfig(ctx context.Context, connectionID uuid.UUID) (*models.IntegrationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, exists := s.configs[connectionID]
	if !exists {
		return nil, store.ErrConfigNotFound
	}

	clone := *cfg
	clone.Data = append([]byte(nil), cfg.Data...)
	return &clone, nil
}

// cloneConnection deep-copies a connection to avoid external modifications.
func cloneConnection(c *models.Connection) *models.Connection {
	clone := *c
	if c.RefreshTokenEnc != nil {
		refresh := *c.RefreshTokenEnc
		clone.RefreshTokenEnc = &refresh
	}
	clone.TokenExpiresAt = cloneTime(c.TokenExpiresAt)
	clone.RevokedAt = cloneTime(c.RevokedAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
