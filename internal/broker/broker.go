package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/tokenbroker/internal/auth"
	"github.com/wolfeidau/tokenbroker/internal/cipher"
	"github.com/wolfeidau/tokenbroker/internal/handshake"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/providers"
	"github.com/wolfeidau/tokenbroker/internal/store"
	"github.com/wolfeidau/tokenbroker/internal/telemetry"
)

// DefaultRefreshSkew refreshes tokens this long before they expire.
const DefaultRefreshSkew = 60 * time.Second

var (
	// ErrNotConnected is returned when there is no usable connection for the provider.
	ErrNotConnected = errors.New("not connected")

	// ErrPATNotSupported is returned when a provider only accepts OAuth connections.
	ErrPATNotSupported = errors.New("provider does not accept personal access tokens")
)

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, conn *models.Connection, refreshToken models.Secret) (*oauth2.Token, error)
}

// MembershipChecker reports whether a user belongs to an organization.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, orgID uuid.UUID) (bool, error)
}

// Dialects looks up provider capabilities.
type Dialects interface {
	Dialect(provider string) (providers.Dialect, error)
}

// Config holds the collaborators of a Broker.
type Config struct {
	Connections store.ConnectionStore
	Memberships MembershipChecker
	Cipher      *cipher.Cipher
	Refresher   Refresher
	Dialects    Dialects

	// RefreshSkew defaults to DefaultRefreshSkew.
	RefreshSkew time.Duration
}

// Broker hands out usable access tokens, refreshing them when needed.
type Broker struct {
	connections store.ConnectionStore
	memberships MembershipChecker
	cipher      *cipher.Cipher
	refresher   Refresher
	dialects    Dialects
	skew        time.Duration

	// refreshes is keyed by connection ID.
	refreshes singleflight.Group

	metrics *telemetry.Metrics
	now     func() time.Time
}

// New creates a broker from cfg.
func New(cfg Config) (*Broker, error) {
	switch {
	case cfg.Connections == nil:
		return nil, errors.New("connection store is required")
	case cfg.Memberships == nil:
		return nil, errors.New("membership checker is required")
	case cfg.Cipher == nil:
		return nil, errors.New("cipher is required")
	case cfg.Refresher == nil:
		return nil, errors.New("refresher is required")
	case cfg.Dialects == nil:
		return nil, errors.New("dialects are required")
	}

	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}

	return &Broker{
		connections: cfg.Connections,
		memberships: cfg.Memberships,
		cipher:      cfg.Cipher,
		refresher:   cfg.Refresher,
		dialects:    cfg.Dialects,
		skew:        skew,
		metrics:     telemetry.GetMetrics(),
		now:         time.Now,
	}, nil
}

// GetAccessToken returns a plaintext access token for the user's connection to provider.
//
// Errors: auth.ErrUnauthorized, ErrNotConnected, handshake.ErrTokenRevoked,
// handshake.ErrProviderUnavailable, cipher.ErrDecryption.
func (b *Broker) GetAccessToken(ctx context.Context, userID, orgID uuid.UUID, provider string) (string, error) {
	id := auth.Identity{UserID: userID, OrgID: orgID}
	if err := b.authorize(ctx, id); err != nil {
		return "", err
	}

	key, err := providers.Normalize(provider)
	if err != nil {
		return "", err
	}

	b.metrics.TokenRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", key)))

	conn, err := b.connections.FindConnection(ctx, orgID, userID, key)
	if err != nil {
		if errors.Is(err, store.ErrConnectionNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotConnected, key)
		}
		return "", err
	}

	if conn.IsRevoked() {
		return "", fmt.Errorf("%w: reconnect %s", handshake.ErrTokenRevoked, key)
	}

	if !conn.NeedsRefresh(b.now(), b.skew) {
		return b.decrypt(ctx, conn, conn.AccessTokenEnc)
	}

	if !conn.HasRefreshToken() {
		return "", fmt.Errorf("%w: %s token expired and cannot be refreshed", ErrNotConnected, key)
	}

	// One refresh per connection in this process; the shared call must not be cut short
	// by whichever caller started it.
	v, err, shared := b.refreshes.Do(conn.ConnectionID.String(), func() (any, error) {
		return b.refresh(context.WithoutCancel(ctx), id, conn.ConnectionID)
	})
	if err != nil {
		return "", err
	}

	zerolog.Ctx(ctx).Debug().
		Str("connection_id", conn.ConnectionID.String()).
		Bool("shared", shared).
		Msg("Refreshed access token")

	return v.(models.Secret).Value(), nil
}

// refresh re-reads the connection, refreshes it if it still needs it and persists the result
// with a compare-and-swap on the version read.
func (b *Broker) refresh(ctx context.Context, id auth.Identity, connectionID uuid.UUID) (models.Secret, error) {
	logger := zerolog.Ctx(ctx).With().Str("connection_id", connectionID.String()).Logger()

	conn, err := b.connections.GetConnection(ctx, id.OrgID, id.UserID, connectionID)
	if err != nil {
		if errors.Is(err, store.ErrConnectionNotFound) {
			return models.Secret{}, ErrNotConnected
		}
		return models.Secret{}, err
	}

	// another process may have refreshed since the first read
	if conn.IsRevoked() {
		return models.Secret{}, handshake.ErrTokenRevoked
	}
	if !conn.NeedsRefresh(b.now(), b.skew) {
		return b.decryptSecret(ctx, conn, conn.AccessTokenEnc)
	}
	if !conn.HasRefreshToken() {
		return models.Secret{}, ErrNotConnected
	}

	refreshToken, err := b.decryptSecret(ctx, conn, *conn.RefreshTokenEnc)
	if err != nil {
		return models.Secret{}, err
	}

	token, err := b.refresher.Refresh(ctx, conn, refreshToken)
	if err != nil {
		if !errors.Is(err, handshake.ErrTokenRevoked) {
			return models.Secret{}, err
		}
		if markErr := b.markRevoked(ctx, conn); !errors.Is(markErr, store.ErrVersionConflict) {
			return models.Secret{}, err
		}

		// a rotating refresh token was spent by a concurrent refresher that wrote first
		logger.Info().Msg("Refresh token already rotated, using the stored token")
		winner, fresh, readErr := b.storedToken(ctx, id, conn.ConnectionID)
		if readErr != nil {
			return models.Secret{}, readErr
		}
		if !fresh {
			return models.Secret{}, err
		}
		return winner, nil
	}

	update, err := b.sealToken(token)
	if err != nil {
		return models.Secret{}, err
	}

	if _, err := b.connections.UpdateTokens(ctx, conn.ConnectionID, conn.Version, update); err != nil {
		if !errors.Is(err, store.ErrVersionConflict) {
			return models.Secret{}, err
		}

		b.metrics.RefreshConflictsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", conn.Provider)))
		logger.Info().Msg("Lost refresh race, using the stored token")

		winner, fresh, err := b.storedToken(ctx, id, conn.ConnectionID)
		if err != nil {
			return models.Secret{}, err
		}
		if fresh {
			return winner, nil
		}
		// the winner stored something already stale; ours is still a valid token
		return models.NewSecret(token.AccessToken), nil
	}

	return models.NewSecret(token.AccessToken), nil
}

// storedToken re-reads a connection after losing a race. fresh is false when the stored
// access token is due for refresh. A revoked connection is ErrTokenRevoked.
func (b *Broker) storedToken(ctx context.Context, id auth.Identity, connectionID uuid.UUID) (secret models.Secret, fresh bool, err error) {
	conn, err := b.connections.GetConnection(ctx, id.OrgID, id.UserID, connectionID)
	if err != nil {
		if errors.Is(err, store.ErrConnectionNotFound) {
			return models.Secret{}, false, ErrNotConnected
		}
		return models.Secret{}, false, err
	}
	if conn.IsRevoked() {
		return models.Secret{}, false, handshake.ErrTokenRevoked
	}
	if conn.NeedsRefresh(b.now(), b.skew) {
		return models.Secret{}, false, nil
	}

	secret, err = b.decryptSecret(ctx, conn, conn.AccessTokenEnc)
	if err != nil {
		return models.Secret{}, false, err
	}
	return secret, true, nil
}

// markRevoked flags the connection unless its tokens changed since conn was read, in which
// case store.ErrVersionConflict is returned and nothing is marked.
func (b *Broker) markRevoked(ctx context.Context, conn *models.Connection) error {
	logger := zerolog.Ctx(ctx)

	if err := b.connections.MarkRevoked(ctx, conn.ConnectionID, conn.Version); err != nil {
		if !errors.Is(err, store.ErrVersionConflict) {
			logger.Error().Err(err).Str("connection_id", conn.ConnectionID.String()).Msg("Failed to mark connection revoked")
		}
		return err
	}

	b.metrics.ConnectionsRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", conn.Provider)))
	logger.Warn().
		Str("connection_id", conn.ConnectionID.String()).
		Str("provider", conn.Provider).
		Msg("Provider rejected refresh token, connection needs re-authorization")
	return nil
}

func (b *Broker) sealToken(token *oauth2.Token) (store.TokenUpdate, error) {
	accessEnc, err := b.cipher.EncryptString(token.AccessToken)
	if err != nil {
		return store.TokenUpdate{}, err
	}

	update := store.TokenUpdate{AccessTokenEnc: accessEnc}

	if token.RefreshToken != "" {
		refreshEnc, err := b.cipher.EncryptString(token.RefreshToken)
		if err != nil {
			return store.TokenUpdate{}, err
		}
		update.RefreshTokenEnc = &refreshEnc
	}

	if !token.Expiry.IsZero() {
		exp := token.Expiry
		update.ExpiresAt = &exp
	}

	return update, nil
}

func (b *Broker) decrypt(ctx context.Context, conn *models.Connection, ciphertext string) (string, error) {
	secret, err := b.decryptSecret(ctx, conn, ciphertext)
	if err != nil {
		return "", err
	}
	return secret.Value(), nil
}

// decryptSecret never maps a failure to ErrNotConnected: a key mismatch must stay visible.
func (b *Broker) decryptSecret(ctx context.Context, conn *models.Connection, ciphertext string) (models.Secret, error) {
	plaintext, err := b.cipher.DecryptString(ciphertext)
	if err != nil {
		b.metrics.DecryptFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", conn.Provider)))
		zerolog.Ctx(ctx).Error().
			Err(err).
			Str("connection_id", conn.ConnectionID.String()).
			Msg("Stored credential failed to decrypt")
		return models.Secret{}, err
	}
	return models.NewSecret(plaintext), nil
}

func (b *Broker) authorize(ctx context.Context, id auth.Identity) error {
	if !id.Valid() {
		return auth.ErrUnauthorized
	}

	ok, err := b.memberships.IsMember(ctx, id.UserID, id.OrgID)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: not a member of organization", auth.ErrUnauthorized)
	}

	return nil
}

// ListConnections returns the redacted connections of the identity.
func (b *Broker) ListConnections(ctx context.Context, id auth.Identity) ([]models.ConnectionSummary, error) {
	if err := b.authorize(ctx, id); err != nil {
		return nil, err
	}

	list, err := b.connections.ListConnectionsForUser(ctx, id.OrgID, id.UserID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.ConnectionSummary{}
	}
	return list, nil
}

// Disconnect deletes a connection and its config.
func (b *Broker) Disconnect(ctx context.Context, id auth.Identity, connectionID uuid.UUID) error {
	if err := b.authorize(ctx, id); err != nil {
		return err
	}

	if err := b.connections.DeleteConnection(ctx, id.OrgID, id.UserID, connectionID); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("connection_id", connectionID.String()).
		Str("org_id", id.OrgID.String()).
		Msg("Disconnected integration")

	return nil
}

// RegisterPersonalAccessToken stores a static token for a provider that accepts them.
// The resulting connection never expires; an existing connection has its token replaced.
func (b *Broker) RegisterPersonalAccessToken(ctx context.Context, id auth.Identity, provider, displayName string, token models.Secret) (*models.ConnectionSummary, error) {
	if err := b.authorize(ctx, id); err != nil {
		return nil, err
	}

	dialect, err := b.dialects.Dialect(provider)
	if err != nil {
		return nil, err
	}
	if !dialect.SupportsPAT {
		return nil, fmt.Errorf("%w: %s", ErrPATNotSupported, dialect.Provider)
	}

	if strings.TrimSpace(token.Value()) == "" {
		return nil, &providers.ValidationError{Provider: dialect.Provider, Field: "token", Reason: "is required"}
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = dialect.DisplayName
	}

	accessEnc, err := b.cipher.EncryptString(strings.TrimSpace(token.Value()))
	if err != nil {
		return nil, err
	}

	connectionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate connection ID: %w", err)
	}

	now := b.now()
	conn := &models.Connection{
		ConnectionID:   connectionID,
		OrgID:          id.OrgID,
		UserID:         id.UserID,
		Provider:       dialect.Provider,
		DisplayName:    displayName,
		AccessTokenEnc: accessEnc,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = b.connections.CreateConnection(ctx, conn)
	if err == nil {
		summary := conn.Summary()
		return &summary, nil
	}
	if !errors.Is(err, store.ErrDuplicateConnection) {
		return nil, err
	}

	existing, err := b.connections.FindConnection(ctx, id.OrgID, id.UserID, dialect.Provider)
	if err != nil {
		return nil, err
	}

	updated, err := b.connections.UpdateTokens(ctx, existing.ConnectionID, existing.Version, store.TokenUpdate{
		AccessTokenEnc: accessEnc,
	})
	if err != nil {
		return nil, err
	}

	summary := updated.Summary()
	return &summary, nil
}
