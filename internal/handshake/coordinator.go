package handshake

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"

	"github.com/wolfeidau/tokenbroker/internal/auth"
	"github.com/wolfeidau/tokenbroker/internal/cipher"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/providers"
	"github.com/wolfeidau/tokenbroker/internal/store"
	"github.com/wolfeidau/tokenbroker/internal/telemetry"
)

const (
	// DefaultProviderTimeout bounds every call to a provider token endpoint.
	DefaultProviderTimeout = 10 * time.Second

	// DefaultReturnTo is used when the caller gave no usable local path.
	DefaultReturnTo = "/integrations"

	stateBytes = 32

	maxReplaceAttempts = 3
)

// OAuthConfigs resolves the oauth2 client configuration for a provider.
type OAuthConfigs interface {
	OAuthConfig(provider string) (*oauth2.Config, providers.Dialect, error)
}

// MembershipChecker reports whether a user belongs to an organization.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, orgID uuid.UUID) (bool, error)
}

// Authorization is the outcome of Begin.
type Authorization struct {
	// URL is the provider authorize URL to redirect the browser to.
	URL string
	// Transport is the signed state token carried by the browser until the callback.
	Transport string
	Provider  string
	ExpiresAt time.Time
}

// Result is the outcome of a successful Complete.
type Result struct {
	ConnectionID uuid.UUID
	Provider     string
	ReturnTo     string
	// Reconnected is true when an existing connection had its tokens replaced.
	Reconnected bool
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	OAuth       OAuthConfigs
	Memberships MembershipChecker
	Connections store.ConnectionStore
	Ledger      store.StateLedger
	Cipher      *cipher.Cipher
	Signer      *StateSigner

	// HTTPClient is used for provider token calls. Defaults to a client with ProviderTimeout.
	HTTPClient *http.Client
	// ProviderTimeout bounds each provider call. Defaults to DefaultProviderTimeout.
	ProviderTimeout time.Duration
}

// Coordinator drives the authorization code handshake and token refreshes.
type Coordinator struct {
	oauth       OAuthConfigs
	memberships MembershipChecker
	connections store.ConnectionStore
	ledger      store.StateLedger
	cipher      *cipher.Cipher
	signer      *StateSigner
	httpClient  *http.Client
	timeout     time.Duration
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// NewCoordinator creates a coordinator from cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.OAuth == nil:
		return nil, errors.New("oauth configs are required")
	case cfg.Memberships == nil:
		return nil, errors.New("membership checker is required")
	case cfg.Connections == nil:
		return nil, errors.New("connection store is required")
	case cfg.Ledger == nil:
		return nil, errors.New("state ledger is required")
	case cfg.Cipher == nil:
		return nil, errors.New("cipher is required")
	case cfg.Signer == nil:
		return nil, errors.New("state signer is required")
	}

	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Coordinator{
		oauth:       cfg.OAuth,
		memberships: cfg.Memberships,
		connections: cfg.Connections,
		ledger:      cfg.Ledger,
		cipher:      cfg.Cipher,
		signer:      cfg.Signer,
		httpClient:  client,
		timeout:     timeout,
		metrics:     telemetry.GetMetrics(),
		now:         time.Now,
	}, nil
}

// Begin starts a handshake for id against provider and returns the authorize URL plus
// the signed state to hand to the browser.
func (c *Coordinator) Begin(ctx context.Context, id auth.Identity, provider, returnTo string) (*Authorization, error) {
	if err := c.authorize(ctx, id); err != nil {
		return nil, err
	}

	key, err := providers.Normalize(provider)
	if err != nil {
		return nil, err
	}

	oauthCfg, dialect, err := c.oauth.OAuthConfig(key)
	if err != nil {
		return nil, err
	}

	state, err := newState()
	if err != nil {
		return nil, err
	}

	hs := &models.HandshakeState{
		State:     state,
		UserID:    id.UserID,
		OrgID:     id.OrgID,
		Provider:  key,
		ReturnTo:  SanitizeReturnTo(returnTo),
		CreatedAt: c.now(),
	}

	logger := zerolog.Ctx(ctx).With().
		Str("provider", key).
		Str("org_id", id.OrgID.String()).
		Logger()
	logger.Debug().Stringer("phase", PhaseInitiated).Msg("Handshake phase")

	transport, err := c.signer.Sign(hs)
	if err != nil {
		return nil, err
	}

	authURL := oauthCfg.AuthCodeURL(state, dialect.AuthCodeOptions()...)

	c.metrics.HandshakesStartedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", key)))
	logger.Info().Stringer("phase", PhasePendingCallback).Msg("Handshake phase")

	return &Authorization{
		URL:       authURL,
		Transport: transport,
		Provider:  key,
		ExpiresAt: hs.ExpiresAt(),
	}, nil
}

// Complete finishes a handshake. transported is the signed state from Begin,
// stateFromProvider and code come from the provider redirect. The state is consumed
// before any exchange, so a replay fails with ErrCSRFMismatch and no row is written.
func (c *Coordinator) Complete(ctx context.Context, transported, stateFromProvider, code string) (*Result, error) {
	return c.complete(ctx, "", transported, stateFromProvider, code)
}

// complete additionally requires the state to be bound to expectedProvider when it is set.
func (c *Coordinator) complete(ctx context.Context, expectedProvider, transported, stateFromProvider, code string) (*Result, error) {
	logger := zerolog.Ctx(ctx)

	hs, err := c.signer.Verify(transported)
	if err != nil {
		return nil, c.fail(ctx, expectedProvider, "csrf", fmt.Errorf("%w: %w", ErrCSRFMismatch, err))
	}

	if expectedProvider != "" && hs.Provider != expectedProvider {
		return nil, c.fail(ctx, expectedProvider, "csrf", fmt.Errorf("%w: state issued for another provider", ErrCSRFMismatch))
	}

	if stateFromProvider == "" || subtle.ConstantTimeCompare([]byte(hs.State), []byte(stateFromProvider)) != 1 {
		return nil, c.fail(ctx, hs.Provider, "csrf", fmt.Errorf("%w: state does not match", ErrCSRFMismatch))
	}

	if err := c.ledger.Consume(ctx, hs.State, hs.ExpiresAt()); err != nil {
		if errors.Is(err, store.ErrStateConsumed) {
			return nil, c.fail(ctx, hs.Provider, "replay", fmt.Errorf("%w: state already used", ErrCSRFMismatch))
		}
		return nil, c.fail(ctx, hs.Provider, "ledger", err)
	}

	// membership may have been withdrawn while the browser was at the provider
	if err := c.authorize(ctx, auth.Identity{UserID: hs.UserID, OrgID: hs.OrgID}); err != nil {
		return nil, c.fail(ctx, hs.Provider, "unauthorized", err)
	}

	if code == "" {
		return nil, c.fail(ctx, hs.Provider, "exchange", fmt.Errorf("%w: no authorization code", ErrProviderExchange))
	}

	oauthCfg, dialect, err := c.oauth.OAuthConfig(hs.Provider)
	if err != nil {
		return nil, c.fail(ctx, hs.Provider, "provider", err)
	}

	logger.Debug().Str("provider", hs.Provider).Stringer("phase", PhaseExchanging).Msg("Handshake phase")

	token, err := c.exchange(ctx, oauthCfg, code)
	if err != nil {
		return nil, c.fail(ctx, hs.Provider, "exchange", err)
	}

	conn, reconnected, err := c.storeTokens(ctx, hs, dialect, token)
	if err != nil {
		return nil, c.fail(ctx, hs.Provider, "store", err)
	}

	c.metrics.HandshakesCompletedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", hs.Provider)))
	logger.Info().
		Str("provider", hs.Provider).
		Str("connection_id", conn.ConnectionID.String()).
		Bool("reconnected", reconnected).
		Stringer("phase", PhaseComplete).
		Msg("Handshake phase")

	return &Result{
		ConnectionID: conn.ConnectionID,
		Provider:     hs.Provider,
		ReturnTo:     hs.ReturnTo,
		Reconnected:  reconnected,
	}, nil
}

// Refresh exchanges refreshToken for a new token pair. It does not persist anything.
func (c *Coordinator) Refresh(ctx context.Context, conn *models.Connection, refreshToken models.Secret) (*oauth2.Token, error) {
	if refreshToken.IsEmpty() {
		return nil, fmt.Errorf("%w: no refresh token stored", ErrTokenRevoked)
	}

	oauthCfg, _, err := c.oauth.OAuthConfig(conn.Provider)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	started := time.Now()
	attrs := metric.WithAttributes(attribute.String("provider", conn.Provider))

	token, err := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken.Value()}).Token()

	c.metrics.TokenRefreshesTotal.Add(ctx, 1, attrs)
	c.metrics.TokenRefreshDuration.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)

	if err != nil {
		c.metrics.TokenRefreshErrors.Add(ctx, 1, attrs)
		return nil, classifyRefreshError(err)
	}
	if token.AccessToken == "" {
		c.metrics.TokenRefreshErrors.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("%w: refresh returned no access token", ErrProviderExchange)
	}

	return token, nil
}

func (c *Coordinator) authorize(ctx context.Context, id auth.Identity) error {
	if !id.Valid() {
		return auth.ErrUnauthorized
	}

	ok, err := c.memberships.IsMember(ctx, id.UserID, id.OrgID)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: not a member of organization", auth.ErrUnauthorized)
	}

	return nil
}

func (c *Coordinator) exchange(ctx context.Context, oauthCfg *oauth2.Config, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	started := time.Now()
	token, err := oauthCfg.Exchange(ctx, code)
	c.metrics.CodeExchangeDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	if err != nil {
		return nil, classifyExchangeError(err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token issued", ErrProviderExchange)
	}

	return token, nil
}

// storeTokens encrypts the token pair and creates the connection, or replaces the tokens of
// the existing connection for the same (organization, user, provider).
func (c *Coordinator) storeTokens(ctx context.Context, hs *models.HandshakeState, dialect providers.Dialect, token *oauth2.Token) (*models.Connection, bool, error) {
	accessEnc, err := c.cipher.EncryptString(token.AccessToken)
	if err != nil {
		return nil, false, err
	}

	var refreshEnc *string
	if token.RefreshToken != "" {
		enc, err := c.cipher.EncryptString(token.RefreshToken)
		if err != nil {
			return nil, false, err
		}
		refreshEnc = &enc
	}

	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		exp := token.Expiry
		expiresAt = &exp
	}

	connectionID, err := uuid.NewV7()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate connection ID: %w", err)
	}

	now := c.now()
	conn := &models.Connection{
		ConnectionID:    connectionID,
		OrgID:           hs.OrgID,
		UserID:          hs.UserID,
		Provider:        hs.Provider,
		DisplayName:     dialect.DisplayName,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		TokenExpiresAt:  expiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = c.connections.CreateConnection(ctx, conn)
	if err == nil {
		return conn, false, nil
	}
	if !errors.Is(err, store.ErrDuplicateConnection) {
		return nil, false, err
	}

	update := store.TokenUpdate{
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       expiresAt,
	}

	for range maxReplaceAttempts {
		existing, err := c.connections.FindConnection(ctx, hs.OrgID, hs.UserID, hs.Provider)
		if err != nil {
			return nil, false, err
		}

		updated, err := c.connections.UpdateTokens(ctx, existing.ConnectionID, existing.Version, update)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return updated, true, nil
	}

	return nil, false, store.ErrVersionConflict
}

func (c *Coordinator) fail(ctx context.Context, provider, reason string, err error) error {
	c.metrics.HandshakesFailedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))

	zerolog.Ctx(ctx).Warn().
		Err(err).
		Str("provider", provider).
		Str("reason", reason).
		Stringer("phase", PhaseFailed).
		Msg("Handshake phase")

	return err
}

func newState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SanitizeReturnTo returns returnTo if it is a local absolute path, otherwise DefaultReturnTo.
func SanitizeReturnTo(returnTo string) string {
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") ||
		strings.ContainsAny(returnTo, "\\\r\n") {
		return DefaultReturnTo
	}

	u, err := url.Parse(returnTo)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return DefaultReturnTo
	}

	return returnTo
}
