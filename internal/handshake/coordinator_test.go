package handshake

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/tokenbroker/internal/auth"
	"github.com/wolfeidau/tokenbroker/internal/cipher"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/providers"
	"github.com/wolfeidau/tokenbroker/internal/providers/providertest"
	"github.com/wolfeidau/tokenbroker/internal/store"
	"github.com/wolfeidau/tokenbroker/internal/store/memory"
)

type fixture struct {
	coordinator *Coordinator
	provider    *providertest.Server
	connections *memory.ConnectionStore
	cipher      *cipher.Cipher
	identity    auth.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	provider := providertest.NewServer(t)

	orgs := memory.NewOrganizationStore()
	org := &models.Organization{OrgID: uuid.Must(uuid.NewV7()), Slug: "acme", Name: "Acme"}
	user := &models.User{UserID: uuid.Must(uuid.NewV7()), Email: "dev@acme.test"}
	require.NoError(t, orgs.CreateOrganization(ctx, org))
	require.NoError(t, orgs.CreateUser(ctx, user))
	require.NoError(t, orgs.AddMembership(ctx, &models.Membership{UserID: user.UserID, OrgID: org.OrgID}))

	keyring, err := cipher.NewKeyring(make32('k'))
	require.NoError(t, err)
	c, err := cipher.New(keyring)
	require.NoError(t, err)

	signer, err := NewStateSigner(make32('s'))
	require.NoError(t, err)

	connections := memory.NewConnectionStore()

	coordinator, err := NewCoordinator(Config{
		OAuth:       provider.Catalog(t, models.ProviderJira, models.ProviderOutlook),
		Memberships: orgs,
		Connections: connections,
		Ledger:      memory.NewStateLedger(),
		Cipher:      c,
		Signer:      signer,
	})
	require.NoError(t, err)

	return &fixture{
		coordinator: coordinator,
		provider:    provider,
		connections: connections,
		cipher:      c,
		identity:    auth.Identity{UserID: user.UserID, OrgID: org.OrgID},
	}
}

func make32(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func stateFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestCoordinator_Begin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("builds authorize URL with provider extras", func(t *testing.T) {
		authz, err := f.coordinator.Begin(ctx, f.identity, "JIRA", "/settings/integrations")
		require.NoError(t, err)
		require.Equal(t, models.ProviderJira, authz.Provider)

		u, err := url.Parse(authz.URL)
		require.NoError(t, err)
		q := u.Query()
		require.Equal(t, "test-client", q.Get("client_id"))
		require.Equal(t, "code", q.Get("response_type"))
		require.Equal(t, "https://app.example.com/integrations/jira/callback", q.Get("redirect_uri"))
		require.Equal(t, "api.atlassian.com", q.Get("audience"))
		require.Equal(t, "consent", q.Get("prompt"))
		require.Contains(t, q.Get("scope"), "offline_access")
		require.Len(t, q.Get("state"), 43)

		hs, err := f.coordinator.signer.Verify(authz.Transport)
		require.NoError(t, err)
		require.Equal(t, q.Get("state"), hs.State)
		require.Equal(t, "/settings/integrations", hs.ReturnTo)
		require.Equal(t, f.identity.UserID, hs.UserID)
	})

	t.Run("states are unique", func(t *testing.T) {
		a, err := f.coordinator.Begin(ctx, f.identity, "jira", "")
		require.NoError(t, err)
		b, err := f.coordinator.Begin(ctx, f.identity, "jira", "")
		require.NoError(t, err)
		require.NotEqual(t, stateFromURL(t, a.URL), stateFromURL(t, b.URL))
	})

	t.Run("non member is unauthorized", func(t *testing.T) {
		_, err := f.coordinator.Begin(ctx, auth.Identity{UserID: f.identity.UserID, OrgID: uuid.New()}, "jira", "")
		require.ErrorIs(t, err, auth.ErrUnauthorized)

		_, err = f.coordinator.Begin(ctx, auth.Identity{}, "jira", "")
		require.ErrorIs(t, err, auth.ErrUnauthorized)
	})

	t.Run("unknown or unconfigured provider", func(t *testing.T) {
		_, err := f.coordinator.Begin(ctx, f.identity, "github", "")
		require.ErrorIs(t, err, providers.ErrUnsupportedProvider)

		_, err = f.coordinator.Begin(ctx, f.identity, "sharepoint", "")
		require.ErrorIs(t, err, providers.ErrUnsupportedProvider)
	})
}

func TestCoordinator_Complete(t *testing.T) {
	ctx := context.Background()

	t.Run("creates connection with encrypted tokens", func(t *testing.T) {
		f := newFixture(t)

		authz, err := f.coordinator.Begin(ctx, f.identity, "jira", "/done")
		require.NoError(t, err)

		result, err := f.coordinator.Complete(ctx, authz.Transport, stateFromURL(t, authz.URL), providertest.ValidCode)
		require.NoError(t, err)
		require.Equal(t, "/done", result.ReturnTo)
		require.False(t, result.Reconnected)

		conn, err := f.connections.FindConnection(ctx, f.identity.OrgID, f.identity.UserID, models.ProviderJira)
		require.NoError(t, err)
		require.Equal(t, result.ConnectionID, conn.ConnectionID)
		require.Equal(t, "Jira", conn.DisplayName)
		require.NotContains(t, conn.AccessTokenEnc, "access-")
		require.NotNil(t, conn.TokenExpiresAt)

		access, err := f.cipher.DecryptString(conn.AccessTokenEnc)
		require.NoError(t, err)
		require.Equal(t, "access-1", access)

		refresh, err := f.cipher.DecryptString(*conn.RefreshTokenEnc)
		require.NoError(t, err)
		require.Equal(t, "refresh-1", refresh)

		_, err = f.connections.GetConfig(ctx, conn.ConnectionID)
		require.ErrorIs(t, err, store.ErrConfigNotFound)
	})

	t.Run("replayed state fails even after success", func(t *testing.T) {
		f := newFixture(t)

		authz, err := f.coordinator.Begin(ctx, f.identity, "jira", "")
		require.NoError(t, err)
		state := stateFromURL(t, authz.URL)

		_, err = f.coordinator.Complete(ctx, authz.Transport, state, providertest.ValidCode)
		require.NoError(t, err)

		_, err = f.coordinator.Complete(ctx, authz.Transport, state, providertest.ValidCode)
		require.ErrorIs(t, err, ErrCSRFMismatch)
		require.Equal(t, int64(1), f.provider.Exchanges.Load())
	})

	t.Run("state mismatch writes no row", func(t *testing.T) {
		f := newFixture(t)

		authz, err := f.coordinator.Begin(ctx, f.identity, "jira", "")
		require.NoError(t, err)

		_, err = f.coordinator.Complete(ctx, authz.Transport, "xyz", providertest.ValidCode)
		require.ErrorIs(t, err, ErrCSRFMismatch)
		require.Equal(t, int64(0), f.provider.Exchanges.Load())

		_, err = f.connections.FindConnection(ctx, f.identity.OrgID, f.identity.UserID, models.ProviderJira)
		require.ErrorIs(t, err, store.ErrConnectionNotFound)
	})

	t.Run("tampered or expired transport", func(t *testing.T) {
		f := newFixture(t)

		authz, err := f.coordinator.Begin(ctx, f.identity, "jira", "")
		require.NoError(t, err)
		state := stateFromURL(t, authz.URL)

		_, err = f.coordinator.Complete(ctx, authz.Transport+"x", state, providertest.ValidCode)
		require.ErrorIs(t, err, ErrCSRFMismatch)

		_, err = f.coordinator.Complete(ctx, "", state, providertest.ValidCode)
		require.ErrorIs(t, err, ErrCSRFMismatch)

		f.coordinator.signer.now = func() time.Time { return time.Now().Add(models.HandshakeStateTTL + time.Minute) }
		_, err = f.coordinator.Complete(ctx, authz.Transport, state, providertest.ValidCode)
		require.ErrorIs(t, err, ErrCSRFMismatch)
	})

	t.Run("racing callbacks have one winner", func(t *testing.T) {
		f := newFixture(t)

		authz, err := f.coordinator.Begin(ctx, f.identity, "outlook", "")
		require.NoError(t, err)
		state := stateFromURL(t, authz.URL)

		var wg sync.WaitGroup
		errs := make(chan error, 5)
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.coordinator.Complete(ctx, authz.Transport, state, providertest.ValidCode)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		var ok int
		for err := range errs {
			if err == nil {
				ok++
				continue
			}
			require.ErrorIs(t, err, ErrCSRFMismatch)
		}
		require.Equal(t, 1, ok)
		require.Equal(t, int64(1), f.provider.Exchanges.Load())
	})

	t.Run("rejected code", func(t *testing.T) {
		f := newFixture(t)

		authz, err := f.coordinator.Begin(ctx, f.identity, "jira", "")
		require.NoError(t, err)

		_, err = f.coordinator.Complete(ctx, authz.Transport, stateFromURL(t, authz.URL), "wrong-code")
		require.ErrorIs(t, err, ErrProviderExchange)
		require.NotContains(t, err.Error(), "wrong-code")

		_, err = f.connections.FindConnection(ctx, f.identity.OrgID, f.identity.UserID, models.ProviderJira)
		require.ErrorIs(t, err, store.ErrConnectionNotFound)
	})

	t.Run("provider outage is transient", func(t *testing.T) {
		f := newFixture(t)

		authz, err := f.coordinator.Begin(ctx, f.identity, "jira", "")
		require.NoError(t, err)

		_, err = f.coordinator.Complete(ctx, authz.Transport, stateFromURL(t, authz.URL), providertest.UnavailableCode)
		require.ErrorIs(t, err, ErrProviderUnavailable)
	})

	t.Run("reconnect replaces tokens and clears revocation", func(t *testing.T) {
		f := newFixture(t)

		first, err := f.coordinator.Begin(ctx, f.identity, "jira", "")
		require.NoError(t, err)
		created, err := f.coordinator.Complete(ctx, first.Transport, stateFromURL(t, first.URL), providertest.ValidCode)
		require.NoError(t, err)
		require.NoError(t, f.connections.MarkRevoked(ctx, created.ConnectionID, 1))

		second, err := f.coordinator.Begin(ctx, f.identity, "jira", "")
		require.NoError(t, err)
		result, err := f.coordinator.Complete(ctx, second.Transport, stateFromURL(t, second.URL), providertest.ValidCode)
		require.NoError(t, err)
		require.True(t, result.Reconnected)
		require.Equal(t, created.ConnectionID, result.ConnectionID)

		conn, err := f.connections.FindConnection(ctx, f.identity.OrgID, f.identity.UserID, models.ProviderJira)
		require.NoError(t, err)
		require.False(t, conn.IsRevoked())
		require.Equal(t, int64(2), conn.Version)

		access, err := f.cipher.DecryptString(conn.AccessTokenEnc)
		require.NoError(t, err)
		require.Equal(t, "access-2", access)
	})
}

func TestCoordinator_Refresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conn := &models.Connection{Provider: models.ProviderJira}

	t.Run("success", func(t *testing.T) {
		token, err := f.coordinator.Refresh(ctx, conn, models.NewSecret("refresh-1"))
		require.NoError(t, err)
		require.Contains(t, token.AccessToken, "refreshed-access-")
		require.Contains(t, token.RefreshToken, "refreshed-refresh-")
	})

	t.Run("invalid grant means revoked", func(t *testing.T) {
		_, err := f.coordinator.Refresh(ctx, conn, models.NewSecret(providertest.RevokedRefresh))
		require.ErrorIs(t, err, ErrTokenRevoked)
	})

	t.Run("5xx is unavailable", func(t *testing.T) {
		_, err := f.coordinator.Refresh(ctx, conn, models.NewSecret(providertest.UnavailableRefresh))
		require.ErrorIs(t, err, ErrProviderUnavailable)
	})

	t.Run("timeout is unavailable", func(t *testing.T) {
		f.provider.SetRefreshDelay(200 * time.Millisecond)
		defer f.provider.SetRefreshDelay(0)
		f.coordinator.timeout = 20 * time.Millisecond

		_, err := f.coordinator.Refresh(ctx, conn, models.NewSecret("refresh-1"))
		require.ErrorIs(t, err, ErrProviderUnavailable)
		f.coordinator.timeout = DefaultProviderTimeout
	})

	t.Run("missing refresh token", func(t *testing.T) {
		_, err := f.coordinator.Refresh(ctx, conn, models.NewSecret(""))
		require.ErrorIs(t, err, ErrTokenRevoked)
	})
}

func TestSanitizeReturnTo(t *testing.T) {
	tests := map[string]string{
		"":                      DefaultReturnTo,
		"/settings":             "/settings",
		"/a?b=c":                "/a?b=c",
		"https://evil.example":  DefaultReturnTo,
		"//evil.example/path":   DefaultReturnTo,
		"/\\evil.example":       DefaultReturnTo,
		"relative/path":         DefaultReturnTo,
		"/ok\r\nSet-Cookie: x":  DefaultReturnTo,
		"javascript:alert(1)":   DefaultReturnTo,
	}

	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			require.Equal(t, want, SanitizeReturnTo(in))
		})
	}
}
