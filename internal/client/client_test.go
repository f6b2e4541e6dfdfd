package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/tokenbroker/internal/auth"
	"github.com/wolfeidau/tokenbroker/internal/broker"
	"github.com/wolfeidau/tokenbroker/internal/cipher"
	"github.com/wolfeidau/tokenbroker/internal/configsvc"
	"github.com/wolfeidau/tokenbroker/internal/handshake"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/providers"
	"github.com/wolfeidau/tokenbroker/internal/providers/providertest"
	"github.com/wolfeidau/tokenbroker/internal/server"
	"github.com/wolfeidau/tokenbroker/internal/store/memory"
)

// newBroker starts the broker API backed by memory stores and returns a client for it.
func newBroker(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	provider := providertest.NewServer(t)
	catalog := provider.Catalog(t, models.ProviderJira, models.ProviderAzureDevOps)

	orgs := memory.NewOrganizationStore()
	org := &models.Organization{OrgID: uuid.Must(uuid.NewV7()), Slug: "acme"}
	user := &models.User{UserID: uuid.Must(uuid.NewV7()), Email: "dev@acme.test"}
	require.NoError(t, orgs.CreateOrganization(ctx, org))
	require.NoError(t, orgs.CreateUser(ctx, user))
	require.NoError(t, orgs.AddMembership(ctx, &models.Membership{UserID: user.UserID, OrgID: org.OrgID}))

	keyring, err := cipher.NewKeyring(make([]byte, cipher.KeySize))
	require.NoError(t, err)
	c, err := cipher.New(keyring)
	require.NoError(t, err)

	signer, err := handshake.NewStateSigner([]byte("state-signing-key-0123456789abcdef"))
	require.NoError(t, err)

	connections := memory.NewConnectionStore()
	coordinator, err := handshake.NewCoordinator(handshake.Config{
		OAuth:       catalog,
		Memberships: orgs,
		Connections: connections,
		Ledger:      memory.NewStateLedger(),
		Cipher:      c,
		Signer:      signer,
	})
	require.NoError(t, err)

	b, err := broker.New(broker.Config{
		Connections: connections,
		Memberships: orgs,
		Cipher:      c,
		Refresher:   coordinator,
		Dialects:    catalog,
	})
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte("identity-secret-0123456789abcdef"), "", "")
	require.NoError(t, err)

	srv := server.NewServer(server.Config{
		Broker:    b,
		Configs:   configsvc.New(connections, orgs, providers.NewRegistry()),
		Handshake: handshake.NewHandlers(coordinator),
		Verifier:  verifier,
	})
	ts := httptest.NewServer(srv.Handler(zerolog.Nop()))
	t.Cleanup(ts.Close)

	token, err := verifier.Issue(auth.Identity{UserID: user.UserID, OrgID: org.OrgID}, time.Minute)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ServerURL = ts.URL + "/"
	cfg.Token = token
	return NewWithHTTPClient(cfg, ts.Client())
}

func TestClient_Connections(t *testing.T) {
	ctx := context.Background()
	c := newBroker(t)

	t.Run("empty list", func(t *testing.T) {
		list, err := c.ListConnections(ctx)
		require.NoError(t, err)
		require.Empty(t, list)
	})

	var connID uuid.UUID

	t.Run("register pat", func(t *testing.T) {
		summary, err := c.RegisterPersonalAccessToken(ctx, "ado", "Work ADO", "pat-secret")
		require.NoError(t, err)
		require.Equal(t, models.ProviderAzureDevOps, summary.Provider)
		require.Equal(t, "Work ADO", summary.DisplayName)
		connID = summary.ConnectionID

		list, err := c.ListConnections(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, connID, list[0].ConnectionID)
	})

	t.Run("pat not supported", func(t *testing.T) {
		_, err := c.RegisterPersonalAccessToken(ctx, "nope", "", "pat-secret")

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusBadRequest, apiErr.Status)
		require.NotContains(t, apiErr.Error(), "pat-secret")
	})

	t.Run("config round trip", func(t *testing.T) {
		_, err := c.GetConfig(ctx, connID)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusNotFound, apiErr.Status)

		saved, err := c.SaveConfig(ctx, connID, models.ProviderAzureDevOps,
			json.RawMessage(`{"organizationUrl":"https://dev.azure.com/acme","project":"platform"}`))
		require.NoError(t, err)
		require.Equal(t, connID, saved.ConnectionID)

		got, err := c.GetConfig(ctx, connID)
		require.NoError(t, err)
		require.Equal(t, saved.SchemaVersion, got.SchemaVersion)
		require.JSONEq(t, string(saved.Config), string(got.Config))
		require.JSONEq(t, `{"organizationUrl":"https://dev.azure.com/acme","project":"platform","workItemTypeMapping":{"bug":"Bug","task":"Task"}}`, string(got.Effective))
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := c.SaveConfig(ctx, connID, models.ProviderAzureDevOps, json.RawMessage(`{"organizationUrl":"http://dev.azure.com/acme"}`))

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
		require.Equal(t, "invalid_config", apiErr.Code)
		require.Equal(t, "organizationUrl", apiErr.Field)
	})

	t.Run("disconnect", func(t *testing.T) {
		require.NoError(t, c.Disconnect(ctx, connID))

		list, err := c.ListConnections(ctx)
		require.NoError(t, err)
		require.Empty(t, list)

		err = c.Disconnect(ctx, connID)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusNotFound, apiErr.Status)
	})
}

func TestClient_Unauthenticated(t *testing.T) {
	c := newBroker(t)
	c.cfg.Token = ""

	_, err := c.ListConnections(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestClient_Retry(t *testing.T) {
	t.Run("retries unavailable reads", func(t *testing.T) {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"code":"provider_unavailable","message":"try later"}`))
				return
			}
			_, _ = w.Write([]byte(`{"connections":[]}`))
		}))
		defer ts.Close()

		cfg := DefaultConfig()
		cfg.ServerURL = ts.URL
		cfg.MaxRetryTime = 5 * time.Second

		list, err := New(cfg).ListConnections(context.Background())
		require.NoError(t, err)
		require.Empty(t, list)
		require.EqualValues(t, 3, calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer ts.Close()

		cfg := DefaultConfig()
		cfg.ServerURL = ts.URL

		_, err := New(cfg).GetConfig(context.Background(), uuid.New())

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "http_error", apiErr.Code)
		require.EqualValues(t, 1, calls.Load())
	})

	t.Run("does not retry writes", func(t *testing.T) {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer ts.Close()

		cfg := DefaultConfig()
		cfg.ServerURL = ts.URL

		_, err := New(cfg).RegisterPersonalAccessToken(context.Background(), "jira", "", "pat")
		require.Error(t, err)
		require.EqualValues(t, 1, calls.Load())
	})
}
