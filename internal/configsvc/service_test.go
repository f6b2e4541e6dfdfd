package configsvc

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/tokenbroker/internal/auth"
	"github.com/wolfeidau/tokenbroker/internal/cipher"
	"github.com/wolfeidau/tokenbroker/internal/handshake"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/providers"
	"github.com/wolfeidau/tokenbroker/internal/providers/providertest"
	"github.com/wolfeidau/tokenbroker/internal/store"
	"github.com/wolfeidau/tokenbroker/internal/store/memory"
)

type fixture struct {
	service     *Service
	coordinator *handshake.Coordinator
	connections *memory.ConnectionStore
	identity    auth.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	provider := providertest.NewServer(t)

	orgs := memory.NewOrganizationStore()
	org := &models.Organization{OrgID: uuid.Must(uuid.NewV7()), Slug: "acme"}
	user := &models.User{UserID: uuid.Must(uuid.NewV7()), Email: "dev@acme.test"}
	require.NoError(t, orgs.CreateOrganization(ctx, org))
	require.NoError(t, orgs.CreateUser(ctx, user))
	require.NoError(t, orgs.AddMembership(ctx, &models.Membership{UserID: user.UserID, OrgID: org.OrgID}))

	keyring, err := cipher.NewKeyring(make([]byte, 32))
	require.NoError(t, err)
	c, err := cipher.New(keyring)
	require.NoError(t, err)

	signer, err := handshake.NewStateSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	connections := memory.NewConnectionStore()

	coordinator, err := handshake.NewCoordinator(handshake.Config{
		OAuth:       provider.Catalog(t, models.ProviderJira),
		Memberships: orgs,
		Connections: connections,
		Ledger:      memory.NewStateLedger(),
		Cipher:      c,
		Signer:      signer,
	})
	require.NoError(t, err)

	return &fixture{
		service:     New(connections, orgs, providers.NewRegistry()),
		coordinator: coordinator,
		connections: connections,
		identity:    auth.Identity{UserID: user.UserID, OrgID: org.OrgID},
	}
}

// connect runs a full handshake and returns the new connection ID.
func (f *fixture) connect(t *testing.T, provider string) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	authz, err := f.coordinator.Begin(ctx, f.identity, provider, "")
	require.NoError(t, err)

	u, err := url.Parse(authz.URL)
	require.NoError(t, err)

	res, err := f.coordinator.Complete(ctx, authz.Transport, u.Query().Get("state"), providertest.ValidCode)
	require.NoError(t, err)
	return res.ConnectionID
}

func TestService_JiraScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	connectionID := f.connect(t, "jira")

	t.Run("save config", func(t *testing.T) {
		raw := []byte(`{"cloudId":"c1","projectKey":"ENG"}`)

		saved, err := f.service.SaveConfig(ctx, f.identity.OrgID, f.identity.UserID, connectionID, "Jira", raw)
		require.NoError(t, err)
		require.Equal(t, 1, saved.SchemaVersion)
		require.Equal(t, models.ProviderJira, saved.Provider)

		var stored map[string]any
		require.NoError(t, json.Unmarshal(saved.Data, &stored))
		require.Equal(t, "c1", stored["cloudId"])
		require.Equal(t, "ENG", stored["projectKey"])

		got, cfg, err := f.service.GetConfig(ctx, f.identity.OrgID, f.identity.UserID, connectionID)
		require.NoError(t, err)
		require.Equal(t, saved.Data, got.Data)

		jira, ok := cfg.(*providers.JiraConfig)
		require.True(t, ok)
		require.Equal(t, "c1", jira.CloudID)
	})

	t.Run("wrong provider is rejected", func(t *testing.T) {
		_, err := f.service.SaveConfig(ctx, f.identity.OrgID, f.identity.UserID, connectionID, "azure-devops",
			[]byte(`{"organizationUrl":"https://dev.azure.com/acme"}`))
		require.ErrorIs(t, err, ErrProviderMismatch)
	})

	t.Run("invalid payload keeps the stored config", func(t *testing.T) {
		_, err := f.service.SaveConfig(ctx, f.identity.OrgID, f.identity.UserID, connectionID, "jira",
			[]byte(`{"cloudId":"c1","projectKey":"eng"}`))
		require.ErrorIs(t, err, providers.ErrSchemaValidation)

		var verr *providers.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "projectKey", verr.Field)

		got, err := f.connections.GetConfig(ctx, connectionID)
		require.NoError(t, err)
		require.Contains(t, string(got.Data), `"ENG"`)
	})

	t.Run("update keeps the schema version", func(t *testing.T) {
		saved, err := f.service.SaveConfig(ctx, f.identity.OrgID, f.identity.UserID, connectionID, "jira",
			[]byte(`{"cloudId":"c2","projectKey":"OPS","issueType":"Bug"}`))
		require.NoError(t, err)
		require.Equal(t, 1, saved.SchemaVersion)
		require.Contains(t, string(saved.Data), `"OPS"`)
	})
}

func TestService_Ownership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	connectionID := f.connect(t, "jira")
	raw := []byte(`{"cloudId":"c1","projectKey":"ENG"}`)

	t.Run("unknown connection", func(t *testing.T) {
		_, err := f.service.SaveConfig(ctx, f.identity.OrgID, f.identity.UserID, uuid.New(), "jira", raw)
		require.ErrorIs(t, err, store.ErrConnectionNotFound)
	})

	t.Run("non member", func(t *testing.T) {
		_, err := f.service.SaveConfig(ctx, uuid.New(), f.identity.UserID, connectionID, "jira", raw)
		require.ErrorIs(t, err, auth.ErrUnauthorized)
	})

	t.Run("config not saved yet", func(t *testing.T) {
		_, _, err := f.service.GetConfig(ctx, f.identity.OrgID, f.identity.UserID, connectionID)
		require.ErrorIs(t, err, store.ErrConfigNotFound)
	})

	t.Run("unsupported provider", func(t *testing.T) {
		_, err := f.service.SaveConfig(ctx, f.identity.OrgID, f.identity.UserID, connectionID, "github", raw)
		require.ErrorIs(t, err, providers.ErrUnsupportedProvider)
	})
}
