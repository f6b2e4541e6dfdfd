package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tokenbroker/internal/models"
	"github.com/wolfeidau/tokenbroker/internal/store"
)

func newTestConnection(orgID, userID uuid.UUID, provider string) *models.Connection {
	now := time.Now()
	expires := now.Add(time.Hour)
	refresh := "v1.kid.refresh"
	return &models.Connection{
		ConnectionID:    uuid.Must(uuid.NewV7()),
		OrgID:           orgID,
		UserID:          userID,
		Provider:        provider,
		DisplayName:     "Jira",
		AccessTokenEnc:  "v1.kid.access",
		RefreshTokenEnc: &refresh,
		TokenExpiresAt:  &expires,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestConnectionStore_Create(t *testing.T) {
	ctx := context.Background()
	orgID, userID := uuid.New(), uuid.New()

	t.Run("create and find", func(t *testing.T) {
		st := NewConnectionStore()

		conn := newTestConnection(orgID, userID, models.ProviderJira)
		require.NoError(t, st.CreateConnection(ctx, conn))

		found, err := st.FindConnection(ctx, orgID, userID, models.ProviderJira)
		require.NoError(t, err)
		require.Equal(t, conn.ConnectionID, found.ConnectionID)
		require.Equal(t, int64(1), found.Version)
		require.Equal(t, "v1.kid.refresh", *found.RefreshTokenEnc)
	})

	t.Run("duplicate triple is rejected", func(t *testing.T) {
		st := NewConnectionStore()

		require.NoError(t, st.CreateConnection(ctx, newTestConnection(orgID, userID, models.ProviderJira)))

		err := st.CreateConnection(ctx, newTestConnection(orgID, userID, models.ProviderJira))
		require.ErrorIs(t, err, store.ErrDuplicateConnection)
	})

	t.Run("same provider for another user is allowed", func(t *testing.T) {
		st := NewConnectionStore()

		require.NoError(t, st.CreateConnection(ctx, newTestConnection(orgID, userID, models.ProviderJira)))
		require.NoError(t, st.CreateConnection(ctx, newTestConnection(orgID, uuid.New(), models.ProviderJira)))
		require.NoError(t, st.CreateConnection(ctx, newTestConnection(uuid.New(), userID, models.ProviderJira)))
	})

	t.Run("parallel creates yield exactly one winner", func(t *testing.T) {
		st := NewConnectionStore()

		const workers = 20
		var wg sync.WaitGroup
		errs := make(chan error, workers)

		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- st.CreateConnection(ctx, newTestConnection(orgID, userID, models.ProviderOutlook))
			}()
		}
		wg.Wait()
		close(errs)

		var ok, dup int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case err == store.ErrDuplicateConnection:
				dup++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, workers-1, dup)
	})

	t.Run("returned values are copies", func(t *testing.T) {
		st := NewConnectionStore()

		conn := newTestConnection(orgID, userID, models.ProviderJira)
		require.NoError(t, st.CreateConnection(ctx, conn))

		found, err := st.FindConnection(ctx, orgID, userID, models.ProviderJira)
		require.NoError(t, err)
		*found.RefreshTokenEnc = "mutated"

		again, err := st.FindConnection(ctx, orgID, userID, models.ProviderJira)
		require.NoError(t, err)
		require.Equal(t, "v1.kid.refresh", *again.RefreshTokenEnc)
	})
}

func TestConnectionStore_GetScoping(t *testing.T) {
	ctx := context.Background()
	st := NewConnectionStore()
	orgID, userID := uuid.New(), uuid.New()

	conn := newTestConnection(orgID, userID, models.ProviderJira)
	require.NoError(t, st.CreateConnection(ctx, conn))

	_, err := st.GetConnection(ctx, orgID, userID, conn.ConnectionID)
	require.NoError(t, err)

	_, err = st.GetConnection(ctx, orgID, uuid.New(), conn.ConnectionID)
	require.ErrorIs(t, err, store.ErrConnectionNotFound)

	_, err = st.GetConnection(ctx, uuid.New(), userID, conn.ConnectionID)
	require.ErrorIs(t, err, store.ErrConnectionNotFound)

	_, err = st.FindConnection(ctx, orgID, userID, models.ProviderOutlook)
	require.ErrorIs(t, err, store.ErrConnectionNotFound)
}

func TestConnectionStore_UpdateTokens(t *testing.T) {
	ctx := context.Background()
	orgID, userID := uuid.New(), uuid.New()

	t.Run("matching version bumps and clears revocation", func(t *testing.T) {
		st := NewConnectionStore()
		conn := newTestConnection(orgID, userID, models.ProviderJira)
		require.NoError(t, st.CreateConnection(ctx, conn))
		require.NoError(t, st.MarkRevoked(ctx, conn.ConnectionID, 1))

		expires := time.Now().Add(2 * time.Hour)
		updated, err := st.UpdateTokens(ctx, conn.ConnectionID, 1, store.TokenUpdate{
			AccessTokenEnc: "v1.kid.access2",
			ExpiresAt:      &expires,
		})
		require.NoError(t, err)
		require.Equal(t, int64(2), updated.Version)
		require.Equal(t, "v1.kid.access2", updated.AccessTokenEnc)
		require.Equal(t, "v1.kid.refresh", *updated.RefreshTokenEnc, "nil refresh keeps stored value")
		require.False(t, updated.IsRevoked())
		require.True(t, expires.Equal(*updated.TokenExpiresAt))
	})

	t.Run("new refresh token replaces the stored one", func(t *testing.T) {
		st := NewConnectionStore()
		conn := newTestConnection(orgID, userID, models.ProviderJira)
		require.NoError(t, st.CreateConnection(ctx, conn))

		rotated := "v1.kid.refresh2"
		updated, err := st.UpdateTokens(ctx, conn.ConnectionID, 1, store.TokenUpdate{
			AccessTokenEnc:  "v1.kid.access2",
			RefreshTokenEnc: &rotated,
		})
		require.NoError(t, err)
		require.Equal(t, rotated, *updated.RefreshTokenEnc)
		require.Nil(t, updated.TokenExpiresAt)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		st := NewConnectionStore()
		conn := newTestConnection(orgID, userID, models.ProviderJira)
		require.NoError(t, st.CreateConnection(ctx, conn))

		_, err := st.UpdateTokens(ctx, conn.ConnectionID, 1, store.TokenUpdate{AccessTokenEnc: "a"})
		require.NoError(t, err)

		_, err = st.UpdateTokens(ctx, conn.ConnectionID, 1, store.TokenUpdate{AccessTokenEnc: "b"})
		require.ErrorIs(t, err, store.ErrVersionConflict)

		err = st.MarkRevoked(ctx, conn.ConnectionID, 1)
		require.ErrorIs(t, err, store.ErrVersionConflict)
	})

	t.Run("unknown connection", func(t *testing.T) {
		st := NewConnectionStore()

		_, err := st.UpdateTokens(ctx, uuid.New(), 1, store.TokenUpdate{AccessTokenEnc: "a"})
		require.ErrorIs(t, err, store.ErrConnectionNotFound)
	})
}

func TestConnectionStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	st := NewConnectionStore()
	orgID, userID := uuid.New(), uuid.New()

	jira := newTestConnection(orgID, userID, models.ProviderJira)
	outlook := newTestConnection(orgID, userID, models.ProviderOutlook)
	other := newTestConnection(orgID, uuid.New(), models.ProviderJira)
	require.NoError(t, st.CreateConnection(ctx, jira))
	require.NoError(t, st.CreateConnection(ctx, outlook))
	require.NoError(t, st.CreateConnection(ctx, other))

	_, err := st.UpsertConfig(ctx, jira.ConnectionID, models.ProviderJira, []byte(`{"cloudId":"c"}`), 1)
	require.NoError(t, err)

	list, err := st.ListConnectionsForUser(ctx, orgID, userID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, models.ProviderJira, list[0].Provider)
	require.Equal(t, models.ProviderOutlook, list[1].Provider)

	err = st.DeleteConnection(ctx, orgID, userID, other.ConnectionID)
	require.ErrorIs(t, err, store.ErrConnectionNotFound)

	require.NoError(t, st.DeleteConnection(ctx, orgID, userID, jira.ConnectionID))

	_, err = st.GetConfig(ctx, jira.ConnectionID)
	require.ErrorIs(t, err, store.ErrConfigNotFound)

	// the triple is free again
	require.NoError(t, st.CreateConnection(ctx, newTestConnection(orgID, userID, models.ProviderJira)))
}

func TestConnectionStore_UpsertConfig(t *testing.T) {
	ctx := context.Background()
	st := NewConnectionStore()
	orgID, userID := uuid.New(), uuid.New()

	conn := newTestConnection(orgID, userID, models.ProviderJira)
	require.NoError(t, st.CreateConnection(ctx, conn))

	_, err := st.GetConfig(ctx, conn.ConnectionID)
	require.ErrorIs(t, err, store.ErrConfigNotFound)

	cfg, err := st.UpsertConfig(ctx, conn.ConnectionID, models.ProviderJira, []byte(`{"cloudId":"a"}`), 1)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.SchemaVersion)

	cfg, err = st.UpsertConfig(ctx, conn.ConnectionID, models.ProviderJira, []byte(`{"cloudId":"b"}`), 2)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.SchemaVersion, "schema version preserved on update")

	got, err := st.GetConfig(ctx, conn.ConnectionID)
	require.NoError(t, err)
	require.JSONEq(t, `{"cloudId":"b"}`, string(got.Data))

	_, err = st.UpsertConfig(ctx, uuid.New(), models.ProviderJira, []byte(`{}`), 1)
	require.ErrorIs(t, err, store.ErrConnectionNotFound)
}
