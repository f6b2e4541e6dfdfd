package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestNewJWTVerifier(t *testing.T) {
	t.Run("short secret", func(t *testing.T) {
		_, err := NewJWTVerifier([]byte("short"), "", "")
		require.Error(t, err)
	})

	t.Run("valid secret", func(t *testing.T) {
		v, err := NewJWTVerifier(testSecret, "identity", "tokenbroker")
		require.NoError(t, err)
		require.NotNil(t, v)
	})
}

func TestJWTVerifier_Verify(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "identity", "tokenbroker")
	require.NoError(t, err)

	id := Identity{UserID: uuid.New(), OrgID: uuid.New()}

	t.Run("round trip", func(t *testing.T) {
		token, err := v.Issue(id, time.Minute)
		require.NoError(t, err)

		got, err := v.Verify(token)
		require.NoError(t, err)
		require.Equal(t, id, got)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := v.Issue(id, -time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(token)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewJWTVerifier([]byte("fedcba9876543210fedcba9876543210"), "identity", "tokenbroker")
		require.NoError(t, err)

		token, err := other.Issue(id, time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong audience", func(t *testing.T) {
		other, err := NewJWTVerifier(testSecret, "identity", "someone-else")
		require.NoError(t, err)

		token, err := other.Issue(id, time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("none algorithm rejected", func(t *testing.T) {
		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   id.UserID.String(),
				Issuer:    "identity",
				Audience:  jwt.ClaimStrings{"tokenbroker"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
			Org: id.OrgID.String(),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = v.Verify(token)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("missing org claim", func(t *testing.T) {
		token, err := v.Issue(Identity{UserID: id.UserID}, time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		require.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestJWTVerifier_Middleware(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "", "")
	require.NoError(t, err)

	id := Identity{UserID: uuid.New(), OrgID: uuid.New()}

	var seen Identity
	handler := v.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, err := IdentityFromContext(r.Context())
		require.NoError(t, err)
		seen = got
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil)
		req.Header.Set("Authorization", "Basic abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := v.Issue(id, time.Minute)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
		require.Equal(t, id, seen)
	})
}

func TestJWTVerifier_MiddlewareWithCookie(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "", "")
	require.NoError(t, err)

	id := Identity{UserID: uuid.New(), OrgID: uuid.New()}
	token, err := v.Issue(id, time.Minute)
	require.NoError(t, err)

	handler := v.Middleware(WithCookie("session"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, err := IdentityFromContext(r.Context())
		require.NoError(t, err)
		require.Equal(t, id, got)
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("cookie accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/integrations/jira/connect", nil)
		req.AddCookie(&http.Cookie{Name: "session", Value: token})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("other cookie ignored", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/integrations/jira/connect", nil)
		req.AddCookie(&http.Cookie{Name: "other", Value: token})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestIdentityFromContext(t *testing.T) {
	_, err := IdentityFromContext(t.Context())
	require.ErrorIs(t, err, ErrUnauthorized)

	ctx := WithIdentity(t.Context(), Identity{UserID: uuid.New()})
	_, err = IdentityFromContext(ctx)
	require.ErrorIs(t, err, ErrUnauthorized)
}
