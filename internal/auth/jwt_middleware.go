package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MinSecretLength is the shortest HMAC secret accepted for identity tokens.
const MinSecretLength = 32

// Claims are the identity token claims: sub is the user ID and org the active organization.
type Claims struct {
	jwt.RegisteredClaims
	Org string `json:"org"`
}

// JWTVerifier verifies HS256 bearer tokens minted by the identity subsystem.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTVerifier creates a new JWT verifier. issuer and audience are checked when non-empty.
func NewJWTVerifier(secret []byte, issuer, audience string) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("identity token secret must be at least %d bytes", MinSecretLength)
	}

	return &JWTVerifier{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		leeway:   30 * time.Second,
	}, nil
}

// Verify parses and verifies tokenString, returning the identity it carries.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	userID, err := parseUUID(claims.Subject, "sub")
	if err != nil {
		return Identity{}, err
	}

	orgID, err := parseUUID(claims.Org, "org")
	if err != nil {
		return Identity{}, err
	}

	return Identity{UserID: userID, OrgID: orgID}, nil
}

// Issue signs an identity token. Used by tests and local development tooling.
func (v *JWTVerifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.String(),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Org: id.OrgID.String(),
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareOptions)

type middlewareOptions struct {
	cookieName string
}

// WithCookie also accepts the token from the named cookie. Browser navigations to the
// connect routes cannot send an Authorization header.
func WithCookie(name string) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.cookieName = name
	}
}

// Middleware returns an HTTP middleware that verifies bearer JWTs and stores the
// identity in the request context. Requests without a valid token get 401.
func (v *JWTVerifier) Middleware(opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var o middlewareOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := zerolog.Ctx(r.Context())

			tokenString := extractBearerToken(r)
			if tokenString == "" && o.cookieName != "" {
				if cookie, err := r.Cookie(o.cookieName); err == nil {
					tokenString = cookie.Value
				}
			}
			if tokenString == "" {
				logger.Warn().Msg("Missing identity token")
				writeUnauthorized(w)
				return
			}

			id, err := v.Verify(tokenString)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to verify identity token")
				writeUnauthorized(w)
				return
			}

			ctx := WithIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="tokenbroker"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"code":"unauthorized","message":"a valid bearer token is required"}`))
}

// extractBearerToken extracts the JWT from the Authorization header.
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}

// parseUUID parses a UUID claim value.
func parseUUID(value, key string) (uuid.UUID, error) {
	if value == "" {
		return uuid.Nil, fmt.Errorf("%w: missing %s claim", ErrUnauthorized, key)
	}

	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s UUID", ErrUnauthorized, key)
	}
	if id == uuid.Nil {
		return uuid.Nil, errors.Join(ErrUnauthorized, fmt.Errorf("nil %s claim", key))
	}

	return id, nil
}
