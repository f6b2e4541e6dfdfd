package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUnauthorized is returned when a request has no valid identity or tenant context.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the (user, organization) pair supplied by the identity subsystem.
// The organization is the user's active tenant; membership is enforced by callers.
type Identity struct {
	UserID uuid.UUID
	OrgID  uuid.UUID
}

// Valid returns true if both IDs are set.
func (i Identity) Valid() bool {
	return i.UserID != uuid.Nil && i.OrgID != uuid.Nil
}

type contextKey int

const (
	identityContextKey contextKey = iota
)

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext extracts the authenticated identity from the request context.
// Returns ErrUnauthorized if no identity is present (unauthenticated request).
func IdentityFromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	if !ok || !id.Valid() {
		return Identity{}, ErrUnauthorized
	}
	return id, nil
}
