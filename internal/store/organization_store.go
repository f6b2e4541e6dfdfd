package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wolfeidau/tokenbroker/internal/models"
)

// Sentinel errors for organization store operations
var (
	ErrOrganizationNotFound      = errors.New("organization not found")
	ErrOrganizationAlreadyExists = errors.New("organization already exists")
	ErrUserNotFound              = errors.New("user not found")
	ErrUserAlreadyExists         = errors.New("user already exists")
)

// OrganizationStore defines the interface for tenant, user and membership storage.
// Identities are owned by the identity subsystem; the broker only mirrors what it needs
// to enforce that a user acts within one of their organizations.
type OrganizationStore interface {
	// CreateOrganization creates a new organization.
	// Returns ErrOrganizationAlreadyExists if the ID or slug is taken.
	CreateOrganization(ctx context.Context, org *models.Organization) error

	// GetOrganizationBySlug retrieves an organization by slug.
	// Returns ErrOrganizationNotFound if it doesn't exist.
	GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error)

	// CreateUser creates a new user; the email must already be normalized.
	// Returns ErrUserAlreadyExists if the ID or email is taken.
	CreateUser(ctx context.Context, user *models.User) error

	// GetUserByEmail retrieves a user by normalized email.
	// Returns ErrUserNotFound if it doesn't exist.
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// AddMembership grants a user access to an organization. Idempotent.
	AddMembership(ctx context.Context, m *models.Membership) error

	// IsMember reports whether the user belongs to the organization.
	IsMember(ctx context.Context, userID, orgID uuid.UUID) (bool, error)

	// ListMemberships returns the user's memberships, oldest first.
	ListMemberships(ctx context.Context, userID uuid.UUID) ([]*models.Membership, error)
}
