package bootstrap

import (
	"github.com/google/uuid"
)

// Config describes an organization and the users that belong to it.
type Config struct {
	// OrgSlug is the URL-safe organization identifier.
	OrgSlug string
	OrgName string

	// Emails are added as members, created first when unknown.
	Emails []string
}

// Resources holds the identifiers of the seeded tenant.
type Resources struct {
	OrgID uuid.UUID

	// UserIDs by normalized email
	UserIDs map[string]uuid.UUID
}
