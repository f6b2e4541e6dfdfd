package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization represents an organization (tenant) in the system.
// All connection and configuration data is isolated by organization.
type Organization struct {
	OrgID     uuid.UUID // UUIDv7
	Slug      string    // URL-safe, globally unique, immutable once routed
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is an authenticated principal known to the broker.
type User struct {
	UserID    uuid.UUID // UUIDv7
	Email     string    // normalized lower-case, unique
	CreatedAt time.Time
}

// Membership links a user to an organization they may act within.
type Membership struct {
	UserID    uuid.UUID
	OrgID     uuid.UUID
	CreatedAt time.Time
}
