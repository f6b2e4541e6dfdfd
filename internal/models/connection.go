package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifiers. Aliases are normalized by the providers package.
const (
	ProviderAzureDevOps = "azure-devops"
	ProviderJira        = "jira"
	ProviderOutlook     = "outlook"
	ProviderSharePoint  = "sharepoint"
)

// Connection is one authorized link between an (organization, user, provider) triple and
// an external account. Token fields hold ciphertext only.
type Connection struct {
	ConnectionID uuid.UUID // UUIDv7
	OrgID        uuid.UUID
	UserID       uuid.UUID
	Provider     string
	DisplayName  string

	AccessTokenEnc  string
	RefreshTokenEnc *string    // nil when the provider issued no refresh token
	TokenExpiresAt  *time.Time // nil for non-expiring credentials such as PATs

	// Version is bumped on every token write and guards concurrent refreshes.
	Version int64

	// RevokedAt is set when the provider rejected the refresh token.
	RevokedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasRefreshToken reports whether a refresh token is stored.
func (c *Connection) HasRefreshToken() bool {
	return c.RefreshTokenEnc != nil && *c.RefreshTokenEnc != ""
}

// IsRevoked returns true if the connection can no longer be refreshed.
func (c *Connection) IsRevoked() bool {
	return c.RevokedAt != nil
}

// NeedsRefresh reports whether the access token is expired or expires within skew.
// Connections without an expiry never need a refresh.
func (c *Connection) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(*c.TokenExpiresAt)
}

// Summary returns the redacted list projection of the connection.
func (c *Connection) Summary() ConnectionSummary {
	return ConnectionSummary{
		ConnectionID: c.ConnectionID,
		Provider:     c.Provider,
		DisplayName:  c.DisplayName,
		Revoked:      c.IsRevoked(),
		CreatedAt:    c.CreatedAt,
	}
}

// ConnectionSummary is the list view of a connection. It carries no token fields.
type ConnectionSummary struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	Provider     string    `json:"provider"`
	DisplayName  string    `json:"display_name"`
	Revoked      bool      `json:"revoked,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// IntegrationConfig holds validated provider settings attached to a connection.
type IntegrationConfig struct {
	ConnectionID  uuid.UUID `json:"connection_id"`
	Provider      string    `json:"provider"`
	Data          []byte    `json:"-"` // canonical JSON of the provider config
	SchemaVersion int       `json:"schema_version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Secret wraps a plaintext credential so it cannot leak through formatting or encoding.
type Secret struct {
	value string
}

// NewSecret wraps value.
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Value returns the plaintext. Never log the result.
func (s Secret) Value() string {
	return s.value
}

// IsEmpty returns true if no value is held.
func (s Secret) IsEmpty() bool {
	return s.value == ""
}

func (s Secret) String() string {
	return "[REDACTED]"
}

func (s Secret) GoString() string {
	return "models.Secret{[REDACTED]}"
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}
