package models

import (
	"time"

	"github.com/google/uuid"
)

// HandshakeStateTTL bounds how long an authorization redirect may wait for its callback.
const HandshakeStateTTL = 10 * time.Minute

// HandshakeState correlates an outbound authorization redirect with its callback.
// It is never stored long-term; it travels to the browser in a signed cookie and is
// consumed on the first matching callback.
type HandshakeState struct {
	State    string // crypto-random, URL-safe
	UserID   uuid.UUID
	OrgID    uuid.UUID
	Provider string
	ReturnTo string

	CreatedAt time.Time
}

// ExpiresAt returns the instant after which the state can no longer be used.
func (s *HandshakeState) ExpiresAt() time.Time {
	return s.CreatedAt.Add(HandshakeStateTTL)
}

// IsExpired returns true if the state is older than HandshakeStateTTL.
func (s *HandshakeState) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}
