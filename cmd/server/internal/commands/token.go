package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/tokenbroker/internal/auth"
)

// TokenCmd mints an identity token the way the identity subsystem does, for local testing.
type TokenCmd struct {
	UserID uuid.UUID     `help:"user ID (sub claim)" required:""`
	OrgID  uuid.UUID     `help:"organization ID (org claim)" required:""`
	TTL    time.Duration `help:"token lifetime" default:"1h"`

	Identity IdentityFlags `embed:"" prefix:"identity-"`
}

func (t *TokenCmd) Run() error {
	verifier, err := t.Identity.verifier()
	if err != nil {
		return err
	}

	token, err := verifier.Issue(auth.Identity{UserID: t.UserID, OrgID: t.OrgID}, t.TTL)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Println(token)
	return nil
}
