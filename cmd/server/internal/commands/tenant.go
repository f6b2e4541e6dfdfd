package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/tokenbroker/internal/bootstrap"
	"github.com/wolfeidau/tokenbroker/internal/logger"
	postgresstore "github.com/wolfeidau/tokenbroker/internal/store/postgres"
)

// TenantCmd mirrors an organization and its members from the identity subsystem.
type TenantCmd struct {
	Slug    string   `arg:"" help:"organization slug"`
	Name    string   `help:"organization display name" default:""`
	Members []string `help:"member emails" short:"m"`

	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

func (t *TenantCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	pool, err := t.PostgresStore.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	res, err := bootstrap.Bootstrap(ctx, postgresstore.NewOrganizationStore(pool), bootstrap.Config{
		OrgSlug: t.Slug,
		OrgName: t.Name,
		Emails:  t.Members,
	})
	if err != nil {
		return err
	}

	fmt.Printf("organization %s\n", res.OrgID)
	for email, userID := range res.UserIDs {
		fmt.Printf("  member %s %s\n", userID, email)
	}

	return nil
}
