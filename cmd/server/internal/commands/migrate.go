package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/tokenbroker/internal/logger"
	postgresstore "github.com/wolfeidau/tokenbroker/internal/store/postgres"
)

type MigrateCmd struct {
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

func (m *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	pool, err := m.PostgresStore.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	if err := postgresstore.RunMigrations(ctx, pool); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Msg("Database migrations completed")
	return nil
}
