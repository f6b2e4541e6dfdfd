package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/tokenbroker/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode." env:"BROKER_DEBUG"`
		Version kong.VersionFlag

		Serve   commands.ServeCmd   `cmd:"" default:"1" help:"Start the token broker (handshake routes + API)"`
		Migrate commands.MigrateCmd `cmd:"" help:"Run database migrations"`
		Tenant  commands.TenantCmd  `cmd:"" help:"Create an organization and its memberships"`
		Keygen  commands.KeygenCmd  `cmd:"" help:"Generate an encryption key"`
		Token   commands.TokenCmd   `cmd:"" help:"Mint an identity token for local testing"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("tokenbroker"),
		kong.Description("Brokers OAuth and personal access tokens for external SaaS providers."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
