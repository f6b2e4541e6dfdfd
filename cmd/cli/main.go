package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/tokenbroker/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Connections commands.ConnectionsCmd `cmd:"" help:"Manage integration connections"`
		PAT         commands.PATCmd         `cmd:"" name:"pat" help:"Manage personal access tokens"`
		Config      commands.ConfigCmd      `cmd:"" help:"Manage integration configs"`
		Disconnect  commands.DisconnectCmd  `cmd:"" help:"Delete a connection and its config"`

		Server  string `help:"Broker base URL." env:"BROKER_URL" default:"https://localhost:8443"`
		Token   string `help:"Identity bearer token." env:"BROKER_TOKEN"`
		Debug   bool   `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("tbctl"),
		kong.Description("Token broker command line client."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	level := zerolog.InfoLevel
	if cli.Debug {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	err := cmd.Run(&commands.Globals{
		Server:  cli.Server,
		Token:   cli.Token,
		Debug:   cli.Debug,
		Version: version,
	})
	cmd.FatalIfErrorf(err)
}
