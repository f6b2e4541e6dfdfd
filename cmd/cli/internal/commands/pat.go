package commands

import (
	"context"
	"errors"
	"fmt"
)

// PATCmd groups personal access token subcommands.
type PATCmd struct {
	Add PATAddCmd `cmd:"" help:"Register a personal access token, read from stdin"`
}

type PATAddCmd struct {
	Provider    string `arg:"" help:"Provider key or alias, e.g. jira or ado."`
	DisplayName string `help:"Name shown in connection listings."`
}

func (p *PATAddCmd) Run(ctx context.Context, globals *Globals) error {
	api, err := globals.client()
	if err != nil {
		return err
	}

	token, err := readSecret(globals.in())
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	if token == "" {
		return errors.New("no token provided on stdin")
	}

	summary, err := api.RegisterPersonalAccessToken(ctx, p.Provider, p.DisplayName, token)
	if err != nil {
		return fmt.Errorf("failed to register token: %w", err)
	}

	fmt.Fprintf(globals.out(), "Registered %s connection %s\n", summary.Provider, summary.ConnectionID)
	return nil
}
