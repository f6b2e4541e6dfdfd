package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
)

// ConnectionsCmd groups connection subcommands.
type ConnectionsCmd struct {
	List ConnectionsListCmd `cmd:"" default:"1" help:"List connections"`
}

type ConnectionsListCmd struct{}

func (c *ConnectionsListCmd) Run(ctx context.Context, globals *Globals) error {
	api, err := globals.client()
	if err != nil {
		return err
	}

	list, err := api.ListConnections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list connections: %w", err)
	}

	if len(list) == 0 {
		fmt.Fprintln(globals.out(), "No connections found.")
		return nil
	}

	w := tabwriter.NewWriter(globals.out(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tNAME\tSTATUS\tCREATED")
	for _, conn := range list {
		status := "active"
		if conn.Revoked {
			status = "revoked"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			conn.ConnectionID, conn.Provider, conn.DisplayName, status, conn.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// DisconnectCmd deletes a connection.
type DisconnectCmd struct {
	ConnectionID uuid.UUID `arg:"" help:"Connection to delete."`
}

func (d *DisconnectCmd) Run(ctx context.Context, globals *Globals) error {
	api, err := globals.client()
	if err != nil {
		return err
	}

	if err := api.Disconnect(ctx, d.ConnectionID); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}

	fmt.Fprintf(globals.out(), "Disconnected %s\n", d.ConnectionID)
	return nil
}
