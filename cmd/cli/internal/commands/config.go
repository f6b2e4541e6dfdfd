package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ConfigCmd groups integration config subcommands.
type ConfigCmd struct {
	Get ConfigGetCmd `cmd:"" help:"Print the config of a connection"`
	Set ConfigSetCmd `cmd:"" help:"Validate and store the config of a connection"`
}

type ConfigGetCmd struct {
	ConnectionID uuid.UUID `arg:"" help:"Connection to read."`
}

func (c *ConfigGetCmd) Run(ctx context.Context, globals *Globals) error {
	api, err := globals.client()
	if err != nil {
		return err
	}

	cfg, err := api.GetConfig(ctx, c.ConnectionID)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, cfg.Config, "", "  "); err != nil {
		return fmt.Errorf("failed to format config: %w", err)
	}
	fmt.Fprintf(globals.out(), "# %s schema v%d, updated %s\n", cfg.Provider, cfg.SchemaVersion, cfg.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintln(globals.out(), pretty.String())

	if len(cfg.Effective) > 0 {
		pretty.Reset()
		if err := json.Indent(&pretty, cfg.Effective, "", "  "); err != nil {
			return fmt.Errorf("failed to format config: %w", err)
		}
		fmt.Fprintln(globals.out(), "# with defaults")
		fmt.Fprintln(globals.out(), pretty.String())
	}
	return nil
}

type ConfigSetCmd struct {
	ConnectionID uuid.UUID `arg:"" help:"Connection to configure."`
	Provider     string    `required:"" help:"Provider the config is for."`
	File         string    `short:"f" help:"JSON or YAML config file, '-' for stdin." default:"-"`
}

func (c *ConfigSetCmd) Run(ctx context.Context, globals *Globals) error {
	api, err := globals.client()
	if err != nil {
		return err
	}

	raw, err := c.read(globals.in())
	if err != nil {
		return err
	}

	payload, err := toJSON(raw)
	if err != nil {
		return err
	}

	cfg, err := api.SaveConfig(ctx, c.ConnectionID, c.Provider, payload)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Fprintf(globals.out(), "Saved %s config for %s (schema v%d)\n", cfg.Provider, cfg.ConnectionID, cfg.SchemaVersion)
	return nil
}

func (c *ConfigSetCmd) read(stdin io.Reader) ([]byte, error) {
	if c.File == "-" {
		data, err := io.ReadAll(io.LimitReader(stdin, 128*1024))
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(c.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// toJSON accepts JSON or YAML and returns JSON.
func toJSON(raw []byte) (json.RawMessage, error) {
	if json.Valid(raw) {
		return raw, nil
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config is neither JSON nor YAML: %w", err)
	}
	if doc == nil {
		return nil, errors.New("config is empty")
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert config: %w", err)
	}
	return out, nil
}
